package tunnel

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"vpntunnel/ppp"
)

func TestMergeEnvOverridesExistingKeyAndAppendsNew(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	out := mergeEnv(base, map[string]string{"HOME": "/new-home", "reason": "connect"})

	got := map[string]string{}
	for _, kv := range out {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	require.Equal(t, "/new-home", got["HOME"])
	require.Equal(t, "/usr/bin", got["PATH"])
	require.Equal(t, "connect", got["reason"])
}

func TestBuildEnvConnectIncludesNegotiatedAddressAndSplitRoutes(t *testing.T) {
	d := NewDriver(DriverConfig{
		VPNGateway:         "203.0.113.1",
		TunDevice:          "tun0",
		InternalIP4Netmask: "255.255.255.0",
		InternalIP4DNS:     []string{"198.51.100.1", "198.51.100.2"},
		InternalIP6Address: "2001:db8::1",
		InternalIP6Netmask: "64",
		CiscoDefDomain:     "example.com",
		SplitIncludeIPv4: []SplitRoute{
			{Addr: "10.0.0.0", Mask: "255.0.0.0"},
		},
		IdleTimeoutSeconds: 1800,
	})

	ipcp := ppp.IPCPResult{LocalAddr: net.IPv4(10, 0, 0, 5)}
	env := d.buildEnv("connect", NegotiatedState{IPCP: ipcp, IPV6CP: &ppp.IPV6CPResult{}})

	m := map[string]string{}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	require.Equal(t, "connect", m["reason"])
	require.Equal(t, "203.0.113.1", m["VPNGATEWAY"])
	require.Equal(t, "tun0", m["TUNDEV"])
	require.Equal(t, "10.0.0.5", m["INTERNAL_IP4_ADDRESS"])
	require.Equal(t, "255.255.255.0", m["INTERNAL_IP4_NETMASK"])
	require.Equal(t, "198.51.100.1 198.51.100.2", m["INTERNAL_IP4_DNS"])
	require.Equal(t, "2001:db8::1", m["INTERNAL_IP6_ADDRESS"])
	require.Equal(t, "64", m["INTERNAL_IP6_NETMASK"])
	require.Equal(t, "example.com", m["CISCO_DEF_DOMAIN"])
	require.Equal(t, "1800", m["IDLE_TIMEOUT"])
	require.Equal(t, "1", m["CISCO_SPLIT_INC"])
	require.Equal(t, "10.0.0.0", m["CISCO_SPLIT_INC_0_ADDR"])
	require.Equal(t, "255.0.0.0", m["CISCO_SPLIT_INC_0_MASK"])
}

func TestBuildEnvDisconnectOmitsNegotiatedFields(t *testing.T) {
	d := NewDriver(DriverConfig{VPNGateway: "203.0.113.1", TunDevice: "tun0"})
	env := d.buildEnv("disconnect", NegotiatedState{})
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		require.NotEqual(t, "INTERNAL_IP4_ADDRESS", k)
		require.NotEqual(t, "CISCO_SPLIT_INC", k)
	}
}

func TestDisconnectWithoutConnectIsNoop(t *testing.T) {
	d := NewDriver(DriverConfig{HelperPath: "/bin/does-not-matter"})
	require.NoError(t, d.Disconnect(context.Background()))
}

func TestConnectWithNoHelperPathIsNoop(t *testing.T) {
	d := NewDriver(DriverConfig{})
	require.NoError(t, d.Connect(context.Background(), NegotiatedState{}))
	require.True(t, d.connected)
}

// TestConnectInvokesHelperWithEnvironment exercises the real exec.CommandContext
// path against a tiny shell script that dumps its environment, confirming the
// fixed and negotiated variables from spec.md §6 actually reach the child
// process.
func TestConnectInvokesHelperWithEnvironment(t *testing.T) {
	dir := t.TempDir()
	scriptPath := dir + "/helper.sh"
	dumpPath := dir + "/env.out"
	script := "#!/bin/sh\nenv > " + dumpPath + "\nexit 0\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	d := NewDriver(DriverConfig{
		HelperPath: scriptPath,
		VPNGateway: "203.0.113.1",
		TunDevice:  "tun0",
	})

	require.NoError(t, d.Connect(context.Background(), NegotiatedState{IPCP: ppp.IPCPResult{}}))

	f, err := os.Open(dumpPath)
	require.NoError(t, err)
	defer f.Close()

	found := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "reason=connect") {
			found["reason"] = true
		}
		if strings.HasPrefix(line, "VPNGATEWAY=203.0.113.1") {
			found["gateway"] = true
		}
	}
	require.True(t, found["reason"])
	require.True(t, found["gateway"])
}
