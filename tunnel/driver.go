package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// SplitRoute is one IPv4 split-include route from spec.md §3's
// TunnelConfig, expressed as the env-var pair the helper expects.
type SplitRoute struct {
	Addr string
	Mask string
}

// IPv6SplitRoute is one IPv6 split-include route.
type IPv6SplitRoute struct {
	Addr      string
	PrefixLen int
}

// DriverConfig configures the external helper invocation spec.md §6
// describes. Everything here is known before the tunnel connects; the
// values the PPP network layer negotiates are not stored here but read by
// Connect from the NegotiatedState it's handed.
type DriverConfig struct {
	HelperPath string

	VPNGateway string
	TunDevice  string

	InternalIP4Netmask string
	InternalIP4DNS     []string

	// InternalIP6Address/Netmask come straight from TunnelConfig: IPV6CP
	// only negotiates the link's interface identifiers (RFC 5072), not a
	// routable address, so the actual address the helper assigns is
	// whatever the auth collaborator handed the session up front.
	InternalIP6Address string
	InternalIP6Netmask string

	CiscoDefDomain string

	SplitIncludeIPv4 []SplitRoute
	SplitIncludeIPv6 []IPv6SplitRoute

	IdleTimeoutSeconds int
}

// Driver invokes the external interface-configuration helper on PPP
// network-layer up/down transitions. It never touches the interface or
// routing table directly — spec.md §4.6 delegates that entirely to the
// helper, the same way vpnc-script/openconnect scripts work, since no
// library in the reference set offers portable interface/route control.
type Driver struct {
	cfg DriverConfig

	mu        sync.Mutex
	connected bool
}

func NewDriver(cfg DriverConfig) *Driver {
	return &Driver{cfg: cfg}
}

// Connect runs the helper with reason=connect and the environment spec.md
// §6 specifies, built from the negotiated IPCP/IPV6CP results.
func (d *Driver) Connect(ctx context.Context, negotiated NegotiatedState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	if d.cfg.HelperPath == "" {
		d.connected = true
		return nil
	}

	env := d.buildEnv("connect", negotiated)
	if err := d.run(ctx, env); err != nil {
		return fmt.Errorf("tunnel: connect helper: %w", err)
	}
	d.connected = true
	return nil
}

// Disconnect runs the helper with reason=disconnect. It is safe to call
// even if Connect was never run or already failed.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected || d.cfg.HelperPath == "" {
		d.connected = false
		return nil
	}
	env := d.buildEnv("disconnect", NegotiatedState{})
	err := d.run(ctx, env)
	d.connected = false
	if err != nil {
		return fmt.Errorf("tunnel: disconnect helper: %w", err)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, env []string) error {
	cmd := exec.CommandContext(ctx, d.cfg.HelperPath)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (output: %s)", d.cfg.HelperPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// buildEnv merges the process environment with the fixed and
// negotiation-derived variables spec.md §6 lists, grounded on
// supervisor.go's mergedEnv: base environment first, then overrides take
// precedence by key.
func (d *Driver) buildEnv(reason string, n NegotiatedState) []string {
	overrides := map[string]string{
		"reason":     reason,
		"VPNGATEWAY": d.cfg.VPNGateway,
		"TUNDEV":     d.cfg.TunDevice,
	}
	if d.cfg.IdleTimeoutSeconds > 0 {
		overrides["IDLE_TIMEOUT"] = strconv.Itoa(d.cfg.IdleTimeoutSeconds)
	}
	if d.cfg.CiscoDefDomain != "" {
		overrides["CISCO_DEF_DOMAIN"] = d.cfg.CiscoDefDomain
	}

	if reason == "connect" {
		if n.IPCP.LocalAddr != nil && !n.IPCP.LocalAddr.IsUnspecified() {
			overrides["INTERNAL_IP4_ADDRESS"] = n.IPCP.LocalAddr.String()
		}
		if d.cfg.InternalIP4Netmask != "" {
			overrides["INTERNAL_IP4_NETMASK"] = d.cfg.InternalIP4Netmask
		}
		if len(d.cfg.InternalIP4DNS) > 0 {
			overrides["INTERNAL_IP4_DNS"] = strings.Join(d.cfg.InternalIP4DNS, " ")
		}
		if n.IPV6CP != nil && d.cfg.InternalIP6Address != "" {
			overrides["INTERNAL_IP6_ADDRESS"] = d.cfg.InternalIP6Address
			if d.cfg.InternalIP6Netmask != "" {
				overrides["INTERNAL_IP6_NETMASK"] = d.cfg.InternalIP6Netmask
			}
		}

		if len(d.cfg.SplitIncludeIPv4) > 0 {
			overrides["CISCO_SPLIT_INC"] = strconv.Itoa(len(d.cfg.SplitIncludeIPv4))
			for i, r := range d.cfg.SplitIncludeIPv4 {
				overrides[fmt.Sprintf("CISCO_SPLIT_INC_%d_ADDR", i)] = r.Addr
				overrides[fmt.Sprintf("CISCO_SPLIT_INC_%d_MASK", i)] = r.Mask
			}
		}
		for i, r := range d.cfg.SplitIncludeIPv6 {
			overrides[fmt.Sprintf("CISCO_IPV6_SPLIT_INC_%d_ADDR", i)] = r.Addr
			overrides[fmt.Sprintf("CISCO_IPV6_SPLIT_INC_%d_MASK", i)] = strconv.Itoa(r.PrefixLen)
		}
	}

	return mergeEnv(os.Environ(), overrides)
}

// mergeEnv applies overrides onto base by key, preserving base's order
// and appending any override key not already present. Grounded on
// supervisor.go's mergedEnv.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, len(base))
	copy(out, base)
	idx := make(map[string]int, len(out))
	for i, kv := range out {
		if k, _, ok := strings.Cut(kv, "="); ok {
			idx[k] = i
		}
	}
	for k, v := range overrides {
		kv := k + "=" + v
		if i, ok := idx[k]; ok {
			out[i] = kv
		} else {
			out = append(out, kv)
		}
	}
	return out
}
