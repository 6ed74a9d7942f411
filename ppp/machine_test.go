package ppp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type frame struct {
	protocol uint16
	payload  []byte
}

// loopback wires two Machines together with in-memory queues instead of
// a real transport, driving messages back and forth until both sides
// settle or an iteration budget is exhausted.
type loopback struct {
	toA, toB []frame
}

func newMachinePair(t *testing.T, cfgA, cfgB MachineConfig) (*Machine, *Machine, *loopback) {
	t.Helper()
	lb := &loopback{}
	var a, b *Machine
	a = NewMachine(cfgA, func(protocol uint16, packet []byte) error {
		lb.toB = append(lb.toB, frame{protocol, append([]byte(nil), packet...)})
		return nil
	})
	b = NewMachine(cfgB, func(protocol uint16, packet []byte) error {
		lb.toA = append(lb.toA, frame{protocol, append([]byte(nil), packet...)})
		return nil
	})
	return a, b, lb
}

func (lb *loopback) drain(t *testing.T, a, b *Machine) {
	t.Helper()
	for i := 0; i < 200 && (len(lb.toA) > 0 || len(lb.toB) > 0); i++ {
		for len(lb.toB) > 0 {
			f := lb.toB[0]
			lb.toB = lb.toB[1:]
			require.NoError(t, b.Input(f.protocol, f.payload))
		}
		for len(lb.toA) > 0 {
			f := lb.toA[0]
			lb.toA = lb.toA[1:]
			require.NoError(t, a.Input(f.protocol, f.payload))
		}
	}
}

func TestMachineNegotiatesToOpen(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgB := DefaultMachineConfig()
	a, b, lb := newMachinePair(t, cfgA, cfgB)

	var aUp, bUp bool
	a.OnNetworkUp = func(IPCPResult, *IPV6CPResult) { aUp = true }
	b.OnNetworkUp = func(IPCPResult, *IPV6CPResult) { bUp = true }

	a.LowerUp()
	b.LowerUp()
	a.Open()
	b.Open()
	lb.drain(t, a, b)

	require.True(t, aUp)
	require.True(t, bUp)
	require.Equal(t, PhaseOpen, a.Phase())
	require.Equal(t, PhaseOpen, b.Phase())
	require.Equal(t, Opened, a.LCPState())
	require.Equal(t, Opened, a.IPCPState())
}

func TestMachineNegotiatesIPv6CP(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgA.EnableIPv6 = true
	cfgB := DefaultMachineConfig()
	cfgB.EnableIPv6 = true
	a, b, lb := newMachinePair(t, cfgA, cfgB)

	a.LowerUp()
	b.LowerUp()
	a.Open()
	b.Open()
	lb.drain(t, a, b)

	require.Equal(t, PhaseOpen, a.Phase())
	stateA, ok := a.IPV6CPState()
	require.True(t, ok)
	require.Equal(t, Opened, stateA)
}

func TestMachineIPCPCommitsConfiguredAddress(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgA.IPCP.LocalAddr = net.IPv4(10, 0, 0, 2)
	cfgB := DefaultMachineConfig()
	cfgB.IPCP.LocalAddr = net.IPv4(10, 0, 0, 3)
	a, b, lb := newMachinePair(t, cfgA, cfgB)

	a.LowerUp()
	b.LowerUp()
	a.Open()
	b.Open()
	lb.drain(t, a, b)

	require.Equal(t, Opened, a.IPCPState())
	require.True(t, net.IPv4(10, 0, 0, 2).Equal(a.ipcpNeg.Result.LocalAddr))
}

func TestMachineLowerDownResetsToDead(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgB := DefaultMachineConfig()
	a, b, lb := newMachinePair(t, cfgA, cfgB)

	a.LowerUp()
	b.LowerUp()
	a.Open()
	b.Open()
	lb.drain(t, a, b)
	require.Equal(t, PhaseOpen, a.Phase())

	a.LowerDown()
	require.Equal(t, PhaseDead, a.Phase())
	require.Equal(t, Closed, a.LCPState())
}

func TestMachineDPDTimeoutReportsFatal(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgA.DPDInterval = time.Millisecond
	cfgA.DPDFailCount = 2
	cfgB := DefaultMachineConfig()
	a, b, lb := newMachinePair(t, cfgA, cfgB)

	a.LowerUp()
	b.LowerUp()
	a.Open()
	b.Open()
	lb.drain(t, a, b)
	require.Equal(t, PhaseOpen, a.Phase())

	var fatalErr error
	a.OnFatal = func(err error) { fatalErr = err }

	// B never answers A's echo requests (drop them) so the keepalive
	// never resets its miss counter.
	base := time.Now()
	for i := 0; i < 10 && fatalErr == nil; i++ {
		a.Tick(base.Add(time.Duration(i+1) * 5 * time.Millisecond))
	}
	require.ErrorIs(t, fatalErr, ErrDPDTimeout)
}

func TestMachineUnknownProtocolIsProtocolRejected(t *testing.T) {
	cfgA := DefaultMachineConfig()
	cfgB := DefaultMachineConfig()
	a, _, lb := newMachinePair(t, cfgA, cfgB)

	a.LowerUp()
	a.Open()
	lb.toB = nil // discard A's own Configure-Request, not relevant here

	err := a.Input(0x0031, []byte("unsupported NCP"))
	require.NoError(t, err)
	require.Len(t, lb.toB, 1)
	require.Equal(t, ProtoLCP, lb.toB[0].protocol)
	h, body, err := parseControlHeader(lb.toB[0].payload)
	require.NoError(t, err)
	require.Equal(t, CodeProtocolReject, h.Code)
	require.Equal(t, uint16(0x0031), uint16(body[0])<<8|uint16(body[1]))
}
