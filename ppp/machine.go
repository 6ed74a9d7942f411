package ppp

import "time"

// MachineConfig configures one PPP session.
type MachineConfig struct {
	LCP    LCPConfig
	IPCP   IPCPConfig
	EnableIPv6 bool

	// DPDInterval and DPDFailCount implement spec.md §3's keepalive/DPD
	// requirement: an LCP Echo-Request every DPDInterval, link declared
	// dead after DPDFailCount consecutive unanswered intervals.
	DPDInterval  time.Duration
	DPDFailCount int
}

// DefaultMachineConfig fills in the spec's stated defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		LCP:          DefaultLCPConfig(),
		IPCP:         IPCPConfig{WantDNS: true},
		DPDInterval:  10 * time.Second,
		DPDFailCount: 3,
	}
}

// Machine is the full PPP session: LCP, IPCP, optional IPV6CP, the
// global phase, and keepalive. It owns no goroutine, clock or transport;
// the owning tunnel.Manager feeds it Input/Tick/LowerUp/LowerDown and
// reads back outgoing frames through the Transmit callback, the same
// division of responsibility the teacher's sol.Session keeps between
// "parse what arrived" and "let the caller own the loop".
type Machine struct {
	cfg MachineConfig

	lcpNeg    *lcpNegotiator
	ipcpNeg   *ipcpNegotiator
	ipv6cpNeg *ipv6cpNegotiator

	lcp    *Automaton
	ipcp   *Automaton
	ipv6cp *Automaton

	phase Phase
	kalive *keepalive

	// OnNetworkUp fires the first time IPCP (and, if enabled, IPV6CP)
	// reaches Opened: the tunnel.Manager uses this to install the
	// interface address/routes.
	OnNetworkUp func(IPCPResult, *IPV6CPResult)
	// OnFatal fires when the link must be torn down: DPD failure or
	// LCP giving up (Stopped). A peer Terminate-Request is handled by the
	// LCP automaton alone and does not fire OnFatal.
	OnFatal func(error)

	reportedLCPStopped bool
}

// NewMachine constructs a Machine wired to transmit outgoing LCP/IPCP/
// IPV6CP frames through send.
func NewMachine(cfg MachineConfig, send Transmit) *Machine {
	m := &Machine{cfg: cfg, phase: PhaseDead}

	m.lcpNeg = newLCPNegotiator(cfg.LCP)
	m.lcp = NewAutomaton(m.lcpNeg, send, m.onLCPOpened, m.onLCPClosed)

	m.ipcpNeg = newIPCPNegotiator(cfg.IPCP)
	m.ipcp = NewAutomaton(m.ipcpNeg, send, m.onIPCPOpened, m.onIPCPClosed)

	if cfg.EnableIPv6 {
		m.ipv6cpNeg = newIPV6CPNegotiator()
		m.ipv6cp = NewAutomaton(m.ipv6cpNeg, send, m.onIPV6CPOpened, m.onIPV6CPClosed)
	}

	m.kalive = newKeepalive(cfg.DPDInterval, cfg.DPDFailCount, m.lcpNeg.magic)
	return m
}

// Phase reports the current global PPP phase from spec.md §3.
func (m *Machine) Phase() Phase { return m.phase }

// Open begins establishment: LowerUp must already have been (or be
// about to be) called once the underlying transport is ready.
func (m *Machine) Open() {
	m.phase = PhaseEstablish
	m.lcp.Open()
}

// Close begins a graceful teardown of every open sub-protocol.
func (m *Machine) Close() {
	m.phase = PhaseTerminate
	m.kalive.stop()
	if m.ipv6cp != nil {
		m.ipv6cp.Close()
	}
	m.ipcp.Close()
	m.lcp.Close()
}

// LowerUp signals the transport carrying this PPP session became ready.
func (m *Machine) LowerUp() {
	m.lcp.LowerUp()
}

// LowerDown signals the transport dropped; every sub-protocol and the
// global phase collapse to Dead.
func (m *Machine) LowerDown() {
	m.kalive.stop()
	m.lcp.LowerDown()
	m.ipcp.LowerDown()
	if m.ipv6cp != nil {
		m.ipv6cp.LowerDown()
	}
	m.phase = PhaseDead
}

func (m *Machine) onLCPOpened() {
	// spec.md §3: no PPP-native authentication; a successfully Opened
	// LCP moves straight through Auth-Bypass into Network phase.
	m.phase = PhaseAuthBypass
	m.phase = PhaseNetwork
	m.ipcp.Open()
	if m.ipv6cp != nil {
		m.ipv6cp.Open()
	}
	m.ipcp.LowerUp()
	if m.ipv6cp != nil {
		m.ipv6cp.LowerUp()
	}
	m.kalive.start(time.Now())
}

func (m *Machine) onLCPClosed() {
	m.kalive.stop()
	if m.phase == PhaseOpen || m.phase == PhaseNetwork || m.phase == PhaseAuthBypass {
		m.phase = PhaseTerminate
	}
}

func (m *Machine) networkLayerReady() bool {
	if m.cfg.EnableIPv6 && m.ipv6cp != nil {
		return m.ipcp.State() == Opened && m.ipv6cp.State() == Opened
	}
	return m.ipcp.State() == Opened
}

func (m *Machine) onIPCPOpened() {
	if m.networkLayerReady() {
		m.phase = PhaseOpen
		if m.OnNetworkUp != nil {
			var v6 *IPV6CPResult
			if m.ipv6cp != nil {
				v6 = &m.ipv6cpNeg.Result
			}
			m.OnNetworkUp(m.ipcpNeg.Result, v6)
		}
	}
}

func (m *Machine) onIPCPClosed() {
	if m.phase == PhaseOpen {
		m.phase = PhaseNetwork
	}
}

func (m *Machine) onIPV6CPOpened() {
	if m.networkLayerReady() {
		m.phase = PhaseOpen
		if m.OnNetworkUp != nil {
			m.OnNetworkUp(m.ipcpNeg.Result, &m.ipv6cpNeg.Result)
		}
	}
}

func (m *Machine) onIPV6CPClosed() {
	if m.phase == PhaseOpen {
		m.phase = PhaseNetwork
	}
}

// Input delivers one deframed (protocol, payload) pair to the machine.
// Unknown protocols provoke an LCP Protocol-Reject, as RFC 1661 requires.
func (m *Machine) Input(protocol uint16, payload []byte) error {
	switch protocol {
	case ProtoLCP:
		return m.inputControl(m.lcp, payload, true)
	case ProtoIPCP:
		return m.inputControl(m.ipcp, payload, false)
	case ProtoIPV6CP:
		if m.ipv6cp == nil {
			return m.protocolReject(protocol, payload)
		}
		return m.inputControl(m.ipv6cp, payload, false)
	default:
		return m.protocolReject(protocol, payload)
	}
}

func (m *Machine) protocolReject(protocol uint16, payload []byte) error {
	data := append(u16(protocol), payload...)
	h := controlHeader{Code: CodeProtocolReject, Identifier: 0}
	return m.lcp.transmit(ProtoLCP, h.pack(data))
}

func (m *Machine) inputControl(a *Automaton, payload []byte, isLCP bool) error {
	h, body, err := parseControlHeader(payload)
	if err != nil {
		return err
	}
	switch h.Code {
	case CodeConfigureRequest:
		a.RecvConfigureRequest(h.Identifier, body)
	case CodeConfigureAck:
		a.RecvConfigureAck(h.Identifier, body)
	case CodeConfigureNak:
		a.RecvConfigureNakOrReject(h.Identifier, false, body)
	case CodeConfigureReject:
		a.RecvConfigureNakOrReject(h.Identifier, true, body)
	case CodeTerminateRequest:
		a.RecvTerminateRequest(h.Identifier)
	case CodeTerminateAck:
		a.RecvTerminateAck(h.Identifier)
	case CodeEchoRequest:
		if isLCP {
			reply := controlHeader{Code: CodeEchoReply, Identifier: h.Identifier}
			return a.transmit(ProtoLCP, reply.pack(u32(m.lcpNeg.magic)))
		}
	case CodeEchoReply:
		if isLCP {
			m.kalive.reply(h.Identifier)
		}
	case CodeDiscardRequest:
		// nothing to do
	case CodeCodeReject, CodeProtocolReject:
		// a conformant peer rejecting something we sent; nothing further
		// to negotiate for this automaton.
	}
	return nil
}

// Tick drives every timer-based transition: LCP/IPCP/IPV6CP restart
// timers and the Echo-Request keepalive. The caller (tunnel.Manager's
// event loop) calls this whenever NextDeadline has passed.
func (m *Machine) Tick(now time.Time) {
	for _, a := range m.automatons() {
		if deadline, armed := a.Deadline(); armed && !now.Before(deadline) {
			a.Timeout()
		}
	}
	if m.lcp.State() == Stopped && !m.reportedLCPStopped {
		m.reportedLCPStopped = true
		if m.OnFatal != nil {
			m.OnFatal(ErrLCPStopped)
		}
	}
	if m.phase == PhaseOpen || m.phase == PhaseNetwork {
		if packet, failed := m.kalive.due(now, m.nextLCPID); failed {
			m.kalive.stop()
			if m.OnFatal != nil {
				m.OnFatal(ErrDPDTimeout)
			}
		} else if packet != nil {
			_ = m.lcp.transmit(ProtoLCP, packet)
		}
	}
}

func (m *Machine) nextLCPID() uint8 {
	return m.lcp.nextID()
}

// NextDeadline reports the earliest pending timer across every
// sub-protocol and the keepalive, or ok=false if nothing is armed.
func (m *Machine) NextDeadline() (t time.Time, ok bool) {
	for _, a := range m.automatons() {
		if d, armed := a.Deadline(); armed {
			if !ok || d.Before(t) {
				t, ok = d, true
			}
		}
	}
	if m.kalive.running {
		if !ok || m.kalive.deadline.Before(t) {
			t, ok = m.kalive.deadline, true
		}
	}
	return t, ok
}

func (m *Machine) automatons() []*Automaton {
	if m.ipv6cp != nil {
		return []*Automaton{m.lcp, m.ipcp, m.ipv6cp}
	}
	return []*Automaton{m.lcp, m.ipcp}
}

// LCPState, IPCPState and IPV6CPState expose sub-states for diagnostics
// and tests without leaking the Automaton type itself.
func (m *Machine) LCPState() SubState { return m.lcp.State() }
func (m *Machine) IPCPState() SubState { return m.ipcp.State() }
func (m *Machine) IPV6CPState() (SubState, bool) {
	if m.ipv6cp == nil {
		return Closed, false
	}
	return m.ipv6cp.State(), true
}
