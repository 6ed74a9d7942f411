// Package ppp implements the RFC 1661 PPP link/network-layer state
// machine from spec.md §4.3: LCP, IPCP and IPV6CP negotiation, the
// pre-authenticated bypass of PPP's own auth phase, keepalive/DPD, and
// termination. The Machine is driven entirely by events the owning
// transport manager feeds it (framed input, transport up/down, timers,
// upper-edge Open/Close) — it never touches a transport or a clock itself,
// breaking the cyclic transport↔state-machine coupling spec.md §9 calls
// out, the same way the teacher's own sol.Session is driven step by step
// by its caller rather than owning its own retry loop internally.
package ppp

// Protocol numbers carried in the PPP protocol field.
const (
	ProtoIPv4   uint16 = 0x0021
	ProtoIPv6   uint16 = 0x0057
	ProtoLCP    uint16 = 0xC021
	ProtoIPCP   uint16 = 0x8021
	ProtoIPV6CP uint16 = 0x8057
)

// Code is the one-byte LCP/IPCP/IPV6CP packet code field.
type Code uint8

const (
	CodeConfigureRequest Code = 1
	CodeConfigureAck     Code = 2
	CodeConfigureNak     Code = 3
	CodeConfigureReject  Code = 4
	CodeTerminateRequest Code = 5
	CodeTerminateAck     Code = 6
	CodeCodeReject       Code = 7
	CodeProtocolReject   Code = 8 // LCP only
	CodeEchoRequest      Code = 9 // LCP only
	CodeEchoReply        Code = 10
	CodeDiscardRequest   Code = 11
)

// Phase is the global PPP phase from spec.md §3.
type Phase uint8

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseAuthBypass
	PhaseNetwork
	PhaseOpen
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseAuthBypass:
		return "Auth-Bypass"
	case PhaseNetwork:
		return "Network"
	case PhaseOpen:
		return "Open"
	case PhaseTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}
