package ppp

import "time"

// SubState is a per-protocol negotiation state. The seven names come
// straight from spec.md §3; Stopped is added for the "otherwise
// transitions to Stopped" half of the convergence invariant, which the
// spec's testable properties name explicitly even though the state table
// in §3 only lists the other seven.
type SubState uint8

const (
	Closed SubState = iota
	Starting
	ReqSent
	AckRcvd
	AckSent
	Opened
	Terminating
	Stopped
)

func (s SubState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Starting:
		return "Starting"
	case ReqSent:
		return "Req-Sent"
	case AckRcvd:
		return "Ack-Received"
	case AckSent:
		return "Ack-Sent"
	case Opened:
		return "Opened"
	case Terminating:
		return "Terminating"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

const (
	defaultMaxConfigure    = 10
	defaultRestartTimer    = 3 * time.Second
	defaultMaxTerminate    = 2
	maxRestartTimerBackoff = 30 * time.Second
)

// Negotiator supplies everything protocol-specific (LCP, IPCP, IPV6CP)
// that the generic automaton needs: what to propose, how to review a
// peer's proposal, and how to absorb the peer's answer to our own.
type Negotiator interface {
	Protocol() uint16

	// BuildRequest returns the option list for our next Configure-Request.
	BuildRequest() []Option

	// Review inspects a peer Configure-Request and splits its options into
	// those we accept, those we Nak (same type, different acceptable
	// value), and those we Reject (type not understood/not negotiable).
	// ok is true only when nak and reject are both empty.
	Review(opts []Option) (ack, nak, reject []Option, ok bool)

	// ApplyAck is called when the peer acknowledges our own
	// Configure-Request verbatim; it commits our proposed options as
	// active.
	ApplyAck(opts []Option)

	// ApplyNak lets the negotiator adjust its next proposal in response to
	// alternative values the peer suggested.
	ApplyNak(opts []Option)

	// ApplyReject drops any options the peer says it will never accept
	// from future proposals.
	ApplyReject(opts []Option)
}

// Transmit sends one packed control packet for the automaton's protocol.
// The automaton never touches a transport directly; the owning Machine
// supplies this, generalizing the teacher's pattern of a session handing
// its I/O down to a caller-supplied function rather than dialing itself.
type Transmit func(protocol uint16, packet []byte) error

// Automaton is the generic RFC 1661 per-protocol restart state machine.
// LCP, IPCP and IPV6CP are all instances of it, differing only in their
// Negotiator.
type Automaton struct {
	neg       Negotiator
	transmit  Transmit
	onOpened  func()
	onClosed  func()

	state          SubState
	restartCounter int
	maxConfigure   int
	maxTerminate   int
	restartTimer   time.Duration
	nextDeadline   time.Time

	identifier    uint8
	lastSentID    uint8
	lastSentKind  Code
	lowerUp       bool
}

// NewAutomaton constructs an automaton in the Closed state.
func NewAutomaton(neg Negotiator, transmit Transmit, onOpened, onClosed func()) *Automaton {
	return &Automaton{
		neg:          neg,
		transmit:     transmit,
		onOpened:     onOpened,
		onClosed:     onClosed,
		state:        Closed,
		maxConfigure: defaultMaxConfigure,
		maxTerminate: defaultMaxTerminate,
		restartTimer: defaultRestartTimer,
	}
}

// State reports the current sub-state.
func (a *Automaton) State() SubState { return a.state }

func (a *Automaton) nextID() uint8 {
	a.identifier++
	return a.identifier
}

// Open is the upper-edge request to bring this protocol up.
func (a *Automaton) Open() {
	switch a.state {
	case Closed, Stopped:
		if a.lowerUp {
			a.sendConfigureRequest()
		} else {
			a.state = Starting
		}
	}
}

// Close is the upper-edge request to bring this protocol down.
func (a *Automaton) Close() {
	switch a.state {
	case Starting:
		a.state = Closed
	case ReqSent, AckRcvd, AckSent, Opened:
		wasOpened := a.state == Opened
		a.sendTerminateRequest()
		a.state = Terminating
		if wasOpened && a.onClosed != nil {
			a.onClosed()
		}
	}
}

// LowerUp signals the underlying transport/PPP link is ready to carry
// frames for this protocol.
func (a *Automaton) LowerUp() {
	a.lowerUp = true
	if a.state == Starting {
		a.sendConfigureRequest()
	}
}

// LowerDown signals the underlying link dropped; every sub-protocol
// collapses back to Closed regardless of where it was.
func (a *Automaton) LowerDown() {
	wasOpened := a.state == Opened
	a.lowerUp = false
	a.state = Closed
	a.restartCounter = 0
	a.restartTimer = defaultRestartTimer
	if wasOpened && a.onClosed != nil {
		a.onClosed()
	}
}

func (a *Automaton) sendConfigureRequest() {
	a.restartCounter = a.maxConfigure
	a.restartTimer = defaultRestartTimer
	a.resendConfigureRequest()
	a.state = ReqSent
}

func (a *Automaton) resendConfigureRequest() {
	id := a.nextID()
	a.lastSentID = id
	a.lastSentKind = CodeConfigureRequest
	opts := a.neg.BuildRequest()
	h := controlHeader{Code: CodeConfigureRequest, Identifier: id}
	_ = a.transmit(a.neg.Protocol(), h.pack(encodeOptions(opts)))
	a.nextDeadline = time.Now().Add(a.restartTimer)
}

func (a *Automaton) sendTerminateRequest() {
	a.restartCounter = a.maxTerminate
	id := a.nextID()
	a.lastSentID = id
	a.lastSentKind = CodeTerminateRequest
	h := controlHeader{Code: CodeTerminateRequest, Identifier: id}
	_ = a.transmit(a.neg.Protocol(), h.pack(nil))
	a.nextDeadline = time.Now().Add(a.restartTimer)
}

// Deadline reports when Timeout should next be called, and whether a
// timer is armed at all (it only is while a restart counter is live).
func (a *Automaton) Deadline() (deadline time.Time, armed bool) {
	switch a.state {
	case ReqSent, AckRcvd, AckSent, Terminating:
		return a.nextDeadline, true
	default:
		return time.Time{}, false
	}
}

// Timeout is delivered by the owning Machine when this automaton's
// restart timer expires. The Machine only calls in once Deadline reports
// an armed deadline that has passed; Timeout acts on the current state
// regardless.
func (a *Automaton) Timeout() {
	switch a.state {
	case ReqSent, AckRcvd, AckSent:
		if a.restartCounter > 0 {
			a.restartCounter--
			a.resendConfigureRequest()
			a.backoff()
		} else {
			a.state = Stopped
		}
	case Terminating:
		if a.restartCounter > 0 {
			a.restartCounter--
			a.sendTerminateRequest()
			a.backoff()
		} else {
			a.state = Closed
		}
	}
}

func (a *Automaton) backoff() {
	a.restartTimer *= 2
	if a.restartTimer > maxRestartTimerBackoff {
		a.restartTimer = maxRestartTimerBackoff
	}
}

// RestartTimer reports the current backed-off restart interval, so the
// Machine can schedule the next Timeout call.
func (a *Automaton) RestartTimer() time.Duration { return a.restartTimer }

// RecvConfigureRequest handles a peer Configure-Request.
func (a *Automaton) RecvConfigureRequest(id uint8, data []byte) {
	opts, _ := parseOptions(data)
	ack, nak, reject, ok := a.neg.Review(opts)

	if ok {
		h := controlHeader{Code: CodeConfigureAck, Identifier: id}
		_ = a.transmit(a.neg.Protocol(), h.pack(encodeOptions(ack)))
	} else if len(reject) > 0 {
		h := controlHeader{Code: CodeConfigureReject, Identifier: id}
		_ = a.transmit(a.neg.Protocol(), h.pack(encodeOptions(reject)))
	} else {
		h := controlHeader{Code: CodeConfigureNak, Identifier: id}
		_ = a.transmit(a.neg.Protocol(), h.pack(encodeOptions(nak)))
	}

	switch a.state {
	case Closed:
		h := controlHeader{Code: CodeTerminateAck, Identifier: id}
		_ = a.transmit(a.neg.Protocol(), h.pack(nil))
	case ReqSent:
		if ok {
			a.state = AckSent
		}
	case AckRcvd:
		if ok {
			a.state = Opened
			if a.onOpened != nil {
				a.onOpened()
			}
		} else {
			a.state = ReqSent
		}
	case AckSent:
		if !ok {
			a.state = ReqSent
		}
	case Opened:
		if ok {
			a.resendConfigureRequest()
			a.state = AckSent
		} else {
			a.resendConfigureRequest()
			a.state = ReqSent
		}
	}
}

// RecvConfigureAck handles a peer ack of our own Configure-Request.
func (a *Automaton) RecvConfigureAck(id uint8, data []byte) {
	if id != a.lastSentID || a.lastSentKind != CodeConfigureRequest {
		return
	}
	opts, _ := parseOptions(data)
	a.neg.ApplyAck(opts)

	switch a.state {
	case ReqSent:
		a.state = AckRcvd
	case AckRcvd:
		a.resendConfigureRequest()
		a.state = ReqSent
	case AckSent:
		a.state = Opened
		if a.onOpened != nil {
			a.onOpened()
		}
	case Opened:
		a.resendConfigureRequest()
		a.state = ReqSent
	}
}

// RecvConfigureNakOrReject handles a peer Nak or Reject of our own
// Configure-Request; rejecting is "takes our offered options out of play
// permanently" and Nak is "try again with these values instead" — both
// cause us to re-propose.
func (a *Automaton) RecvConfigureNakOrReject(id uint8, reject bool, data []byte) {
	if id != a.lastSentID || a.lastSentKind != CodeConfigureRequest {
		return
	}
	opts, _ := parseOptions(data)
	if reject {
		a.neg.ApplyReject(opts)
	} else {
		a.neg.ApplyNak(opts)
	}

	switch a.state {
	case ReqSent, AckSent:
		a.restartCounter = a.maxConfigure
		a.restartTimer = defaultRestartTimer
		a.resendConfigureRequest()
	case AckRcvd:
		a.restartCounter = a.maxConfigure
		a.restartTimer = defaultRestartTimer
		a.resendConfigureRequest()
		a.state = ReqSent
	case Opened:
		a.resendConfigureRequest()
		a.state = ReqSent
	}
}

// RecvTerminateRequest handles a peer-initiated teardown.
func (a *Automaton) RecvTerminateRequest(id uint8) {
	wasOpened := a.state == Opened
	h := controlHeader{Code: CodeTerminateAck, Identifier: id}
	_ = a.transmit(a.neg.Protocol(), h.pack(nil))
	a.state = Closed
	if wasOpened && a.onClosed != nil {
		a.onClosed()
	}
}

// RecvTerminateAck handles the peer's answer to our Terminate-Request.
func (a *Automaton) RecvTerminateAck(id uint8) {
	if id != a.lastSentID || a.lastSentKind != CodeTerminateRequest {
		return
	}
	if a.state == Terminating {
		a.state = Closed
	}
}
