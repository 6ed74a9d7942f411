// Package tunnel implements the transport manager spec.md §4.5 describes:
// the single owner of the stream transport, the optional datagram
// transport, the PPP state machine, the per-direction crypto contexts, and
// the inbound/outbound packet queues. Grounded on sol/manager.go's
// Manager — generalized from "a map of named BMC sessions, each with its
// own background goroutine" to "the one stream transport + optional
// datagram transport + PPP machine a single event-loop goroutine owns",
// per spec.md §3's explicit single-owner rule.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"vpntunnel/framing"
	"vpntunnel/packet"
	"vpntunnel/ppp"
	"vpntunnel/replay"
	"vpntunnel/transport"
)

// Fatal error kinds the event loop can surface, per spec.md §7. Each wraps
// the underlying cause so callers can both errors.Is against the kind and
// read the detail.
var (
	ErrTransportFailed = errors.New("tunnel: stream transport failed")
	ErrPPPTimeout      = errors.New("tunnel: PPP negotiation or keepalive timed out")
	ErrHelperFailed    = errors.New("tunnel: helper invocation failed")
	ErrCancelled       = errors.New("tunnel: session closed by caller")
)

// Lifecycle is the manager's coarse state from spec.md §4.5.
type Lifecycle uint8

const (
	LifecycleInit Lifecycle = iota
	LifecycleStreamConnecting
	LifecycleStreamEstablished
	LifecycleDatagramProbing
	LifecycleDatagramEstablished
	LifecycleRunning
	LifecycleClosing
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleInit:
		return "Init"
	case LifecycleStreamConnecting:
		return "StreamConnecting"
	case LifecycleStreamEstablished:
		return "StreamEstablished"
	case LifecycleDatagramProbing:
		return "DatagramProbing"
	case LifecycleDatagramEstablished:
		return "DatagramEstablished"
	case LifecycleRunning:
		return "Running"
	case LifecycleClosing:
		return "Closing"
	case LifecycleClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CryptoConfig configures the IPsec-like datagram encapsulation layer of
// spec.md §4.1. Nil means this dialect relies solely on the datagram
// transport's own DTLS protection, and PPP data frames cross the datagram
// transport exactly as framed, with no additional encryption layer.
type CryptoConfig struct {
	Suite                replay.Suite
	SPIOut, SPIIn        uint32
	EncKeyOut, MACKeyOut []byte
	EncKeyIn, MACKeyIn   []byte
	IVOut                []byte
}

// Config wires up one Manager instance.
type Config struct {
	StreamDial    func(ctx context.Context) (net.Conn, error)
	StreamFramer  framing.Framer
	TunnelRequest []byte

	// DatagramDial is nil when this dialect/session has no datagram fast
	// path at all. When non-nil, the manager probes it opportunistically
	// after the stream is established and promotes on success.
	DatagramDial   func(ctx context.Context) (net.Conn, error)
	DatagramFramer framing.Framer
	Cookie         []byte
	HelloTimeout   time.Duration

	PPP ppp.MachineConfig

	// Crypto is non-nil for dialects whose datagram fast path carries the
	// IPsec-like encapsulation from spec.md §4.1 on top of the datagram
	// transport. PPP control traffic (LCP/IPCP/IPV6CP) always stays on the
	// stream transport regardless of promotion — see DESIGN.md.
	Crypto *CryptoConfig

	Driver DriverConfig
	Tun    io.ReadWriteCloser

	OutboundQueueCap int
	InboundQueueCap  int

	Log *log.Entry
}

// Manager owns one session's transports, PPP machine and crypto contexts.
// Grounded on sol/manager.go's Manager and sol.Session.connectSOL's single
// select loop, generalized from map-of-sessions to single-session-owner.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	lifecycle Lifecycle
	stream    transport.Transport
	datagram  transport.Transport
	active    transport.Transport

	machine *ppp.Machine
	driver  *Driver

	outCrypto *replay.OutboundCtx
	inCrypto  *replay.InboundCtx

	outQueue *packet.Queue
	inQueue  *packet.Queue

	tunReadCh chan []byte
	tunErrCh  chan error

	readyCh   chan struct{}
	readyOnce sync.Once

	fatalMu  sync.Mutex
	fatalErr error

	negotiated NegotiatedState

	replayRejections atomic.Uint64
	macFailures      atomic.Uint64
}

// NegotiatedState is what PPP handed back when the network layer opened,
// passed to the Driver so it can build the helper's environment.
type NegotiatedState struct {
	IPCP   ppp.IPCPResult
	IPV6CP *ppp.IPV6CPResult
}

// NewManager validates cfg and constructs the crypto contexts and PPP
// machine, but dials nothing yet — that happens in Run.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Log == nil {
		cfg.Log = log.NewEntry(log.StandardLogger())
	}
	if cfg.OutboundQueueCap <= 0 {
		cfg.OutboundQueueCap = 256
	}
	if cfg.InboundQueueCap <= 0 {
		cfg.InboundQueueCap = 256
	}

	m := &Manager{
		cfg: cfg,
		// DropNewest: the event loop is both the sole producer and the
		// sole consumer of these queues, so Block would deadlock it —
		// a full queue behaves as a drop, matching spec.md §3's drop
		// policy for the pathological case instead of blocking forever.
		outQueue:  packet.NewQueue(cfg.OutboundQueueCap, packet.DropNewest),
		inQueue:   packet.NewQueue(cfg.InboundQueueCap, packet.DropNewest),
		tunReadCh: make(chan []byte, 64),
		tunErrCh:  make(chan error, 1),
		readyCh:   make(chan struct{}),
		lifecycle: LifecycleInit,
	}

	m.machine = ppp.NewMachine(cfg.PPP, m.transmitControl)
	m.machine.OnNetworkUp = m.onNetworkUp
	m.machine.OnFatal = m.onFatal

	if cfg.Crypto != nil {
		outCtx, err := replay.NewOutboundCtx(cfg.Crypto.Suite, cfg.Crypto.SPIOut, cfg.Crypto.EncKeyOut, cfg.Crypto.MACKeyOut, cfg.Crypto.IVOut)
		if err != nil {
			return nil, fmt.Errorf("tunnel: outbound crypto context: %w", err)
		}
		inCtx, err := replay.NewInboundCtx(cfg.Crypto.Suite, cfg.Crypto.SPIIn, cfg.Crypto.EncKeyIn, cfg.Crypto.MACKeyIn)
		if err != nil {
			return nil, fmt.Errorf("tunnel: inbound crypto context: %w", err)
		}
		m.outCrypto = outCtx
		m.inCrypto = inCtx
	}

	m.driver = NewDriver(cfg.Driver)
	return m, nil
}

// Ready closes once the PPP network layer has opened and the helper's
// connect invocation has succeeded.
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

// State reports the current lifecycle state.
func (m *Manager) State() Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle
}

func (m *Manager) setState(l Lifecycle) {
	m.mu.Lock()
	m.lifecycle = l
	m.mu.Unlock()
	m.cfg.Log.Debugf("tunnel: lifecycle -> %s", l)
}

// byteCounter is satisfied by both transport.Stream and transport.Datagram;
// it is not part of the transport.Transport contract because spec.md §4.4
// only requires byte accounting for the diagnostic surface, not the event
// loop itself.
type byteCounter interface {
	BytesIn() uint64
	BytesOut() uint64
}

// Stats is a point-in-time snapshot for diag's status/metrics surface.
// Nothing here is read by the event loop — it exists purely for external
// observers, per spec.md §8's verification-by-counting-bytes note.
type Stats struct {
	Lifecycle      Lifecycle
	LCPState       ppp.SubState
	IPCPState      ppp.SubState
	IPV6CPOpen     bool
	HasIPV6CP      bool
	DatagramActive bool
	StreamBytesIn  uint64
	StreamBytesOut uint64
	DgramBytesIn   uint64
	DgramBytesOut  uint64
	NegotiatedIPv4 string
	OutQueueLen    int
	OutQueueDrops  uint64
	InQueueLen     int
	InQueueDrops   uint64

	ReplayRejections uint64
	MACFailures      uint64
}

// Stats reports the manager's current state without perturbing it. Safe to
// call from any goroutine.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		Lifecycle: m.lifecycle,
		LCPState:  m.machine.LCPState(),
		IPCPState: m.machine.IPCPState(),
	}
	if ipv6State, ok := m.machine.IPV6CPState(); ok {
		s.HasIPV6CP = true
		s.IPV6CPOpen = ipv6State == ppp.Opened
	}
	s.DatagramActive = m.active != nil && m.active == m.datagram
	if bc, ok := m.stream.(byteCounter); ok {
		s.StreamBytesIn, s.StreamBytesOut = bc.BytesIn(), bc.BytesOut()
	}
	if bc, ok := m.datagram.(byteCounter); ok {
		s.DgramBytesIn, s.DgramBytesOut = bc.BytesIn(), bc.BytesOut()
	}
	if !m.negotiated.IPCP.LocalAddr.IsUnspecified() {
		s.NegotiatedIPv4 = m.negotiated.IPCP.LocalAddr.String()
	}
	m.mu.RUnlock()
	s.OutQueueLen, s.OutQueueDrops = m.outQueue.Len(), m.outQueue.Dropped()
	s.InQueueLen, s.InQueueDrops = m.inQueue.Len(), m.inQueue.Dropped()
	s.ReplayRejections = m.replayRejections.Load()
	s.MACFailures = m.macFailures.Load()
	return s
}

// transmitControl is the ppp.Transmit callback: it always goes out the
// stream transport. PPP control traffic never moves to the datagram fast
// path, even after promotion — the IPsec-like encapsulation some dialects
// layer onto datagram traffic only makes sense for IP data packets, whose
// ESP-style trailer has no slot for a PPP protocol field. See DESIGN.md.
func (m *Manager) transmitControl(protocol uint16, pkt []byte) error {
	m.mu.RLock()
	stream := m.stream
	m.mu.RUnlock()
	if stream == nil {
		return transport.ErrClosed
	}
	wire := m.cfg.StreamFramer.Frame(protocol, pkt)
	return stream.Send(wire)
}

// Run dials the stream transport, opportunistically probes the datagram
// transport, drives PPP, and runs the single-threaded cooperative event
// loop from spec.md §4.5 until ctx is cancelled or a fatal error occurs.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.setState(LifecycleStreamConnecting)
	conn, err := m.cfg.StreamDial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	stream, err := transport.NewStream(transport.StreamConfig{
		Conn:          conn,
		Framer:        m.cfg.StreamFramer,
		TunnelRequest: m.cfg.TunnelRequest,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	m.mu.Lock()
	m.stream = stream
	m.active = stream
	m.mu.Unlock()
	m.setState(LifecycleStreamEstablished)

	if m.cfg.DatagramDial != nil {
		m.setState(LifecycleDatagramProbing)
		go m.probeDatagram(ctx)
	}

	go m.runTunReader()

	m.machine.Open()
	m.machine.LowerUp()

	m.setState(LifecycleRunning)

	runErr := m.loop(ctx)

	m.setState(LifecycleClosing)
	m.teardown()
	m.setState(LifecycleClosed)
	return runErr
}

const perSourceBudget = 32

func (m *Manager) loop(ctx context.Context) error {
	for {
		timer := time.NewTimer(m.untilNextDeadline())

		m.mu.RLock()
		stream := m.stream
		datagram := m.datagram
		m.mu.RUnlock()

		var datagramRecv <-chan transport.Frame
		var datagramErrCh <-chan error
		if datagram != nil {
			datagramRecv = datagram.Recv()
			datagramErrCh = datagram.Err()
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled

		case err := <-stream.Err():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)

		case err := <-datagramErrCh:
			timer.Stop()
			m.cfg.Log.Warnf("tunnel: datagram transport failed, demoting to stream: %v", err)
			m.demoteDatagram()

		case frame := <-stream.Recv():
			timer.Stop()
			m.drainSource(stream.Recv(), frame, packet.OriginStream, perSourceBudget)

		case frame, ok := <-datagramRecv:
			timer.Stop()
			if ok {
				m.drainSource(datagramRecv, frame, packet.OriginDatagram, perSourceBudget)
			}

		case buf := <-m.tunReadCh:
			timer.Stop()
			m.handleTunOutbound(buf)
			m.drainTun(perSourceBudget - 1)

		case err := <-m.tunErrCh:
			timer.Stop()
			return fmt.Errorf("tunnel: interface read failed: %w", err)

		case <-timer.C:
			m.machine.Tick(time.Now())
		}

		if err := m.takeFatal(); err != nil {
			return err
		}
		m.flushInbound()
		m.flushOutbound()
	}
}

func (m *Manager) untilNextDeadline() time.Duration {
	deadline, ok := m.machine.NextDeadline()
	if !ok {
		return time.Hour
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// drainSource processes first, then up to budget-1 more frames already
// queued on ch without blocking — the per-source fairness budget from
// spec.md §4.5.
func (m *Manager) drainSource(ch <-chan transport.Frame, first transport.Frame, origin packet.Origin, budget int) {
	m.handleFrame(origin, first)
	for i := 1; i < budget; i++ {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			m.handleFrame(origin, f)
		default:
			return
		}
	}
}

func (m *Manager) drainTun(budget int) {
	for i := 0; i < budget; i++ {
		select {
		case buf, ok := <-m.tunReadCh:
			if !ok {
				return
			}
			m.handleTunOutbound(buf)
		default:
			return
		}
	}
}

// handleFrame dispatches one received frame: PPP control frames go to the
// state machine; IP data frames are queued for the interface. A datagram
// frame arriving while a crypto context is active carries the raw ESP-like
// wire format instead of a framed PPP packet (framing.RawFramer leaves
// frame.Payload untouched) — decrypt it first per spec.md §4.1.
func (m *Manager) handleFrame(origin packet.Origin, frame transport.Frame) {
	if origin == packet.OriginDatagram && m.inCrypto != nil {
		plain, err := m.inCrypto.Decrypt(frame.Payload)
		if err != nil {
			// BadHMAC / Replay / MalformedFrame: per-packet, never fatal.
			// tunnel is the sole place permitted to count these; diag
			// reports the running totals via Stats.
			switch {
			case errors.Is(err, replay.ErrBadHMAC):
				m.macFailures.Add(1)
			case errors.Is(err, replay.ErrReplay):
				m.replayRejections.Add(1)
			}
			m.cfg.Log.Debugf("tunnel: dropped datagram packet: %v", err)
			return
		}
		m.queueInbound(plain, origin)
		return
	}

	switch frame.Protocol {
	case ppp.ProtoLCP, ppp.ProtoIPCP, ppp.ProtoIPV6CP:
		if err := m.machine.Input(frame.Protocol, frame.Payload); err != nil {
			m.cfg.Log.Warnf("tunnel: ppp input error: %v", err)
		}
	case ppp.ProtoIPv4, ppp.ProtoIPv6:
		if m.machine.Phase() != ppp.PhaseOpen {
			return
		}
		m.queueInbound(frame.Payload, origin)
	default:
		_ = m.machine.Input(frame.Protocol, frame.Payload)
	}
}

func (m *Manager) queueInbound(payload []byte, origin packet.Origin) {
	p := packet.New(len(payload))
	if err := p.SetPayload(payload); err != nil {
		m.cfg.Log.Debugf("tunnel: dropped oversized inbound packet: %v", err)
		return
	}
	p.Origin = origin
	_ = m.inQueue.Push(context.Background(), p)
}

func (m *Manager) flushInbound() {
	for i := 0; i < perSourceBudget; i++ {
		p, err := m.inQueue.TryPop()
		if err != nil || p == nil {
			return
		}
		if _, werr := m.cfg.Tun.Write(p.Bytes()); werr != nil {
			m.cfg.Log.Debugf("tunnel: interface write failed: %v", werr)
		}
	}
}

func (m *Manager) handleTunOutbound(buf []byte) {
	if m.machine.Phase() != ppp.PhaseOpen {
		return
	}
	p := packet.New(len(buf))
	if err := p.SetPayload(buf); err != nil {
		m.cfg.Log.Debugf("tunnel: dropped oversized outbound packet: %v", err)
		return
	}
	p.Origin = packet.OriginInterface
	_ = m.outQueue.Push(context.Background(), p)
}

// flushOutbound sends queued packets over the active transport. If the
// active transport reports WouldBlock, the packet is pushed back onto the
// queue and flushing stops for this iteration, per spec.md §4.5's "the
// frame stays at the head of the outbound queue" rule (packet.Queue has no
// push-to-front, so the rare WouldBlock case re-enters at the tail instead
// of the head — acceptable reordering for a condition that should be brief).
func (m *Manager) flushOutbound() {
	for i := 0; i < perSourceBudget; i++ {
		p, err := m.outQueue.TryPop()
		if err != nil || p == nil {
			return
		}
		if !m.sendPacket(p) {
			_ = m.outQueue.Push(context.Background(), p)
			return
		}
	}
}

func (m *Manager) sendPacket(p *packet.Packet) bool {
	data := p.Bytes()
	m.mu.RLock()
	active := m.active
	datagram := m.datagram
	m.mu.RUnlock()
	if active == nil {
		return true
	}

	var wire []byte
	if m.outCrypto != nil && active == datagram {
		enc, err := m.outCrypto.Encrypt(data)
		if err != nil {
			m.fatal(fmt.Errorf("tunnel: %w", err))
			return true
		}
		wire = enc
	} else {
		protocol := ipProtocolNumber(data)
		framer := m.cfg.StreamFramer
		if active == datagram {
			framer = m.cfg.DatagramFramer
		}
		wire = framer.Frame(protocol, data)
	}

	if err := active.Send(wire); err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return false
		}
		m.cfg.Log.Debugf("tunnel: send on active transport failed: %v", err)
	}
	return true
}

// ipProtocolNumber reads the IP version nibble to choose the PPP protocol
// number for an outbound packet, per spec.md §4.6.
func ipProtocolNumber(data []byte) uint16 {
	if len(data) > 0 && data[0]>>4 == 6 {
		return ppp.ProtoIPv6
	}
	return ppp.ProtoIPv4
}

func (m *Manager) probeDatagram(ctx context.Context) {
	conn, err := m.cfg.DatagramDial(ctx)
	if err != nil {
		m.cfg.Log.Debugf("tunnel: datagram dial failed, staying on stream: %v", err)
		return
	}
	d, err := transport.DialDatagramHandshake(ctx, transport.DatagramConfig{
		Conn:         conn,
		Framer:       m.cfg.DatagramFramer,
		Cookie:       m.cfg.Cookie,
		HelloTimeout: m.cfg.HelloTimeout,
	})
	if err != nil {
		m.cfg.Log.Debugf("tunnel: datagram handshake failed, staying on stream: %v", err)
		_ = conn.Close()
		return
	}
	m.mu.Lock()
	m.datagram = d
	m.active = d
	m.mu.Unlock()
	m.setState(LifecycleDatagramEstablished)
}

// demoteDatagram tears down a failed datagram transport and falls back to
// the stream. PPP state survives; the crypto contexts do not — spec.md
// §4.5 requires fresh keying material before the datagram path can be
// retried, which is a higher-layer (re-authentication) concern this
// manager does not attempt on its own.
func (m *Manager) demoteDatagram() {
	m.mu.Lock()
	old := m.datagram
	m.datagram = nil
	m.active = m.stream
	m.outCrypto = nil
	m.inCrypto = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (m *Manager) runTunReader() {
	buf := make([]byte, 65536)
	for {
		n, err := m.cfg.Tun.Read(buf)
		if err != nil {
			select {
			case m.tunErrCh <- err:
			default:
			}
			return
		}
		if n == 0 {
			continue
		}
		cp := bytes.Clone(buf[:n])
		m.tunReadCh <- cp
	}
}

func (m *Manager) onNetworkUp(ipcp ppp.IPCPResult, ipv6cp *ppp.IPV6CPResult) {
	m.negotiated = NegotiatedState{IPCP: ipcp, IPV6CP: ipv6cp}
	if err := m.driver.Connect(context.Background(), m.negotiated); err != nil {
		m.fatal(fmt.Errorf("%w: %v", ErrHelperFailed, err))
		return
	}
	m.readyOnce.Do(func() { close(m.readyCh) })
}

func (m *Manager) onFatal(err error) {
	m.fatal(fmt.Errorf("%w: %v", ErrPPPTimeout, err))
}

func (m *Manager) fatal(err error) {
	m.fatalMu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.fatalMu.Unlock()
}

func (m *Manager) takeFatal() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatalErr
}

func (m *Manager) teardown() {
	_ = m.driver.Disconnect(context.Background())
	m.machine.Close()
	m.mu.Lock()
	stream, datagram := m.stream, m.datagram
	m.mu.Unlock()
	if datagram != nil {
		_ = datagram.Close()
	}
	if stream != nil {
		_ = stream.Close()
	}
	m.outQueue.Close()
	m.inQueue.Close()
}
