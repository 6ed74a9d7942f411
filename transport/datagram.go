package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"vpntunnel/framing"
)

// Errors the datagram handshake can fail with; all of them mark the
// transport Disabled for the remainder of the session (spec.md §4.4) —
// the manager demotes to the stream transport rather than treating any
// of these as session-fatal.
var (
	ErrHandshakeTimeout  = errors.New("transport: datagram handshake timed out")
	ErrHandshakeRejected = errors.New("transport: datagram handshake rejected (svrhello fail)")
	ErrHandshakeMalformed = errors.New("transport: datagram handshake response malformed")
)

const (
	helloTag        = "GFtype\x00"
	clthelloMarker  = "clthello\x00"
	svrhelloMarker  = "svrhello\x00"
	cookieFieldName = "SVPNCOOKIE\x00"
)

// buildClthello packs the exact wire format spec.md §8 pins down: the
// declared length covers "clthello\x00SVPNCOOKIE\x00" plus the cookie
// bytes only — neither the fixed tag nor the trailing NUL terminator
// count toward it. (Verified against the spec's concrete literal for
// cookie "abc": declared length 23 = len("clthello\x00SVPNCOOKIE\x00")=20
// plus len("abc")=3.)
func buildClthello(cookie []byte) []byte {
	counted := []byte(clthelloMarker + cookieFieldName)
	counted = append(counted, cookie...)

	out := make([]byte, 0, 2+len(helloTag)+len(counted)+1)
	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(counted)))
	out = append(out, lenField[:]...)
	out = append(out, helloTag...)
	out = append(out, counted...)
	out = append(out, 0x00)
	return out
}

// parseSvrhello extracts the status field ("ok" or "fail") from a
// svrhello response sharing the clthello envelope.
func parseSvrhello(buf []byte) (status string, err error) {
	if len(buf) < 2 {
		return "", ErrHandshakeMalformed
	}
	declared := int(binary.BigEndian.Uint16(buf[0:2]))
	rest := buf[2:]
	if len(rest) < len(helloTag) || string(rest[:len(helloTag)]) != helloTag {
		return "", ErrHandshakeMalformed
	}
	rest = rest[len(helloTag):]
	if len(rest) < len(svrhelloMarker) || string(rest[:len(svrhelloMarker)]) != svrhelloMarker {
		return "", ErrHandshakeMalformed
	}
	rest = rest[len(svrhelloMarker):]
	if declared < len(svrhelloMarker) {
		return "", ErrHandshakeMalformed
	}
	statusLen := declared - len(svrhelloMarker)
	if statusLen < 0 || statusLen > len(rest) {
		return "", ErrHandshakeMalformed
	}
	return string(rest[:statusLen]), nil
}

// looksLikePPP is the heuristic spec.md §4.4 calls for: "a PPP-looking
// frame received instead of svrhello is also treated as success." A
// length-prefixed PPP frame's protocol field is one of the well-known
// PPP protocol numbers.
func looksLikePPP(framer framing.Framer, buf []byte) bool {
	protocol, _, _, err := framer.Deframe(buf)
	if err != nil {
		return false
	}
	switch protocol {
	case 0x0021, 0x0057, 0xC021, 0x8021, 0x8057:
		return true
	}
	return false
}

// DatagramConfig configures the datagram transport.
type DatagramConfig struct {
	// Conn is an already DTLS-handshaken connection (e.g.
	// *github.com/pion/dtls/v2.Conn).
	Conn    net.Conn
	Framer  framing.Framer
	Cookie  []byte
	// HelloTimeout bounds how long to wait for svrhello before the
	// transport is considered Disabled.
	HelloTimeout time.Duration
}

// Datagram is the optional, promotable DTLS-protected transport.
// Grounded on go-sol.Session's channel-delivered Read/Write/Err/Close,
// generalized to run the clthello/svrhello handshake synchronously
// inside the constructor instead of go-sol's multi-step RAKP Connect.
type Datagram struct {
	conn   net.Conn
	framer framing.Framer

	recvCh chan Frame
	sendCh chan []byte
	errCh  chan error
	done   chan struct{}
	once   sync.Once

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// DialDatagramHandshake performs the clthello/svrhello exchange over an
// already DTLS-handshaken conn and, on success, starts the transport.
// On any handshake failure it returns the sentinel error without leaving
// goroutines running; the caller treats this as "mark Disabled, keep
// using the stream transport" per spec.md §4.4, never as session-fatal.
func DialDatagramHandshake(ctx context.Context, cfg DatagramConfig) (*Datagram, error) {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 5 * time.Second
	}
	deadline := time.Now().Add(cfg.HelloTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = cfg.Conn.SetDeadline(deadline)
	defer cfg.Conn.SetDeadline(time.Time{})

	hello := buildClthello(cfg.Cookie)
	if _, err := cfg.Conn.Write(hello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	resp := make([]byte, 4096)
	n, err := cfg.Conn.Read(resp)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	resp = resp[:n]

	if looksLikePPP(cfg.Framer, resp) {
		return startDatagram(cfg, resp)
	}

	status, perr := parseSvrhello(resp)
	if perr != nil {
		return nil, perr
	}
	if status != "ok" {
		return nil, fmt.Errorf("%w: status=%q", ErrHandshakeRejected, status)
	}
	return startDatagram(cfg, nil)
}

// startDatagram launches the transport's goroutines. leftover, if
// non-nil, is a PPP frame that arrived in place of svrhello and must not
// be dropped.
func startDatagram(cfg DatagramConfig, leftover []byte) (*Datagram, error) {
	d := &Datagram{
		conn:   cfg.Conn,
		framer: cfg.Framer,
		recvCh: make(chan Frame, 256),
		sendCh: make(chan []byte, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	if len(leftover) > 0 {
		if protocol, payload, _, err := d.framer.Deframe(leftover); err == nil {
			d.recvCh <- Frame{Protocol: protocol, Payload: payload}
		}
	}
	go d.readLoop()
	go d.writeLoop()
	return d, nil
}

func (d *Datagram) BytesIn() uint64  { return d.bytesIn.Load() }
func (d *Datagram) BytesOut() uint64 { return d.bytesOut.Load() }

func (d *Datagram) Recv() <-chan Frame { return d.recvCh }
func (d *Datagram) Err() <-chan error  { return d.errCh }

func (d *Datagram) Send(frame []byte) error {
	select {
	case d.sendCh <- frame:
		return nil
	case <-d.done:
		return ErrClosed
	default:
		return ErrWouldBlock
	}
}

func (d *Datagram) Close() error {
	d.once.Do(func() { close(d.done) })
	return d.conn.Close()
}

func (d *Datagram) fail(err error) {
	select {
	case d.errCh <- err:
	default:
	}
	_ = d.Close()
}

func (d *Datagram) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			d.bytesIn.Add(uint64(n))
			datagram := bytes.Clone(buf[:n])
			protocol, payload, _, derr := d.framer.Deframe(datagram)
			if derr == nil {
				select {
				case d.recvCh <- Frame{Protocol: protocol, Payload: payload}:
				case <-d.done:
					return
				}
			}
			// A malformed individual datagram is dropped, not fatal —
			// datagram delivery is unordered and unreliable by nature.
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				d.fail(fmt.Errorf("transport: datagram read: %w", err))
			}
			return
		}
	}
}

func (d *Datagram) writeLoop() {
	for {
		select {
		case data := <-d.sendCh:
			n, err := d.conn.Write(data)
			if n > 0 {
				d.bytesOut.Add(uint64(n))
			}
			if err != nil {
				d.fail(fmt.Errorf("transport: datagram write: %w", err))
				return
			}
		case <-d.done:
			return
		}
	}
}
