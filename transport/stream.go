package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"vpntunnel/framing"
)

// ErrHTTPRejection is reported when the gateway answers the stream
// tunnel request with what looks like an HTTP response instead of
// framed PPP bytes — spec.md §4.4: "any bytes received before the first
// valid framed PPP packet must be parsed as an HTTP response and
// reported as a configuration error."
var ErrHTTPRejection = errors.New("transport: gateway rejected the tunnel request (HTTP response received)")

const streamSendBuffer = 64

// StreamConfig configures the stream transport.
type StreamConfig struct {
	// Conn is an already-handshaken TLS connection to the gateway.
	Conn net.Conn
	// Framer packs/unpacks the length-prefixed codec spec.md §4.2
	// mandates for the stream transport.
	Framer framing.Framer
	// TunnelRequest is the dialect's opaque "start tunnel" blob, written
	// once immediately after this constructor is called.
	TunnelRequest []byte
}

// Stream is the TLS-protected reliable transport. Grounded on
// go-sol.Session: Conn ownership, goroutine readLoop/writeLoop pair,
// buffered channels, and a done channel closed exactly once on Close.
type Stream struct {
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

// NewStream constructs and starts the stream transport: the tunnel
// request (if any) is sent immediately, then the read/write loops start.
func NewStream(cfg StreamConfig) (*Stream, error) {
	s := &Stream{
		conn:   cfg.Conn,
		framer: cfg.Framer,
		recvCh: make(chan Frame, 256),
		sendCh: make(chan []byte, streamSendBuffer),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	if len(cfg.TunnelRequest) > 0 {
		if _, err := s.conn.Write(cfg.TunnelRequest); err != nil {
			return nil, fmt.Errorf("transport: sending tunnel request: %w", err)
		}
		s.bytesOut.Add(uint64(len(cfg.TunnelRequest)))
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// BytesIn and BytesOut support spec.md §8 S1's "verify by counting bytes
// on each transport" and feed diag/metrics.
func (s *Stream) BytesIn() uint64  { return s.bytesIn.Load() }
func (s *Stream) BytesOut() uint64 { return s.bytesOut.Load() }

func (s *Stream) Recv() <-chan Frame { return s.recvCh }
func (s *Stream) Err() <-chan error  { return s.errCh }

// Send is non-blocking: a full outbound buffer yields ErrWouldBlock so
// the caller keeps the frame at the head of its own outbound queue.
func (s *Stream) Send(frame []byte) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrWouldBlock
	}
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *Stream) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
	_ = s.Close()
}

func (s *Stream) readLoop() {
	buf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 16*1024)
	sawFirstFrame := false

	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.bytesIn.Add(uint64(n))
			buf = append(buf, chunk[:n]...)

			for {
				protocol, payload, consumed, derr := s.framer.Deframe(buf)
				if derr != nil {
					if errors.Is(derr, framing.ErrNoFrame) {
						break
					}
					if !sawFirstFrame && bytes.HasPrefix(buf, []byte("HTTP/")) {
						s.fail(ErrHTTPRejection)
						return
					}
					s.fail(fmt.Errorf("transport: stream framing error: %w", derr))
					return
				}
				sawFirstFrame = true
				select {
				case s.recvCh <- Frame{Protocol: protocol, Payload: payload}:
				case <-s.done:
					return
				}
				buf = buf[consumed:]
			}
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("transport: stream read: %w", err))
			}
			return
		}
	}
}

func (s *Stream) writeLoop() {
	for {
		select {
		case data := <-s.sendCh:
			n, err := s.conn.Write(data)
			if n > 0 {
				s.bytesOut.Add(uint64(n))
			}
			if err != nil {
				s.fail(fmt.Errorf("transport: stream write: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
