// Package transport implements the two wire transports spec.md §4.4
// describes: a TLS-protected reliable stream and an optional
// DTLS-protected datagram path. Both satisfy the same small Transport
// contract so the tunnel.Manager can treat them polymorphically, per
// spec.md §9's "polymorphism over transports" note. Grounded on
// go-sol's Session: a channel-delivered Read(), a channel-guarded
// Write(), a channel-delivered Err(), and an idempotent Close() driven by
// a closed `done` channel — the same shape, generalized from one fixed
// BMC console socket to either a length-prefixed TLS stream or a
// clthello/svrhello DTLS datagram socket.
package transport

import "errors"

var (
	// ErrClosed is returned by Send once the transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrWouldBlock is returned by a non-blocking Send when the outbound
	// buffer is full; the caller keeps the frame at the head of its
	// outbound queue and retries next loop iteration.
	ErrWouldBlock = errors.New("transport: send would block")
)

// Transport is the contract both the stream and datagram transports
// satisfy. Recv and Err double as the "readable_event" handle from
// spec.md §4.4: the event loop selects across both channels (and the
// peer transport's, and the tun device's, and a timer) in one place
// rather than polling each in turn.
type Transport interface {
	// Send enqueues one already-framed wire frame. It does not block: a
	// full outbound buffer yields ErrWouldBlock immediately.
	Send(frame []byte) error
	// Recv delivers fully reassembled, deframed (protocol, payload)
	// pairs as they become available.
	Recv() <-chan Frame
	// Err fires at most once, when the transport has failed fatally.
	Err() <-chan error
	// Close is idempotent and stops the transport's goroutines.
	Close() error
}

// Frame is one deframed PPP unit delivered by a transport's Recv channel.
type Frame struct {
	Protocol uint16
	Payload  []byte
}
