// Package packet implements fixed-capacity packet buffers with reserved
// head- and tail-room, and the bounded queues that move them between the
// tunnel driver, the PPP state machine, and the active transport.
package packet

import "fmt"

// Origin tags where a packet came from, used to route stray control frames
// that arrive after a drain (e.g. a late LCP Terminate-Ack after the queue
// it would normally travel through has already been torn down).
type Origin uint8

const (
	// OriginInterface is a packet read from the local virtual interface.
	OriginInterface Origin = iota
	// OriginStream is a packet received on the stream transport.
	OriginStream
	// OriginDatagram is a packet received on the datagram transport.
	OriginDatagram
	// OriginControl is a synthetic control frame generated internally
	// (e.g. an LCP Echo-Request or a keepalive heartbeat).
	OriginControl
)

// HeadRoom and TailRoom bound the worst case of stacked headers a packet
// must carry: the datagram security header (IV + SPI + seq, up to 24
// bytes) plus the length-prefixed framing prefix (up to 6 bytes) plus the
// PPP address/control/protocol fields (up to 4 bytes), rounded up.
const (
	HeadRoom = 40
	TailRoom = 32

	// MaxPayload is the largest IP payload a Packet can carry; chosen to
	// comfortably exceed any MTU this core will negotiate (spec caps MTU
	// well under 9000 for tunnel use).
	MaxPayload = 9200
)

// Packet owns a contiguous byte region with reserved head and tail room.
// offset marks where payload bytes currently begin within buf; length is
// the number of valid payload bytes starting at offset. Prepending a header
// decreases offset; appending a trailer (e.g. an HMAC tag) extends length
// into the reserved tail room.
type Packet struct {
	buf    []byte
	offset int
	length int

	// Slot is a spare integer for caller bookkeeping; Queue neither reads
	// nor writes it.
	Slot int

	// Origin routes stray control frames after a drain (§3).
	Origin Origin
}

// New allocates a Packet with HeadRoom and TailRoom reserved around cap
// bytes of payload capacity.
func New(capHint int) *Packet {
	if capHint <= 0 {
		capHint = MaxPayload
	}
	buf := make([]byte, HeadRoom+capHint+TailRoom)
	return &Packet{
		buf:    buf,
		offset: HeadRoom,
		length: 0,
	}
}

// Reset clears the packet back to an empty payload positioned after
// HeadRoom, ready for reuse.
func (p *Packet) Reset() {
	p.offset = HeadRoom
	p.length = 0
	p.Origin = OriginInterface
}

// Bytes returns the current payload region.
func (p *Packet) Bytes() []byte {
	return p.buf[p.offset : p.offset+p.length]
}

// Len returns the current payload length.
func (p *Packet) Len() int {
	return p.length
}

// SetPayload overwrites the payload with data, copying it in. It fails if
// data does not fit within the packet's backing capacity.
func (p *Packet) SetPayload(data []byte) error {
	if len(data) > cap(p.buf)-HeadRoom-TailRoom {
		return fmt.Errorf("packet: payload of %d bytes exceeds capacity %d", len(data), cap(p.buf)-HeadRoom-TailRoom)
	}
	p.offset = HeadRoom
	p.length = len(data)
	copy(p.buf[p.offset:p.offset+p.length], data)
	return nil
}

// Prepend writes header bytes immediately before the current payload,
// growing the packet leftward into head room. It fails if there isn't
// enough head room left.
func (p *Packet) Prepend(header []byte) error {
	if len(header) > p.offset {
		return fmt.Errorf("packet: header of %d bytes exceeds remaining head room %d", len(header), p.offset)
	}
	p.offset -= len(header)
	p.length += len(header)
	copy(p.buf[p.offset:], header)
	return nil
}

// TrimHead removes n bytes from the front of the payload (e.g. stripping a
// PPP header before handing the packet to the interface).
func (p *Packet) TrimHead(n int) error {
	if n > p.length {
		return fmt.Errorf("packet: cannot trim %d bytes from %d-byte payload", n, p.length)
	}
	p.offset += n
	p.length -= n
	return nil
}

// Append writes trailer bytes immediately after the current payload,
// growing the packet rightward into tail room (e.g. an HMAC tag).
func (p *Packet) Append(trailer []byte) error {
	end := p.offset + p.length
	if end+len(trailer) > len(p.buf) {
		return fmt.Errorf("packet: trailer of %d bytes exceeds remaining tail room %d", len(trailer), len(p.buf)-end)
	}
	copy(p.buf[end:], trailer)
	p.length += len(trailer)
	return nil
}

// TrimTail removes n bytes from the end of the payload (e.g. stripping a
// confidentiality pad after decryption).
func (p *Packet) TrimTail(n int) error {
	if n > p.length {
		return fmt.Errorf("packet: cannot trim %d bytes from %d-byte payload", n, p.length)
	}
	p.length -= n
	return nil
}

// Grow extends the payload length in place by n bytes of tail room,
// returning the grown region so a caller (e.g. a cipher) can fill it
// without an intermediate copy.
func (p *Packet) Grow(n int) ([]byte, error) {
	end := p.offset + p.length
	if end+n > len(p.buf) {
		return nil, fmt.Errorf("packet: grow of %d bytes exceeds remaining tail room %d", n, len(p.buf)-end)
	}
	region := p.buf[end : end+n]
	p.length += n
	return region, nil
}
