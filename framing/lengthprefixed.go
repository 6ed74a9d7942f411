package framing

import "encoding/binary"

// LengthPrefixedFramer implements the dialect-specific length-prefixed
// framing from spec.md §4.2: (len uint16 BE) ‖ magic ‖ (protocol uint16 BE)
// ‖ payload.
type LengthPrefixedFramer struct {
	Magic  []byte
	MaxLen int // MTU plus framing overhead; frames declaring more are rejected
}

// NewLengthPrefixedFramer constructs a framer for one dialect's magic
// bytes and MTU ceiling.
func NewLengthPrefixedFramer(magic []byte, maxLen int) *LengthPrefixedFramer {
	return &LengthPrefixedFramer{Magic: magic, MaxLen: maxLen}
}

// Frame builds one complete length-prefixed frame. len covers everything
// after the length field itself: magic + protocol + payload.
func (f *LengthPrefixedFramer) Frame(protocol uint16, payload []byte) []byte {
	body := make([]byte, 0, len(f.Magic)+2+len(payload))
	body = append(body, f.Magic...)
	body = append(body, byte(protocol>>8), byte(protocol))
	body = append(body, payload...)

	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}

// HeaderLen is the number of bytes the caller must have buffered before
// Deframe can even read the length prefix.
func (f *LengthPrefixedFramer) HeaderLen() int {
	return 2
}

// Deframe reads exactly one frame from buf, which must already contain the
// length prefix (at minimum). It returns the number of bytes the frame
// occupies in buf (2 + declared length) so the caller can tell whether more
// bytes need to arrive before a full frame is available.
func (f *LengthPrefixedFramer) Deframe(buf []byte) (protocol uint16, payload []byte, consumed int, err error) {
	if len(buf) < 2 {
		return 0, nil, 0, ErrNoFrame
	}
	declared := int(binary.BigEndian.Uint16(buf[0:2]))
	if declared > f.MaxLen {
		return 0, nil, 0, ErrInvalidLength
	}
	total := 2 + declared
	if len(buf) < total {
		return 0, nil, 0, ErrNoFrame
	}
	body := buf[2:total]
	if len(body) < len(f.Magic)+2 {
		return 0, nil, total, ErrMalformedFrame
	}
	if string(body[:len(f.Magic)]) != string(f.Magic) {
		return 0, nil, total, ErrMalformedFrame
	}
	rest := body[len(f.Magic):]
	protocol = uint16(rest[0])<<8 | uint16(rest[1])
	payload = rest[2:]
	return protocol, payload, total, nil
}
