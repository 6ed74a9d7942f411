package ppp

import (
	"encoding/binary"
	"errors"
)

// ErrShortControlPacket is returned when a received LCP/IPCP/IPV6CP
// packet is too short to contain even its own header.
var ErrShortControlPacket = errors.New("ppp: control packet shorter than header")

// controlHeader is the 4-byte Code/Identifier/Length header shared by
// every LCP/IPCP/IPV6CP packet (RFC 1661 §5).
type controlHeader struct {
	Code       Code
	Identifier uint8
	Length     uint16 // covers the header itself plus Data
}

func (h controlHeader) pack(data []byte) []byte {
	out := make([]byte, 4+len(data))
	out[0] = byte(h.Code)
	out[1] = h.Identifier
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(data)))
	copy(out[4:], data)
	return out
}

func parseControlHeader(buf []byte) (controlHeader, []byte, error) {
	if len(buf) < 4 {
		return controlHeader{}, nil, ErrShortControlPacket
	}
	h := controlHeader{
		Code:       Code(buf[0]),
		Identifier: buf[1],
		Length:     binary.BigEndian.Uint16(buf[2:4]),
	}
	end := int(h.Length)
	if end < 4 || end > len(buf) {
		end = len(buf)
	}
	return h, buf[4:end], nil
}
