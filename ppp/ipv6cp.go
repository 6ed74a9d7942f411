package ppp

import "crypto/rand"

// IPV6CP's sole standard option (RFC 5072 §4.1).
const optInterfaceID byte = 1

// IPV6CPResult is populated as negotiation progresses.
type IPV6CPResult struct {
	LocalInterfaceID [8]byte
	PeerInterfaceID  [8]byte
}

type ipv6cpNegotiator struct {
	local [8]byte

	Result IPV6CPResult
}

func newIPV6CPNegotiator() *ipv6cpNegotiator {
	var id [8]byte
	_, _ = rand.Read(id[:])
	id[0] &^= 0x01 // clear the multicast bit, conventional for a locally-generated token
	n := &ipv6cpNegotiator{local: id}
	n.Result.LocalInterfaceID = id
	return n
}

func (n *ipv6cpNegotiator) Protocol() uint16 { return ProtoIPV6CP }

func (n *ipv6cpNegotiator) BuildRequest() []Option {
	return []Option{{Type: optInterfaceID, Data: append([]byte(nil), n.local[:]...)}}
}

func (n *ipv6cpNegotiator) Review(opts []Option) (ack, nak, reject []Option, ok bool) {
	for _, o := range opts {
		if o.Type == optInterfaceID && len(o.Data) == 8 {
			ack = append(ack, o)
			copy(n.Result.PeerInterfaceID[:], o.Data)
		} else {
			reject = append(reject, o)
		}
	}
	return ack, nak, reject, len(nak) == 0 && len(reject) == 0
}

func (n *ipv6cpNegotiator) ApplyAck(opts []Option) {
	if id, found := findOption(opts, optInterfaceID); found && len(id.Data) == 8 {
		copy(n.local[:], id.Data)
		n.Result.LocalInterfaceID = n.local
	}
}

func (n *ipv6cpNegotiator) ApplyNak(opts []Option) {
	if id, found := findOption(opts, optInterfaceID); found && len(id.Data) == 8 {
		copy(n.local[:], id.Data)
	}
}

func (n *ipv6cpNegotiator) ApplyReject([]Option) {}
