package ppp

import (
	"crypto/rand"
	"encoding/binary"
)

// LCP option types (RFC 1661 §6).
const (
	optMRU      byte = 1
	optACCM     byte = 2
	optAuthProt byte = 3
	optMagic    byte = 5
	optPFC      byte = 7
	optACFC     byte = 8
)

// LCPConfig carries the link parameters this side proposes.
type LCPConfig struct {
	MRU  uint16
	ACCM ACCMValue
	PFC  bool
	ACFC bool
}

// ACCMValue is the 32-bit Async-Control-Character-Map carried in an LCP
// option; framing.ACCM is the same bit layout, kept as a distinct type
// here so ppp has no import dependency on framing.
type ACCMValue uint32

// DefaultLCPConfig matches what a conformant peer almost always accepts:
// a 1500-byte MRU, every control character escaped, no field compression.
func DefaultLCPConfig() LCPConfig {
	return LCPConfig{MRU: 1500, ACCM: 0xFFFFFFFF}
}

// lcpNegotiator implements Negotiator for LCP. Authentication is never
// proposed: spec.md treats the session as already authenticated out of
// band (PhaseAuthBypass), so LCP here only ever negotiates link
// parameters, matching a peer that also skips CHAP/PAP because the lower
// tunnel already proved identity.
type lcpNegotiator struct {
	local  LCPConfig
	magic  uint32
	peerACCM ACCMValue
	peerPFC  bool
	peerACFC bool

	// NegotiatedACCM is updated once our own Configure-Request is acked.
	// Nothing in this package applies it to a framer.
	NegotiatedACCM ACCMValue
	NegotiatedPFC  bool
	NegotiatedACFC bool
}

func newLCPNegotiator(cfg LCPConfig) *lcpNegotiator {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return &lcpNegotiator{
		local:          cfg,
		magic:          binary.BigEndian.Uint32(buf[:]),
		NegotiatedACCM: 0xFFFFFFFF,
	}
}

func (n *lcpNegotiator) Protocol() uint16 { return ProtoLCP }

func (n *lcpNegotiator) BuildRequest() []Option {
	var opts []Option
	opts = append(opts, Option{Type: optMRU, Data: u16(n.local.MRU)})
	if n.local.ACCM != 0xFFFFFFFF {
		opts = append(opts, Option{Type: optACCM, Data: u32(uint32(n.local.ACCM))})
	}
	opts = append(opts, Option{Type: optMagic, Data: u32(n.magic)})
	if n.local.PFC {
		opts = append(opts, Option{Type: optPFC})
	}
	if n.local.ACFC {
		opts = append(opts, Option{Type: optACFC})
	}
	return opts
}

func (n *lcpNegotiator) Review(opts []Option) (ack, nak, reject []Option, ok bool) {
	for _, o := range opts {
		switch o.Type {
		case optMRU, optACCM, optMagic, optPFC, optACFC:
			ack = append(ack, o)
		default:
			reject = append(reject, o)
		}
	}
	if accm, found := findOption(opts, optACCM); found && len(accm.Data) == 4 {
		n.peerACCM = ACCMValue(binary.BigEndian.Uint32(accm.Data))
	}
	if _, found := findOption(opts, optPFC); found {
		n.peerPFC = true
	}
	if _, found := findOption(opts, optACFC); found {
		n.peerACFC = true
	}
	return ack, nak, reject, len(nak) == 0 && len(reject) == 0
}

func (n *lcpNegotiator) ApplyAck(opts []Option) {
	if accm, found := findOption(opts, optACCM); found && len(accm.Data) == 4 {
		n.NegotiatedACCM = ACCMValue(binary.BigEndian.Uint32(accm.Data))
	} else {
		n.NegotiatedACCM = 0xFFFFFFFF
	}
	_, n.NegotiatedPFC = findOption(opts, optPFC)
	_, n.NegotiatedACFC = findOption(opts, optACFC)
}

func (n *lcpNegotiator) ApplyNak(opts []Option) {
	if mru, found := findOption(opts, optMRU); found && len(mru.Data) == 2 {
		n.local.MRU = binary.BigEndian.Uint16(mru.Data)
	}
	if accm, found := findOption(opts, optACCM); found && len(accm.Data) == 4 {
		n.local.ACCM = ACCMValue(binary.BigEndian.Uint32(accm.Data))
	}
}

func (n *lcpNegotiator) ApplyReject(opts []Option) {
	for _, o := range opts {
		switch o.Type {
		case optPFC:
			n.local.PFC = false
		case optACFC:
			n.local.ACFC = false
		case optACCM:
			n.local.ACCM = 0xFFFFFFFF
		}
	}
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
