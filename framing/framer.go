package framing

// Framer is satisfied by both HDLCFramer and LengthPrefixedFramer; the
// PPP state machine and transports only ever deal with (protocol,
// payload) pairs and never know which framing is underneath.
type Framer interface {
	Frame(protocol uint16, payload []byte) []byte
	Deframe(buf []byte) (protocol uint16, payload []byte, consumed int, err error)
}
