package replay

import "errors"

var (
	// ErrUnsupportedSuite is returned at context construction when the
	// requested encryption/MAC algorithm pair is not one of the four
	// supported combinations.
	ErrUnsupportedSuite = errors.New("replay: unsupported cipher suite")

	// ErrSeqWrapped is fatal: the outbound sequence counter has wrapped
	// and a rekey is required before any further packet can be sent.
	ErrSeqWrapped = errors.New("replay: outbound sequence counter wrapped, rekey required")

	// ErrBadHMAC means the trailing authentication tag did not verify.
	ErrBadHMAC = errors.New("replay: HMAC verification failed")

	// ErrReplay means the sequence number fell outside, or was already
	// seen within, the sliding replay window.
	ErrReplay = errors.New("replay: sequence number rejected by replay window")

	// ErrShortPacket means the wire packet was too small to contain the
	// SPI, sequence, IV and tag fields this suite requires.
	ErrShortPacket = errors.New("replay: packet too short to be valid")

	// ErrBadKeyMaterial means the supplied key material's length does
	// not match what the chosen encryption algorithm requires.
	ErrBadKeyMaterial = errors.New("replay: key material has the wrong length for this suite")
)
