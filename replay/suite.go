// Package replay implements the datagram-layer packet crypto described in
// spec.md §4.1: confidentiality via AES-CBC, integrity via a truncated
// HMAC, and the anti-replay sequence window from §3. The pad/encrypt shape
// and the HMAC-truncation convention are grounded in the teacher's own
// vendor/github.com/gwest/go-sol crypto.go and rmcp.go (absorbed as
// original code here, not imported — see DESIGN.md).
package replay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"hash"
)

// EncAlg identifies the block cipher / key size.
type EncAlg uint8

const (
	AES128CBC EncAlg = iota
	AES256CBC
)

// MACAlg identifies the HMAC hash function.
type MACAlg uint8

const (
	HMACMD5 MACAlg = iota
	HMACSHA1
)

// Suite is one of the four supported {AES-128, AES-256} x {MD5, SHA1}
// combinations; any other pairing is rejected at construction time.
type Suite struct {
	Enc EncAlg
	MAC MACAlg
}

const (
	tagSize    = 12 // truncated HMAC length, matching the teacher's own 12-byte trailer
	ivSize     = aes.BlockSize
	spiSize    = 4
	seqSize    = 4
	nextHdrIP4 = 0x04
)

// encKeyLen returns the AES key length this suite's encryption algorithm
// requires.
func (s Suite) encKeyLen() (int, error) {
	switch s.Enc {
	case AES128CBC:
		return 16, nil
	case AES256CBC:
		return 32, nil
	default:
		return 0, ErrUnsupportedSuite
	}
}

func (s Suite) hashNew() (func() hash.Hash, error) {
	switch s.MAC {
	case HMACMD5:
		return md5.New, nil
	case HMACSHA1:
		return sha1.New, nil
	default:
		return nil, ErrUnsupportedSuite
	}
}

// SplitKeyMaterial splits the 32 or 48 bytes of keying material delivered
// in TunnelConfig into an encryption key and an HMAC key, per spec.md §3:
// the encryption key is sized by the suite's algorithm, and whatever
// remains is the HMAC key.
func (s Suite) SplitKeyMaterial(material []byte) (encKey, macKey []byte, err error) {
	encLen, err := s.encKeyLen()
	if err != nil {
		return nil, nil, err
	}
	if len(material) <= encLen {
		return nil, nil, ErrBadKeyMaterial
	}
	return material[:encLen], material[encLen:], nil
}

// cipherSuite holds the resolved primitives common to both directions.
type cipherSuite struct {
	suite   Suite
	block   cipher.Block
	macKey  []byte
	hashNew func() hash.Hash
	spi     uint32
}

func newCipherSuite(suite Suite, spi uint32, encKey, macKey []byte) (cipherSuite, error) {
	encLen, err := suite.encKeyLen()
	if err != nil {
		return cipherSuite{}, err
	}
	if len(encKey) != encLen {
		return cipherSuite{}, ErrBadKeyMaterial
	}
	hnew, err := suite.hashNew()
	if err != nil {
		return cipherSuite{}, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return cipherSuite{}, err
	}
	return cipherSuite{suite: suite, block: block, macKey: macKey, hashNew: hnew, spi: spi}, nil
}

func (c cipherSuite) mac(seq uint32, iv, ciphertext []byte) []byte {
	h := hmac.New(c.hashNew, c.macKey)
	var hdr [spiSize + seqSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], c.spi)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	h.Write(hdr[:])
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)[:tagSize]
}

// OutboundCtx is the per-direction outbound crypto context: it owns the
// chained explicit IV and the monotonic sequence counter.
type OutboundCtx struct {
	cipherSuite
	iv      [ivSize]byte
	seq     uint32
	wrapped bool
}

// NewOutboundCtx constructs an outbound context. iv is the initial IV from
// TunnelConfig; it must be ivSize bytes.
func NewOutboundCtx(suite Suite, spi uint32, encKey, macKey, iv []byte) (*OutboundCtx, error) {
	cs, err := newCipherSuite(suite, spi, encKey, macKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivSize {
		return nil, ErrBadKeyMaterial
	}
	o := &OutboundCtx{cipherSuite: cs}
	copy(o.iv[:], iv)
	return o, nil
}

// Encrypt pads and encrypts plaintext under AES-CBC, appends a truncated
// HMAC tag, and returns the wire packet SPI‖seq‖IV‖ciphertext‖tag. It
// advances the sequence counter and chains the IV forward as specified in
// spec.md §4.1, and fails permanently with ErrSeqWrapped once the counter
// would overflow.
func (o *OutboundCtx) Encrypt(plaintext []byte) ([]byte, error) {
	if o.wrapped {
		return nil, ErrSeqWrapped
	}

	padded := padPKCS(plaintext, o.block.BlockSize(), nextHdrIP4)

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(o.block, o.iv[:])
	mode.CryptBlocks(ciphertext, padded)

	tag := o.mac(o.seq, o.iv[:], ciphertext)

	out := make([]byte, 0, spiSize+seqSize+ivSize+len(ciphertext)+tagSize)
	var hdr [spiSize + seqSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], o.spi)
	binary.BigEndian.PutUint32(hdr[4:8], o.seq)
	out = append(out, hdr[:]...)
	out = append(out, o.iv[:]...)
	out = append(out, ciphertext...)
	out = append(out, tag...)

	// Chain the next IV from the last ciphertext block (explicit-IV chaining).
	copy(o.iv[:], ciphertext[len(ciphertext)-ivSize:])

	next := o.seq + 1
	if next == 0 {
		o.wrapped = true
	}
	o.seq = next

	return out, nil
}

// InboundCtx is the per-direction inbound crypto context: it owns the
// sliding replay window instead of a counter.
type InboundCtx struct {
	cipherSuite
	window Window
}

// NewInboundCtx constructs an inbound context.
func NewInboundCtx(suite Suite, spi uint32, encKey, macKey []byte) (*InboundCtx, error) {
	cs, err := newCipherSuite(suite, spi, encKey, macKey)
	if err != nil {
		return nil, err
	}
	return &InboundCtx{cipherSuite: cs}, nil
}

// Decrypt verifies the tag, checks the sequence number against the replay
// window, decrypts into a new buffer (wire is left unchanged), and strips
// the confidentiality pad, returning the original plaintext IP packet.
func (c *InboundCtx) Decrypt(wire []byte) ([]byte, error) {
	if len(wire) < spiSize+seqSize+ivSize+tagSize+c.block.BlockSize() {
		return nil, ErrShortPacket
	}

	seq := binary.BigEndian.Uint32(wire[spiSize : spiSize+seqSize])
	iv := wire[spiSize+seqSize : spiSize+seqSize+ivSize]
	body := wire[spiSize+seqSize+ivSize:]
	if len(body) < tagSize {
		return nil, ErrShortPacket
	}
	ciphertext := body[:len(body)-tagSize]
	tag := body[len(body)-tagSize:]

	if len(ciphertext) == 0 || len(ciphertext)%c.block.BlockSize() != 0 {
		return nil, ErrShortPacket
	}

	wantTag := c.mac(seq, iv, ciphertext)
	if !hmac.Equal(wantTag, tag) {
		return nil, ErrBadHMAC
	}

	if err := c.window.Accept(seq); err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(c.block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpadPKCS(plaintext)
}

// padPKCS appends (1,2,…,padlen), the pad-length byte, and the next-header
// byte until the total length is a multiple of blockSize.
func padPKCS(payload []byte, blockSize int, nextHeader byte) []byte {
	// total = len(payload) + padLen + 2 (padLen byte + next-header byte)
	padLen := blockSize - ((len(payload) + 2) % blockSize)
	if padLen == blockSize {
		padLen = 0
	}
	out := make([]byte, len(payload)+padLen+2)
	copy(out, payload)
	for i := 0; i < padLen; i++ {
		out[len(payload)+i] = byte(i + 1)
	}
	out[len(out)-2] = byte(padLen)
	out[len(out)-1] = nextHeader
	return out
}

// unpadPKCS strips the trailing next-header byte and pad, per spec.md §4.1.
func unpadPKCS(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrShortPacket
	}
	padLen := int(padded[len(padded)-2])
	if padLen+2 > len(padded) {
		return nil, ErrShortPacket
	}
	return padded[:len(padded)-padLen-2], nil
}

// GenerateIV returns a fresh random IV suitable for seeding an OutboundCtx
// when no explicit initial IV is supplied (e.g. on datagram re-key).
func GenerateIV() ([ivSize]byte, error) {
	var iv [ivSize]byte
	_, err := rand.Read(iv[:])
	return iv, err
}
