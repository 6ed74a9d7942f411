package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vpntunnel/framing"
	"vpntunnel/packet"
	"vpntunnel/ppp"
	"vpntunnel/replay"
	"vpntunnel/transport"
)

// fakeTransport is a minimal transport.Transport double that records every
// wire frame handed to Send.
type fakeTransport struct {
	sent    [][]byte
	recvCh  chan transport.Frame
	errCh   chan error
	closed  bool
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recvCh: make(chan transport.Frame, 8),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeTransport) Send(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}
func (f *fakeTransport) Recv() <-chan transport.Frame { return f.recvCh }
func (f *fakeTransport) Err() <-chan error             { return f.errCh }
func (f *fakeTransport) Close() error                  { f.closed = true; return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		StreamFramer:   framing.NewLengthPrefixedFramer([]byte{0x50, 0x50}, 2000),
		DatagramFramer: framing.RawFramer{},
		PPP:            ppp.DefaultMachineConfig(),
	})
	require.NoError(t, err)
	return m
}

func TestIPProtocolNumberDetectsVersion(t *testing.T) {
	v4 := []byte{0x45, 0, 0, 0}
	v6 := []byte{0x60, 0, 0, 0}
	require.Equal(t, ppp.ProtoIPv4, ipProtocolNumber(v4))
	require.Equal(t, ppp.ProtoIPv6, ipProtocolNumber(v6))
	require.Equal(t, ppp.ProtoIPv4, ipProtocolNumber(nil))
}

func TestSendPacketFramesThroughStreamFramer(t *testing.T) {
	m := newTestManager(t)
	stream := newFakeTransport()
	m.stream = stream
	m.active = stream

	p := packet.New(4)
	require.NoError(t, p.SetPayload([]byte{0x45, 0, 0, 0}))

	blocked := !m.sendPacket(p)
	require.False(t, blocked)
	require.Len(t, stream.sent, 1)

	protocol, payload, _, err := m.cfg.StreamFramer.Deframe(stream.sent[0])
	require.NoError(t, err)
	require.Equal(t, ppp.ProtoIPv4, protocol)
	require.Equal(t, []byte{0x45, 0, 0, 0}, payload)
}

func TestSendPacketUsesCryptoOnDatagramWhenConfigured(t *testing.T) {
	m := newTestManager(t)
	stream := newFakeTransport()
	datagram := newFakeTransport()
	m.stream = stream
	m.datagram = datagram
	m.active = datagram

	suite := replay.Suite{Enc: replay.AES128CBC, MAC: replay.HMACSHA1}
	encKey := make([]byte, 16)
	macKey := make([]byte, 20)
	iv := make([]byte, 16)
	outCtx, err := replay.NewOutboundCtx(suite, 7, encKey, macKey, iv)
	require.NoError(t, err)
	m.outCrypto = outCtx

	p := packet.New(4)
	require.NoError(t, p.SetPayload([]byte{0x45, 0, 0, 0}))

	ok := m.sendPacket(p)
	require.True(t, ok)
	require.Len(t, datagram.sent, 1)
	// The ESP-style envelope is at least SPI+seq+IV+tag plus one cipher block.
	require.Greater(t, len(datagram.sent[0]), 4+4+16+12)
}

func TestSendPacketReturnsFalseOnWouldBlock(t *testing.T) {
	m := newTestManager(t)
	stream := newFakeTransport()
	stream.sendErr = transport.ErrWouldBlock
	m.stream = stream
	m.active = stream

	p := packet.New(4)
	require.NoError(t, p.SetPayload([]byte{0x45, 0, 0, 0}))

	require.False(t, m.sendPacket(p))
}

func TestDemoteDatagramClearsActiveAndCrypto(t *testing.T) {
	m := newTestManager(t)
	stream := newFakeTransport()
	datagram := newFakeTransport()
	m.stream = stream
	m.datagram = datagram
	m.active = datagram
	suite := replay.Suite{Enc: replay.AES128CBC, MAC: replay.HMACSHA1}
	inCtx, err := replay.NewInboundCtx(suite, 7, make([]byte, 16), make([]byte, 20))
	require.NoError(t, err)
	m.inCrypto = inCtx

	m.demoteDatagram()

	require.Nil(t, m.datagram)
	require.Nil(t, m.inCrypto)
	require.Nil(t, m.outCrypto)
	require.Same(t, stream, m.active)
	require.True(t, datagram.closed)
}

func TestHandleFrameDropsMalformedCryptoDatagram(t *testing.T) {
	m := newTestManager(t)
	suite := replay.Suite{Enc: replay.AES128CBC, MAC: replay.HMACSHA1}
	inCtx, err := replay.NewInboundCtx(suite, 7, make([]byte, 16), make([]byte, 20))
	require.NoError(t, err)
	m.inCrypto = inCtx

	// Too short to be a valid envelope; handleFrame must drop it, not panic
	// or propagate an error.
	m.handleFrame(packet.OriginDatagram, transport.Frame{Payload: []byte("short")})

	p, err := m.inQueue.TryPop()
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestHandleFrameCountsReplayRejectionsAndMACFailures(t *testing.T) {
	m := newTestManager(t)
	suite := replay.Suite{Enc: replay.AES128CBC, MAC: replay.HMACSHA1}
	encKey, macKey, iv := make([]byte, 16), make([]byte, 20), make([]byte, 16)
	outCtx, err := replay.NewOutboundCtx(suite, 7, encKey, macKey, iv)
	require.NoError(t, err)
	inCtx, err := replay.NewInboundCtx(suite, 7, encKey, macKey)
	require.NoError(t, err)
	m.inCrypto = inCtx

	wire, err := outCtx.Encrypt([]byte("payload"))
	require.NoError(t, err)

	m.handleFrame(packet.OriginDatagram, transport.Frame{Payload: wire})
	require.Equal(t, uint64(0), m.Stats().ReplayRejections)

	// Same wire frame again: the sequence number was already accepted.
	m.handleFrame(packet.OriginDatagram, transport.Frame{Payload: wire})
	require.Equal(t, uint64(1), m.Stats().ReplayRejections)

	wire2, err := outCtx.Encrypt([]byte("payload two"))
	require.NoError(t, err)
	wire2[len(wire2)-1] ^= 0x01 // flip one bit of the tag
	m.handleFrame(packet.OriginDatagram, transport.Frame{Payload: wire2})
	require.Equal(t, uint64(1), m.Stats().MACFailures)
}

func TestHandleFrameQueuesDataOnlyWhenPPPOpen(t *testing.T) {
	m := newTestManager(t)
	// Machine starts in PhaseDead; data frames must not be queued yet.
	m.handleFrame(packet.OriginStream, transport.Frame{Protocol: ppp.ProtoIPv4, Payload: []byte{0x45, 0, 0, 0}})
	p, err := m.inQueue.TryPop()
	require.NoError(t, err)
	require.Nil(t, p)
}
