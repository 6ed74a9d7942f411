package vpntunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDialectAcceptsKnownNames(t *testing.T) {
	d, err := ParseDialect("DialectB")
	require.NoError(t, err)
	require.Equal(t, DialectB, d)

	_, err = ParseDialect("nonsense")
	require.Error(t, err)
}

func TestParseSuiteRejectsUnknownAlgorithms(t *testing.T) {
	_, err := parseSuite("AES-128-CBC", "HMAC-SHA256")
	require.Error(t, err)

	_, err = parseSuite("ROT13", "HMAC-SHA1")
	require.Error(t, err)
}

func TestCryptoConfigForSplitsKeyMaterial(t *testing.T) {
	params := &CryptoParams{
		EncAlg:      "AES-128-CBC",
		MACAlg:      "HMAC-SHA1",
		SPIOut:      1,
		SPIIn:       2,
		MaterialOut: make([]byte, 36),
		MaterialIn:  make([]byte, 36),
		IVOut:       make([]byte, 16),
	}
	cc, err := cryptoConfigFor(params)
	require.NoError(t, err)
	require.Len(t, cc.EncKeyOut, 16)
	require.Len(t, cc.MACKeyOut, 20)
	require.Equal(t, uint32(1), cc.SPIOut)
	require.Equal(t, uint32(2), cc.SPIIn)
}

func TestJoinDomainsSingleAndMultiple(t *testing.T) {
	require.Equal(t, "example.com", joinDomains([]string{"example.com"}))
	require.Equal(t, "a.com b.com", joinDomains([]string{"a.com", "b.com"}))
}

func TestDialerRejectsAlreadySpentCookie(t *testing.T) {
	d := NewDialer()
	pipeA, pipeB := net.Pipe()
	defer pipeB.Close()

	req := ConnectRequest{
		Endpoint: Endpoint{Host: "127.0.0.1", Port: 1},
		Dialect:  DialectA,
		Cookie:   []byte("abc"),
		Tun:      pipeA,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := d.Connect(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	_, err = d.Connect(ctx, req)
	require.ErrorIs(t, err, ErrCookieExpired)
}

func TestPacketCapHintUsesMTUWhenSet(t *testing.T) {
	require.Equal(t, 2048, packetCapHint(TunnelConfig{}))
	require.Equal(t, 1500+64, packetCapHint(TunnelConfig{MTU: 1500}))
}
