package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildClthelloMatchesConcreteLiteral(t *testing.T) {
	got := buildClthello([]byte("abc"))
	want := append([]byte{0x00, 0x17}, []byte("GFtype\x00clthello\x00SVPNCOOKIE\x00abc\x00")...)
	require.Equal(t, want, got)
}

func TestParseSvrhelloOK(t *testing.T) {
	body := []byte("svrhello\x00ok")
	wire := append([]byte{0x00, byte(len(body))}, append([]byte("GFtype\x00"), body...)...)
	status, err := parseSvrhello(wire)
	require.NoError(t, err)
	require.Equal(t, "ok", status)
}

func TestParseSvrhelloFail(t *testing.T) {
	body := []byte("svrhello\x00fail")
	wire := append([]byte{0x00, byte(len(body))}, append([]byte("GFtype\x00"), body...)...)
	status, err := parseSvrhello(wire)
	require.NoError(t, err)
	require.Equal(t, "fail", status)
}

func TestParseSvrhelloRejectsWrongTag(t *testing.T) {
	wire := append([]byte{0x00, 0x0a}, []byte("WRONGTAG\x00svrhello\x00ok")...)
	_, err := parseSvrhello(wire)
	require.ErrorIs(t, err, ErrHandshakeMalformed)
}
