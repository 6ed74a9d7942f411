package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHDLCFrameRoundTrip(t *testing.T) {
	f := NewHDLCFramer(DefaultACCM)
	payload := []byte{0x00, 0x01, 0x7E, 0x7D, 0xFF, 0x11, 0x00, 0x20}

	frame := f.Frame(0x0021, payload)

	require.Equal(t, byte(flagByte), frame[0])
	require.Equal(t, byte(flagByte), frame[len(frame)-1])

	// Exactly two unescaped flag bytes: the bracketing ones.
	flagCount := bytes.Count(frame, []byte{flagByte})
	require.Equal(t, 2, flagCount)

	proto, got, consumed, err := f.Deframe(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0021), proto)
	require.Equal(t, payload, got)
	require.Equal(t, len(frame), consumed)
}

func TestHDLCFrameRoundTripArbitraryBytes(t *testing.T) {
	f := NewHDLCFramer(DefaultACCM)
	for b := 0; b < 256; b++ {
		payload := []byte{byte(b), byte(b), byte(b ^ 0xFF)}
		frame := f.Frame(0x0021, payload)
		_, got, _, err := f.Deframe(frame)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestHDLCFCSRejectsBitFlip(t *testing.T) {
	f := NewHDLCFramer(DefaultACCM)
	frame := f.Frame(0x0021, []byte("hello ppp"))

	// Flip one bit inside the escaped body (not a flag byte).
	for i := 1; i < len(frame)-1; i++ {
		if frame[i] == flagByte {
			continue
		}
		tampered := make([]byte, len(frame))
		copy(tampered, frame)
		tampered[i] ^= 0x01
		_, _, _, err := f.Deframe(tampered)
		require.Error(t, err)
		break
	}
}

func TestHDLCDeframeResyncsOnGarbagePrefix(t *testing.T) {
	f := NewHDLCFramer(DefaultACCM)
	frame := f.Frame(0x0021, []byte("data"))
	withGarbage := append([]byte{0x01, 0x02, 0x03}, frame...)

	proto, payload, _, err := f.Deframe(withGarbage)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0021), proto)
	require.Equal(t, []byte("data"), payload)
}

func TestHDLCEscapesACCMBytes(t *testing.T) {
	f := NewHDLCFramer(ACCM(1 << 0x11)) // escape byte 0x11 specifically
	frame := f.Frame(0x0021, []byte{0x11})
	require.Contains(t, frame, byte(escapeByte))
}
