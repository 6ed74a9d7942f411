package ppp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionRoundTrip(t *testing.T) {
	opts := []Option{
		{Type: optMRU, Data: u16(1500)},
		{Type: optMagic, Data: u32(0xDEADBEEF)},
		{Type: optPFC},
	}
	encoded := encodeOptions(opts)
	decoded, err := parseOptions(encoded)
	require.NoError(t, err)
	require.Equal(t, opts, decoded)
}

func TestParseOptionsRejectsTruncated(t *testing.T) {
	_, err := parseOptions([]byte{optMRU, 4, 0x05}) // declares 4 bytes, only has 1
	require.ErrorIs(t, err, ErrTruncatedOption)
}

func TestFindOption(t *testing.T) {
	opts := []Option{{Type: optMRU, Data: u16(1500)}}
	found, ok := findOption(opts, optMRU)
	require.True(t, ok)
	require.Equal(t, opts[0], found)

	_, ok = findOption(opts, optACCM)
	require.False(t, ok)
}
