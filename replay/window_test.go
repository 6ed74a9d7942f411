package replay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowAcceptsEachSequenceOnce(t *testing.T) {
	var w Window
	require.NoError(t, w.Accept(100))
	require.ErrorIs(t, w.Accept(100), ErrReplay)
}

func TestWindowAcceptsOutOfOrderWithinRange(t *testing.T) {
	var w Window
	require.NoError(t, w.Accept(100))
	require.NoError(t, w.Accept(98))
	require.NoError(t, w.Accept(99))
	require.ErrorIs(t, w.Accept(98), ErrReplay)
}

func TestWindowRejectsTooOld(t *testing.T) {
	var w Window
	require.NoError(t, w.Accept(1000))
	require.ErrorIs(t, w.Accept(1000-64), ErrReplay)
	require.ErrorIs(t, w.Accept(1000-100), ErrReplay)
}

func TestWindowSlidesForwardOnNewHighSeq(t *testing.T) {
	var w Window
	require.NoError(t, w.Accept(10))
	require.NoError(t, w.Accept(200))
	// 200-64=136, so 10 is now far outside the window.
	require.ErrorIs(t, w.Accept(10), ErrReplay)
	require.NoError(t, w.Accept(199))
}

func TestWindowLargeForwardJumpClearsBitmap(t *testing.T) {
	var w Window
	require.NoError(t, w.Accept(5))
	require.NoError(t, w.Accept(100000))
	require.NoError(t, w.Accept(99999))
	require.ErrorIs(t, w.Accept(99999), ErrReplay)
}
