package diag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceBufferRetainsAtMostMax(t *testing.T) {
	buf := NewTraceBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append("state", "event")
	}
	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, uint64(2), snap[0].Seq)
	require.Equal(t, uint64(4), snap[2].Seq)
}

func TestTraceBufferSubscribeReceivesFutureEvents(t *testing.T) {
	buf := NewTraceBuffer(8)
	buf.Append("state", "before subscribe")

	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	buf.Append("state", "after subscribe")

	ev := <-ch
	require.Equal(t, "after subscribe", ev.Message)
}

func TestTraceBufferUnsubscribeClosesChannel(t *testing.T) {
	buf := NewTraceBuffer(8)
	ch := buf.Subscribe()
	buf.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
}

func TestTraceBufferAppendNeverBlocksOnSlowSubscriber(t *testing.T) {
	buf := NewTraceBuffer(8)
	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		buf.Append("flood", "x")
	}

	require.Len(t, buf.Snapshot(), 8)
}
