package packet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue(4, Block)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := New(8)
		require.NoError(t, p.SetPayload([]byte{byte(i)}))
		require.NoError(t, q.Push(ctx, p))
	}

	for i := 0; i < 3; i++ {
		p, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, byte(i), p.Bytes()[0])
	}
}

func TestQueueDropNewestDropsUnderPressure(t *testing.T) {
	q := NewQueue(1, DropNewest)
	ctx := context.Background()

	first := New(8)
	require.NoError(t, first.SetPayload([]byte{1}))
	require.NoError(t, q.Push(ctx, first))

	second := New(8)
	require.NoError(t, second.SetPayload([]byte{2}))
	require.NoError(t, q.Push(ctx, second))

	require.Equal(t, uint64(1), q.Dropped())
	require.Equal(t, 1, q.Len())

	p, err := q.TryPop()
	require.NoError(t, err)
	require.Equal(t, byte(1), p.Bytes()[0])
}

func TestQueueBlockRespectsContextCancellation(t *testing.T) {
	q := NewQueue(1, Block)
	ctx := context.Background()
	full := New(8)
	require.NoError(t, q.Push(ctx, full))

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(cctx, New(8))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := NewQueue(1, Block)
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestQueueTryPopEmpty(t *testing.T) {
	q := NewQueue(2, Block)
	p, err := q.TryPop()
	require.NoError(t, err)
	require.Nil(t, p)
}
