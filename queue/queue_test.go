package queue

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
)

func TestFIFOAndFinish(t *testing.T) {
	ctx := context.Background()
	q := New[int](4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(ctx, i))
	}
	q.Finish()
	for i := 0; i < 4; i++ {
		v, err := q.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, err := q.Get(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	q := New[int](2)
	require.NoError(t, q.Put(ctx, 1))
	require.NoError(t, q.Put(ctx, 2))

	putDone := make(chan error, 1)
	go func() {
		putDone <- q.Put(ctx, 3)
	}()

	select {
	case <-putDone:
		t.Fatal("Put must block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}
	require.LessOrEqual(t, q.Len(), q.Cap())

	v, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.NoError(t, <-putDone)
}

func TestCancelUnblocksAndPreservesItems(t *testing.T) {
	ctx := context.Background()
	q := New[int](1)
	require.NoError(t, q.Put(ctx, 42))

	var wg sync.WaitGroup
	wg.Add(1)
	var putErr error
	go func() {
		defer wg.Done()
		putErr = q.Put(ctx, 43) // blocks: queue full
	}()
	time.Sleep(20 * time.Millisecond)
	q.Cancel()
	wg.Wait()
	require.ErrorIs(t, putErr, avio.ErrCancelled)

	// the queued item is still drainable
	v, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	_, err = q.Get(ctx)
	require.ErrorIs(t, err, avio.ErrCancelled)
}

func TestDoneReadingStopsProducer(t *testing.T) {
	ctx := context.Background()
	q := New[int](1)
	q.DoneReading()
	require.ErrorIs(t, q.Put(ctx, 1), io.EOF)
}

func TestTryGet(t *testing.T) {
	ctx := context.Background()
	q := New[int](1)
	_, ok, err := q.TryGet()
	require.False(t, ok)
	require.ErrorIs(t, err, avio.ErrAgain)

	require.NoError(t, q.Put(ctx, 7))
	v, ok, err := q.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 7, v)

	q.Finish()
	_, ok, err = q.TryGet()
	require.False(t, ok)
	require.ErrorIs(t, err, io.EOF)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	q := New[int](1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancelFn()
	select {
	case err := <-done:
		require.ErrorIs(t, err, avio.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Get did not observe context cancellation")
	}
}
