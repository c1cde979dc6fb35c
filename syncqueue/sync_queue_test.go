package syncqueue

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/timebase"
)

type stamped struct {
	pts int64
	tb  timebase.Rational
}

func (s stamped) GetPTS() int64                 { return s.pts }
func (s stamped) GetTimeBase() timebase.Rational { return s.tb }

func TestEmissionOrderAcrossTimeBases(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](false, 64)
	video := sq.AddStream()
	audio := sq.AddStream()

	videoTB := timebase.New(1, 25)
	audioTB := timebase.New(1, 44100)

	// a second of video and a second of audio, sent stream-by-stream
	for i := int64(0); i < 25; i++ {
		require.NoError(t, sq.Send(ctx, video, stamped{pts: i, tb: videoTB}))
	}
	for i := int64(0); i < 25; i++ {
		require.NoError(t, sq.Send(ctx, audio, stamped{pts: i * 1764, tb: audioTB}))
	}
	sq.Close(video)
	sq.Close(audio)

	lastPTS := int64(-1)
	count := 0
	for {
		_, item, err := sq.Receive(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		cur := timebase.RescaleQ(item.pts, item.tb, timebase.TimeBaseQ)
		require.GreaterOrEqual(t, cur, lastPTS)
		lastPTS = cur
		count++
	}
	require.Equal(t, 50, count)
}

func TestHoldsUntilEveryStreamHasData(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](false, 64)
	s0 := sq.AddStream()
	s1 := sq.AddStream()

	tb := timebase.New(1, 1000)
	require.NoError(t, sq.Send(ctx, s0, stamped{pts: 0, tb: tb}))

	_, _, err := sq.TryReceive()
	require.ErrorIs(t, err, avio.ErrAgain)

	require.NoError(t, sq.Send(ctx, s1, stamped{pts: 10, tb: tb}))
	idx, item, err := sq.TryReceive()
	require.NoError(t, err)
	require.Equal(t, s0, idx)
	require.Equal(t, int64(0), item.pts)
}

func TestFrameLimitFinishesStream(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](false, 64)
	s0 := sq.AddStream()
	sq.LimitFrames(s0, 3)

	tb := timebase.New(1, 1000)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, sq.Send(ctx, s0, stamped{pts: i, tb: tb}))
	}
	require.ErrorIs(t, sq.Send(ctx, s0, stamped{pts: 3, tb: tb}), io.EOF)

	for i := int64(0); i < 3; i++ {
		_, item, err := sq.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, i, item.pts)
	}
	_, _, err := sq.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestShortestPolicy(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](true, 1024)
	video := sq.AddStream()
	audio := sq.AddStream()

	videoTB := timebase.New(1, 25)
	audioTB := timebase.New(1, 1000)

	// 10 seconds of video already buffered, audio ends at 3 seconds
	for i := int64(0); i < 250; i++ {
		require.NoError(t, sq.Send(ctx, video, stamped{pts: i, tb: videoTB}))
	}
	for i := int64(0); i < 3; i++ {
		require.NoError(t, sq.Send(ctx, audio, stamped{pts: i * 1000, tb: audioTB}))
	}
	sq.Close(audio)

	var maxVideo int64 = -1
	for {
		idx, item, err := sq.Receive(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if idx == video {
			maxVideo = item.pts
		}
	}
	// last audio pts is 2000ms, so no video frame past 2000ms survives
	require.LessOrEqual(t, maxVideo*40, int64(2000))
	require.Greater(t, maxVideo, int64(0))

	// and the cut-off stream rejects further input
	require.ErrorIs(t, sq.Send(ctx, video, stamped{pts: 251, tb: videoTB}), io.EOF)
}

func TestShortestHorizonShrinksToShortestFinisher(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](true, 1024)
	video := sq.AddStream()
	audio := sq.AddStream()

	videoTB := timebase.New(1, 25)
	audioTB := timebase.New(1, 1000)

	// the longer stream happens to close first; its horizon must not
	// cut the shorter stream, and the final horizon is the shorter one
	for i := int64(0); i < 100; i++ {
		require.NoError(t, sq.Send(ctx, video, stamped{pts: i, tb: videoTB}))
	}
	sq.Close(video)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, sq.Send(ctx, audio, stamped{pts: i * 1000, tb: audioTB}))
	}
	sq.Close(audio)

	var maxVideo, maxAudio int64 = -1, -1
	for {
		idx, item, err := sq.Receive(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch idx {
		case video:
			maxVideo = item.pts
		case audio:
			maxAudio = item.pts
		}
	}
	require.Equal(t, int64(2000), maxAudio)
	require.LessOrEqual(t, maxVideo*40, int64(2000))
}

func TestCancelUnblocksReceive(t *testing.T) {
	ctx := context.Background()
	sq := New[stamped](false, 4)
	sq.AddStream()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := sq.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sq.Cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, avio.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Cancel")
	}
}
