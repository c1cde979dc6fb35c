package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/avio/aviotest"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/syncqueue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

func videoParams(tb timebase.Rational) *avio.StreamParams {
	return &avio.StreamParams{
		Index:     0,
		CodecID:   "h264",
		MediaType: types.MediaTypeVideo,
		TimeBase:  tb,
	}
}

func audioParams(tb timebase.Rational) *avio.StreamParams {
	return &avio.StreamParams{
		Index:     1,
		CodecID:   "aac",
		MediaType: types.MediaTypeAudio,
		TimeBase:  tb,
	}
}

func copyPacket(pts, dts int64, tb timebase.Rational) *packet.Packet {
	pkt := packet.Pool.Get()
	pkt.PTS = pts
	pkt.DTS = dts
	pkt.Duration = 0
	pkt.TimeBase = tb
	pkt.SetData([]byte{0x42})
	return pkt
}

func copyEdge(pkts ...*packet.Packet) *queue.Queue[*packet.Packet] {
	edge := queue.New[*packet.Packet](len(pkts) + 1)
	ctx := context.Background()
	for _, pkt := range pkts {
		if err := edge.Put(ctx, pkt); err != nil {
			panic(err)
		}
	}
	edge.Finish()
	return edge
}

func TestEncodeRescalesToOutputTimeBase(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.mkv")
	w.TimeBases = map[int]timebase.Rational{0: timebase.New(1, 1000)}
	enc := &aviotest.Encoder{Name: "x264", TB: timebase.New(1, 90000)}

	frameTB := timebase.New(1, 25)
	edge := queue.New[*frame.Frame](8)
	for i := int64(0); i < 5; i++ {
		f := frame.Pool.Get()
		f.MediaType = types.MediaTypeVideo
		f.PTS = i
		f.Duration = 1
		f.TimeBase = frameTB
		require.NoError(t, edge.Put(ctx, f))
	}
	edge.Finish()

	m, err := New(ctx, Config{
		Writer: w,
		Streams: []StreamConfig{{
			Params:  videoParams(timebase.New(1, 90000)),
			Encoder: enc,
			FrameIn: edge,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Streams()[0].Run(ctx))

	pkts := w.Packets()
	require.Len(t, pkts, 5)
	for i, pkt := range pkts {
		require.Equal(t, int64(i)*40, pkt.PTS)
		require.Equal(t, int64(i)*40, pkt.DTS)
		require.Equal(t, int64(40), pkt.Duration)
		require.Equal(t, timebase.New(1, 1000), pkt.TimeBase)
	}
	require.True(t, w.TrailerWritten())
}

func TestDTSMonotonicityBump(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.ts")
	tb := timebase.New(1, 1000)

	edge := copyEdge(
		copyPacket(0, 0, tb),
		copyPacket(1000, 1000, tb),
		copyPacket(1000, 1000, tb),
		copyPacket(900, 900, tb),
	)
	m, err := New(ctx, Config{
		Writer:  w,
		Streams: []StreamConfig{{Params: videoParams(tb), PacketIn: edge}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Streams()[0].Run(ctx))

	pkts := w.Packets()
	require.Len(t, pkts, 4)
	wantDTS := []int64{0, 1000, 1001, 1002}
	for i, pkt := range pkts {
		require.Equal(t, wantDTS[i], pkt.DTS, "packet %d", i)
		require.Equal(t, wantDTS[i], pkt.PTS, "packet %d", i)
	}
	require.True(t, w.TrailerWritten())
}

func TestInterleavingAcrossStreams(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.mp4")
	tb := timebase.New(1, 1000)

	videoEdge := copyEdge(
		copyPacket(0, 0, tb),
		copyPacket(1000, 1000, tb),
		copyPacket(2000, 2000, tb),
	)
	audioEdge := copyEdge(
		copyPacket(500, 500, tb),
		copyPacket(1500, 1500, tb),
		copyPacket(2500, 2500, tb),
	)
	m, err := New(ctx, Config{
		Writer: w,
		Streams: []StreamConfig{
			{Params: videoParams(tb), PacketIn: videoEdge},
			{Params: audioParams(tb), PacketIn: audioEdge},
		},
	})
	require.NoError(t, err)

	// the video worker finishes first: its packets are held until the
	// audio worker catches up, yet the container sees ascending dts
	require.NoError(t, m.Streams()[0].Run(ctx))
	require.False(t, w.TrailerWritten())
	require.NoError(t, m.Streams()[1].Run(ctx))

	pkts := w.Packets()
	require.Len(t, pkts, 6)
	wantDTS := []int64{0, 500, 1000, 1500, 2000, 2500}
	for i, pkt := range pkts {
		require.Equal(t, wantDTS[i], pkt.DTS, "packet %d", i)
	}
	require.True(t, w.TrailerWritten())
}

func TestSyncMuxShortest(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.mkv")
	tb := timebase.New(1, 1000)

	var videoPkts, audioPkts []*packet.Packet
	for i := int64(0); i < 10; i++ {
		videoPkts = append(videoPkts, copyPacket(i*1000, i*1000, tb))
	}
	for i := int64(0); i < 4; i++ {
		audioPkts = append(audioPkts, copyPacket(i*1000, i*1000, tb))
	}

	m, err := New(ctx, Config{
		Writer:  w,
		SyncMux: syncqueue.New[*packet.Packet](true, 64),
		Streams: []StreamConfig{
			{Params: videoParams(tb), PacketIn: copyEdge(videoPkts...)},
			{Params: audioParams(tb), PacketIn: copyEdge(audioPkts...)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, m.Streams()[0].Run(ctx))
	require.NoError(t, m.Streams()[1].Run(ctx))
	require.NoError(t, m.Run(ctx))

	// audio ends at 3s, so no video packet past 3s reaches the writer
	for _, pkt := range w.StreamPackets(0) {
		require.LessOrEqual(t, pkt.PTS, int64(3000))
	}
	require.Len(t, w.StreamPackets(0), 4)
	require.Len(t, w.StreamPackets(1), 4)
	require.True(t, w.TrailerWritten())
}

func TestMaxFramesCapsStream(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.ts")
	tb := timebase.New(1, 1000)

	var pkts []*packet.Packet
	for i := int64(0); i < 6; i++ {
		pkts = append(pkts, copyPacket(i*1000, i*1000, tb))
	}
	m, err := New(ctx, Config{
		Writer: w,
		Streams: []StreamConfig{{
			Params:    videoParams(tb),
			PacketIn:  copyEdge(pkts...),
			MaxFrames: 3,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Streams()[0].Run(ctx))

	require.Len(t, w.Packets(), 3)
	require.True(t, w.TrailerWritten())
}

func TestForcedKeyframes(t *testing.T) {
	ctx := context.Background()
	w := aviotest.NewWriter("out.mkv")
	tb := timebase.New(1, 1)

	var keyed []bool
	enc := &aviotest.Encoder{
		Name: "x264",
		TB:   tb,
		EncodeFunc: func(f *frame.Frame) []*packet.Packet {
			keyed = append(keyed, f.Flags.Has(frame.FlagKey))
			pkt := packet.Pool.Get()
			pkt.PTS = f.PTS
			pkt.DTS = f.PTS
			pkt.TimeBase = f.TimeBase
			pkt.SetData([]byte{0x42})
			return []*packet.Packet{pkt}
		},
	}

	edge := queue.New[*frame.Frame](8)
	for i := int64(0); i < 5; i++ {
		f := frame.Pool.Get()
		f.MediaType = types.MediaTypeVideo
		f.PTS = i
		f.Duration = 1
		f.TimeBase = tb
		require.NoError(t, edge.Put(ctx, f))
	}
	edge.Finish()

	m, err := New(ctx, Config{
		Writer: w,
		Streams: []StreamConfig{{
			Params:         videoParams(tb),
			Encoder:        enc,
			FrameIn:        edge,
			ForceKeyframes: []time.Duration{2 * time.Second},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Streams()[0].Run(ctx))

	require.Equal(t, []bool{false, false, true, false, false}, keyed)
	require.True(t, w.TrailerWritten())
}
