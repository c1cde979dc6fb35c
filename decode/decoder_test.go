package decode

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/avio/aviotest"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// runDecoder feeds the packets through a decoder node and returns the
// frames it produced.
func runDecoder(t *testing.T, cfg Config, pkts []*packet.Packet) []*frame.Frame {
	t.Helper()
	ctx := context.Background()

	in := queue.New[*packet.Packet](len(pkts) + 1)
	cfg.In = in
	d, err := New(ctx, cfg)
	require.NoError(t, err)

	out := queue.New[*frame.Frame](len(pkts)*2 + 4)
	d.ConnectOutput(out)

	for _, pkt := range pkts {
		require.NoError(t, in.Put(ctx, pkt))
	}
	in.Finish()
	require.NoError(t, d.Run(ctx))

	var frames []*frame.Frame
	for {
		f, err := out.Get(ctx)
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func audioPacket(pts int64, tb timebase.Rational) *packet.Packet {
	pkt := packet.Pool.Get()
	pkt.PTS = pts
	pkt.DTS = pts
	pkt.TimeBase = tb
	pkt.SetData([]byte{0})
	return pkt
}

func TestAudioSampleRateChange(t *testing.T) {
	params := &avio.StreamParams{
		Index:     0,
		MediaType: types.MediaTypeAudio,
		TimeBase:  timebase.New(1, 44100),
	}

	// the 44.1k and 48k halves of the stream carry pts in their own
	// sample-rate time bases, contiguous in wall time
	codec := &aviotest.Decoder{Name: "pcm", DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
		f := frame.Pool.Get()
		f.PTS = pkt.PTS
		f.TimeBase = pkt.TimeBase
		f.SampleRate = pkt.TimeBase.Den
		f.NbSamples = 1024
		return []*frame.Frame{f}
	}}

	var pkts []*packet.Packet
	for i := int64(0); i < 10; i++ {
		pkts = append(pkts, audioPacket(i*1024, timebase.New(1, 44100)))
	}
	boundary := timebase.RescaleQ(10*1024, timebase.New(1, 44100), timebase.New(1, 48000))
	for i := int64(0); i < 10; i++ {
		pkts = append(pkts, audioPacket(boundary+i*1024, timebase.New(1, 48000)))
	}

	frames := runDecoder(t, Config{Params: params, Codec: codec}, pkts)
	require.Len(t, frames, 20)

	for i, f := range frames {
		require.Equal(t, int64(1024), f.Duration)
		if i < 10 {
			require.Equal(t, timebase.New(1, 44100), f.TimeBase)
			require.Equal(t, int64(i)*1024, f.PTS)
		} else {
			require.Equal(t, timebase.New(1, 48000), f.TimeBase)
		}
	}

	// gap-free and duplicate-free across the rate switch: deltas are
	// exactly one frame of samples after the change
	for i := 11; i < 20; i++ {
		require.Equal(t, int64(1024), frames[i].PTS-frames[i-1].PTS)
	}
	// the boundary frame continues within one sample of the previous
	// frame's end
	prevEnd := float64(frames[9].PTS+1024) / 44100
	gotStart := float64(frames[10].PTS) / 48000
	require.InDelta(t, prevEnd, gotStart, 1.0/44100)
}

func TestAudioPTSSynthesisOnMissingTimestamps(t *testing.T) {
	params := &avio.StreamParams{
		Index:     0,
		MediaType: types.MediaTypeAudio,
		TimeBase:  timebase.New(1, 48000),
	}
	codec := &aviotest.Decoder{Name: "pcm", DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
		f := frame.Pool.Get()
		f.TimeBase = pkt.TimeBase
		f.SampleRate = 48000
		f.NbSamples = 960
		return []*frame.Frame{f}
	}}

	var pkts []*packet.Packet
	for i := 0; i < 5; i++ {
		pkts = append(pkts, audioPacket(timebase.NoPTS, timebase.New(1, 48000)))
	}

	frames := runDecoder(t, Config{Params: params, Codec: codec}, pkts)
	require.Len(t, frames, 5)
	for i, f := range frames {
		require.Equal(t, int64(i)*960, f.PTS)
		require.Equal(t, timebase.New(1, 48000), f.TimeBase)
	}
}

func videoParams() *avio.StreamParams {
	return &avio.StreamParams{
		Index:     0,
		MediaType: types.MediaTypeVideo,
		TimeBase:  timebase.New(1, 1000),
	}
}

func TestVideoPTSExtrapolation(t *testing.T) {
	// best-effort timestamps missing: pts are extrapolated from the
	// previous frame's duration estimate
	codec := &aviotest.Decoder{Name: "h264", DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
		f := frame.Pool.Get()
		f.BestEffortTimestamp = timebase.NoPTS
		f.Duration = 40
		f.TimeBase = pkt.TimeBase
		return []*frame.Frame{f}
	}}

	var pkts []*packet.Packet
	for i := int64(0); i < 4; i++ {
		pkts = append(pkts, audioPacket(i*40, timebase.New(1, 1000)))
	}

	frames := runDecoder(t, Config{Params: videoParams(), Codec: codec}, pkts)
	require.Len(t, frames, 4)
	for i, f := range frames {
		require.Equal(t, int64(i)*40, f.PTS)
	}
}

func TestVideoForcedFramerate(t *testing.T) {
	codec := &aviotest.Decoder{Name: "h264", DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
		f := frame.Pool.Get()
		f.BestEffortTimestamp = pkt.PTS
		f.TimeBase = pkt.TimeBase
		return []*frame.Frame{f}
	}}

	// wildly uneven container timestamps must be ignored
	var pkts []*packet.Packet
	for _, ts := range []int64{0, 17, 1003, 1004} {
		pkts = append(pkts, audioPacket(ts, timebase.New(1, 1000)))
	}

	frames := runDecoder(t, Config{
		Params:    videoParams(),
		Codec:     codec,
		Framerate: timebase.New(25, 1),
	}, pkts)

	require.Len(t, frames, 4)
	for i, f := range frames {
		require.Equal(t, int64(i), f.PTS)
		require.Equal(t, timebase.New(1, 25), f.TimeBase)
		require.Equal(t, int64(1), f.Duration)
	}
}

func TestVideoDurationFromCodecWhenTSUnreliable(t *testing.T) {
	codec := &aviotest.Decoder{
		Name:        "mpeg4",
		ParamsValue: avio.DecoderParams{Framerate: timebase.New(25, 1)},
		DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
			f := frame.Pool.Get()
			f.BestEffortTimestamp = pkt.PTS
			// a made-up container duration that must lose against the
			// codec frame rate
			f.Duration = 7
			f.TimeBase = pkt.TimeBase
			return []*frame.Frame{f}
		},
	}

	pkts := []*packet.Packet{
		audioPacket(0, timebase.New(1, 1000)),
		audioPacket(timebase.NoPTS, timebase.New(1, 1000)),
	}

	frames := runDecoder(t, Config{
		Params:       videoParams(),
		Codec:        codec,
		TSUnreliable: true,
	}, pkts)

	require.Len(t, frames, 2)
	// codec duration: (repeat_pict+2) fields at 50 fields/s = 40ms
	require.Equal(t, int64(40), frames[1].PTS-frames[0].PTS)
}

func TestVideoDurationFromPTSDiffWhenCodecFramerateUnknown(t *testing.T) {
	codec := &aviotest.Decoder{
		Name: "mpeg4",
		DecodeFunc: func(pkt *packet.Packet) []*frame.Frame {
			f := frame.Pool.Get()
			f.BestEffortTimestamp = pkt.PTS
			f.TimeBase = pkt.TimeBase
			return []*frame.Frame{f}
		},
	}

	// untrustworthy container timestamps and no codec frame rate: the
	// pts difference between the first two frames drives the
	// extrapolation of the third
	pkts := []*packet.Packet{
		audioPacket(0, timebase.New(1, 1000)),
		audioPacket(1000, timebase.New(1, 1000)),
		audioPacket(timebase.NoPTS, timebase.New(1, 1000)),
	}

	frames := runDecoder(t, Config{
		Params:       videoParams(),
		Codec:        codec,
		TSUnreliable: true,
	}, pkts)

	require.Len(t, frames, 3)
	require.Equal(t, int64(2000), frames[2].PTS)
}

func TestFixSubDuration(t *testing.T) {
	params := &avio.StreamParams{
		Index:     0,
		MediaType: types.MediaTypeSubtitle,
		TimeBase:  timebase.New(1, 1000),
	}
	codec := &aviotest.SubtitleDecoder{
		Decoder:      aviotest.Decoder{Name: "subrip"},
		DefaultEndMS: 10_000,
	}

	pkts := []*packet.Packet{
		audioPacket(0, timebase.New(1, 1000)),
		audioPacket(2000, timebase.New(1, 1000)),
		audioPacket(5000, timebase.New(1, 1000)),
	}

	frames := runDecoder(t, Config{
		Params:         params,
		Codec:          codec,
		FixSubDuration: true,
	}, pkts)

	require.Len(t, frames, 3)
	// each datum's display time is capped at the next datum's start
	require.Equal(t, uint32(2000), frames[0].Subtitle.EndDisplayTime)
	require.Equal(t, uint32(3000), frames[1].Subtitle.EndDisplayTime)
	// the last one is flushed at EOF with its original duration
	require.Equal(t, uint32(10_000), frames[2].Subtitle.EndDisplayTime)
}

func TestLoopFlushKeepsOutputOpen(t *testing.T) {
	ctx := context.Background()
	codec := &aviotest.Decoder{Name: "h264"}

	in := queue.New[*packet.Packet](8)
	d, err := New(ctx, Config{Params: videoParams(), Codec: codec, In: in})
	require.NoError(t, err)
	out := queue.New[*frame.Frame](8)
	d.ConnectOutput(out)

	require.NoError(t, in.Put(ctx, audioPacket(0, timebase.New(1, 1000))))
	marker := packet.Pool.Get()
	marker.OpaqueData().LoopFlush = true
	require.NoError(t, in.Put(ctx, marker))
	require.NoError(t, in.Put(ctx, audioPacket(1000, timebase.New(1, 1000))))
	in.Finish()

	require.NoError(t, d.Run(ctx))

	var n int
	for {
		_, err := out.Get(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	// both frames flow; the edge only finishes at real EOF
	require.Equal(t, 2, n)
}
