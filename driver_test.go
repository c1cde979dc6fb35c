package avdriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/avio/aviotest"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

func videoParams(idx int, tb timebase.Rational) *avio.StreamParams {
	return &avio.StreamParams{
		Index:       idx,
		CodecID:     "rawvideo",
		MediaType:   types.MediaTypeVideo,
		TimeBase:    tb,
		PTSWrapBits: 64,
	}
}

func audioParams(idx int, tb timebase.Rational) *avio.StreamParams {
	return &avio.StreamParams{
		Index:       idx,
		CodecID:     "pcm_s16le",
		MediaType:   types.MediaTypeAudio,
		TimeBase:    tb,
		SampleRate:  48000,
		FrameSize:   1024,
		PTSWrapBits: 64,
	}
}

func copySpec(stream int, ts, dur int64, tb timebase.Rational) aviotest.PacketSpec {
	return aviotest.PacketSpec{
		StreamIndex: stream,
		PTS:         ts,
		DTS:         ts,
		Duration:    dur,
		TimeBase:    tb,
		Data:        []byte{0x42},
	}
}

func runToCompletion(t *testing.T, ctx context.Context, p *Pipeline) {
	t.Helper()
	require.NoError(t, p.Run(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Close(ctx))
}

func TestStreamCopyKeepsTimestamps(t *testing.T) {
	ctx := context.Background()
	vtb := timebase.New(1, 15000)
	atb := timebase.New(1, 48000)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 100; i++ {
		pkts = append(pkts,
			copySpec(0, i*500, 500, vtb),
			copySpec(1, i*1024, 1024, atb),
		)
	}
	reader := aviotest.NewReader("in.mkv",
		[]*avio.StreamParams{videoParams(0, vtb), audioParams(1, atb)}, pkts)
	writer := aviotest.NewWriter("out.mkv")

	p, err := New(ctx, Config{
		Inputs: []InputConfig{{Reader: reader}},
		Outputs: []OutputConfig{{
			Writer: writer,
			Streams: []OutputStreamConfig{
				{Source: StreamRef{Input: 0, Stream: 0}},
				{Source: StreamRef{Input: 0, Stream: 1}},
			},
		}},
	})
	require.NoError(t, err)
	runToCompletion(t, ctx, p)

	video := writer.StreamPackets(0)
	require.Len(t, video, 100)
	for i, pkt := range video {
		require.Equal(t, int64(i)*500, pkt.PTS)
		require.Equal(t, vtb, pkt.TimeBase)
		if i > 0 {
			require.Greater(t, pkt.DTS, video[i-1].DTS)
		}
	}
	require.Len(t, writer.StreamPackets(1), 100)
	require.True(t, writer.TrailerWritten())

	st := p.Stats()
	require.Equal(t, uint64(200), st.InPackets)
	require.Equal(t, uint64(200), st.OutPackets)
	require.Zero(t, st.InErrors)
}

func TestTranscodeThroughFilterIntoEncoderTimeBase(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 25)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 10; i++ {
		pkts = append(pkts, copySpec(0, i, 1, tb))
	}
	reader := aviotest.NewReader("in.mp4",
		[]*avio.StreamParams{videoParams(0, tb)}, pkts)
	writer := aviotest.NewWriter("out.mp4")
	writer.TimeBases = map[int]timebase.Rational{0: timebase.New(1, 1000)}

	p, err := New(ctx, Config{
		Inputs: []InputConfig{{
			Reader: reader,
			Streams: map[int]InputStreamConfig{
				0: {Decoder: &aviotest.Decoder{Name: "rawvideo"}},
			},
		}},
		Outputs: []OutputConfig{{
			Writer: writer,
			Streams: []OutputStreamConfig{{
				Source:  StreamRef{Input: 0, Stream: 0},
				Encoder: &aviotest.Encoder{Name: "h264", TB: timebase.New(1, 90000)},
				Filter:  &aviotest.FilterGraph{Name: "scale"},
			}},
		}},
	})
	require.NoError(t, err)
	runToCompletion(t, ctx, p)

	out := writer.Packets()
	require.Len(t, out, 10)
	for i, pkt := range out {
		// 1/25 -> 1/90000 in the encoder, 1/90000 -> 1/1000 at the muxer
		require.Equal(t, int64(i)*40, pkt.PTS)
		require.Equal(t, int64(i)*40, pkt.DTS)
		require.Equal(t, timebase.New(1, 1000), pkt.TimeBase)
	}
	require.True(t, writer.TrailerWritten())
	require.Equal(t, uint64(10), p.Stats().DecodedFrames)
}

func TestShortestFinishesWithTheShortestStream(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	// 10s of video against 3s of audio
	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 100; i++ {
		pkts = append(pkts, copySpec(0, i*100, 100, tb))
		if i < 30 {
			pkts = append(pkts, copySpec(1, i*100, 100, tb))
		}
	}
	reader := aviotest.NewReader("in.mkv",
		[]*avio.StreamParams{videoParams(0, tb), audioParams(1, tb)}, pkts)
	writer := aviotest.NewWriter("out.mkv")

	p, err := New(ctx, Config{
		Inputs: []InputConfig{{Reader: reader}},
		Outputs: []OutputConfig{{
			Writer:   writer,
			Shortest: true,
			Streams: []OutputStreamConfig{
				{Source: StreamRef{Input: 0, Stream: 0}},
				{Source: StreamRef{Input: 0, Stream: 1}},
			},
		}},
	})
	require.NoError(t, err)
	runToCompletion(t, ctx, p)

	video := writer.StreamPackets(0)
	require.Len(t, video, 30)
	for _, pkt := range video {
		require.LessOrEqual(t, pkt.PTS, int64(2900))
	}
	require.Len(t, writer.StreamPackets(1), 30)
	require.True(t, writer.TrailerWritten())
}

func TestShortestAcrossTwoInputs(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	// input A: 10s of video; input B: 3s of audio
	var vpkts, apkts []aviotest.PacketSpec
	for i := int64(0); i < 100; i++ {
		vpkts = append(vpkts, copySpec(0, i*100, 100, tb))
		if i < 30 {
			apkts = append(apkts, copySpec(0, i*100, 100, tb))
		}
	}
	readerA := aviotest.NewReader("a.mkv",
		[]*avio.StreamParams{videoParams(0, tb)}, vpkts)
	readerB := aviotest.NewReader("b.mkv",
		[]*avio.StreamParams{audioParams(0, tb)}, apkts)
	writer := aviotest.NewWriter("out.mkv")

	p, err := New(ctx, Config{
		Inputs: []InputConfig{{Reader: readerA}, {Reader: readerB}},
		Outputs: []OutputConfig{{
			Writer:   writer,
			Shortest: true,
			Streams: []OutputStreamConfig{
				{Source: StreamRef{Input: 0, Stream: 0}},
				{Source: StreamRef{Input: 1, Stream: 0}},
			},
		}},
	})
	require.NoError(t, err)
	runToCompletion(t, ctx, p)

	for _, pkt := range writer.StreamPackets(0) {
		require.LessOrEqual(t, pkt.PTS, int64(2900))
	}
	require.Len(t, writer.StreamPackets(0), 30)
	require.Len(t, writer.StreamPackets(1), 30)
	require.True(t, writer.TrailerWritten())
}

func TestCancelAbandonsOutputWithoutTrailer(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 50; i++ {
		pkts = append(pkts, copySpec(0, i*100, 100, tb))
	}
	reader := aviotest.NewReader("endless.ts",
		[]*avio.StreamParams{videoParams(0, tb)}, pkts)
	writer := aviotest.NewWriter("out.ts")

	p, err := New(ctx, Config{
		Inputs: []InputConfig{{Reader: reader, LoopCount: -1}},
		Outputs: []OutputConfig{{
			Writer:  writer,
			Streams: []OutputStreamConfig{{Source: StreamRef{Input: 0, Stream: 0}}},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx))

	time.Sleep(100 * time.Millisecond)
	p.Cancel(ctx)

	started := time.Now()
	require.ErrorIs(t, p.Wait(ctx), avio.ErrCancelled)
	require.Less(t, time.Since(started), time.Second)

	require.False(t, writer.TrailerWritten())
	require.NoError(t, p.Close(ctx))
}
