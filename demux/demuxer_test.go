package demux

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/avio/aviotest"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

func videoStreamParams(idx int) *avio.StreamParams {
	return &avio.StreamParams{
		Index:       idx,
		CodecID:     "rawvideo",
		MediaType:   types.MediaTypeVideo,
		TimeBase:    timebase.New(1, 1000),
		PTSWrapBits: 64,
	}
}

func drain(t *testing.T, edge *queue.Queue[*packet.Packet]) []*packet.Packet {
	t.Helper()
	ctx := context.Background()
	var out []*packet.Packet
	for {
		pkt, err := edge.Get(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, pkt)
	}
}

func TestDiscontinuityAbsorbedOnDiscontContainer(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	// a +10s jump in the middle of an otherwise steady 3000-tick cadence
	in := []int64{0, 3000, 6000, 16000, 19000, 22000}
	var pkts []aviotest.PacketSpec
	for _, ts := range in {
		pkts = append(pkts, aviotest.PacketSpec{
			PTS: ts, DTS: ts, Duration: 3000, TimeBase: tb, Data: []byte{0},
		})
	}
	reader := aviotest.NewReader("discont.ts", []*avio.StreamParams{videoStreamParams(0)}, pkts)
	reader.Flags = avio.FormatTSDiscont

	d, err := New(ctx, Config{Reader: reader, DTSDeltaThreshold: 1})
	require.NoError(t, err)

	edge := queue.New[*packet.Packet](16)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, edge))
	require.NoError(t, d.Run(ctx))

	var got []int64
	for _, pkt := range drain(t, edge) {
		got = append(got, pkt.PTS)
	}
	require.Equal(t, []int64{0, 3000, 6000, 9000, 12000, 15000}, got)
}

func TestDiscontinuityNulledOnStrictContainer(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	in := []int64{0, 1000, 2000, 2_000_000, 3000}
	var pkts []aviotest.PacketSpec
	for _, ts := range in {
		pkts = append(pkts, aviotest.PacketSpec{
			PTS: ts, DTS: ts, Duration: 1000, TimeBase: tb, Data: []byte{0},
		})
	}
	reader := aviotest.NewReader("strict.mp4", []*avio.StreamParams{videoStreamParams(0)}, pkts)

	d, err := New(ctx, Config{Reader: reader, DTSErrorThreshold: 60})
	require.NoError(t, err)

	edge := queue.New[*packet.Packet](16)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, edge))
	require.NoError(t, d.Run(ctx))

	out := drain(t, edge)
	require.Len(t, out, 5)
	// the wild packet keeps flowing but with its timestamps nulled
	require.Equal(t, timebase.NoPTS, out[3].DTS)
	require.Equal(t, timebase.NoPTS, out[3].PTS)
	// the next in-range packet is untouched
	require.Equal(t, int64(3000), out[4].DTS)
}

func TestStreamLoopOffsets(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 5; i++ {
		pkts = append(pkts, aviotest.PacketSpec{
			PTS: i * 1000, DTS: i * 1000, Duration: 1000, TimeBase: tb, Data: []byte{0},
		})
	}
	reader := aviotest.NewReader("loop.mkv", []*avio.StreamParams{videoStreamParams(0)}, pkts)

	d, err := New(ctx, Config{Reader: reader, LoopCount: 1})
	require.NoError(t, err)

	edge := queue.New[*packet.Packet](32)
	require.NoError(t, d.ConnectStream(0, ModeDecode, edge))
	require.NoError(t, d.Run(ctx))

	var ts []int64
	flushMarkers := 0
	for _, pkt := range drain(t, edge) {
		if pkt.Opaque != nil && pkt.Opaque.LoopFlush {
			flushMarkers++
			continue
		}
		ts = append(ts, pkt.PTS)
	}

	require.Equal(t, 1, flushMarkers)
	require.Len(t, ts, 10)
	// the second play continues where the first one ended
	require.Equal(t, int64(5000), ts[5])
	for i := 1; i < len(ts); i++ {
		require.Greater(t, ts[i], ts[i-1])
	}
	require.Equal(t, []int64{0}, reader.Seeks())
}

func TestStreamLoopAudioDecoderDurationPrecedence(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	audioParams := &avio.StreamParams{
		Index:       1,
		CodecID:     "aac",
		MediaType:   types.MediaTypeAudio,
		TimeBase:    tb,
		PTSWrapBits: 64,
	}

	// the container made the video durations up; with an audio decoder
	// attached the loop offset must come from the audio span alone
	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 4; i++ {
		pkts = append(pkts,
			aviotest.PacketSpec{StreamIndex: 0, PTS: i * 1000, DTS: i * 1000,
				Duration: 10000, TimeBase: tb, Data: []byte{0}},
			aviotest.PacketSpec{StreamIndex: 1, PTS: i * 1000, DTS: i * 1000,
				Duration: 1000, TimeBase: tb, Data: []byte{0}},
		)
	}
	reader := aviotest.NewReader("loop.mkv",
		[]*avio.StreamParams{videoStreamParams(0), audioParams}, pkts)

	d, err := New(ctx, Config{Reader: reader, LoopCount: 1})
	require.NoError(t, err)

	videoEdge := queue.New[*packet.Packet](64)
	audioEdge := queue.New[*packet.Packet](64)
	require.NoError(t, d.ConnectStream(0, ModeDecode, videoEdge))
	require.NoError(t, d.ConnectStream(1, ModeDecode, audioEdge))
	require.NoError(t, d.Run(ctx))

	var audioTS []int64
	for _, pkt := range drain(t, audioEdge) {
		if pkt.Opaque != nil && pkt.Opaque.LoopFlush {
			continue
		}
		audioTS = append(audioTS, pkt.PTS)
	}
	require.Len(t, audioTS, 8)
	// the second play continues right after the audio span, untouched
	// by the made-up video packet durations
	require.Equal(t, int64(4000), audioTS[4])
	drain(t, videoEdge)
}

func TestFanOutReleasesAllCopiesOnFatalError(t *testing.T) {
	ctx := context.Background()

	reader := aviotest.NewReader("fatal.mkv", []*avio.StreamParams{videoStreamParams(0)}, nil)
	d, err := New(ctx, Config{Reader: reader})
	require.NoError(t, err)

	dead := queue.New[*packet.Packet](1)
	dead.Cancel()
	alive := queue.New[*packet.Packet](1)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, dead))
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, alive))

	resets := 0
	origReset := packet.Pool.ResetFunc
	packet.Pool.ResetFunc = func(p *packet.Packet) {
		resets++
		origReset(p)
	}
	defer func() { packet.Pool.ResetFunc = origReset }()

	pkt := packet.Pool.Get()
	pkt.StreamIndex = 0
	pkt.PTS = 0
	pkt.DTS = 0
	pkt.TimeBase = timebase.New(1, 1000)
	pkt.SetData([]byte{0})

	err = d.fanOut(ctx, d.streams[0], pkt, false)
	require.ErrorIs(t, err, avio.ErrCancelled)
	// both the clone attempted on the dead edge and the original
	// reserved for the remaining edge go back to the pool
	require.Equal(t, 2, resets)
}

func TestRecordingTimeFinishesStreamcopy(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 10; i++ {
		pkts = append(pkts, aviotest.PacketSpec{
			PTS: i * 1000, DTS: i * 1000, Duration: 1000, TimeBase: tb, Data: []byte{0},
		})
	}
	reader := aviotest.NewReader("cut.mkv", []*avio.StreamParams{videoStreamParams(0)}, pkts)

	d, err := New(ctx, Config{Reader: reader, RecordingTime: 2 * time.Second})
	require.NoError(t, err)

	edge := queue.New[*packet.Packet](32)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, edge))
	require.NoError(t, d.Run(ctx))

	out := drain(t, edge)
	require.Len(t, out, 3)
	last := out[len(out)-1]
	require.NotNil(t, last.Opaque)
	require.True(t, last.Opaque.StreamCopyEOF)
}

func TestSubToVideoHeartbeats(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	subParams := &avio.StreamParams{
		Index:       1,
		CodecID:     "dvb_subtitle",
		MediaType:   types.MediaTypeSubtitle,
		TimeBase:    tb,
		PTSWrapBits: 64,
	}
	pkts := []aviotest.PacketSpec{
		{StreamIndex: 0, PTS: 0, DTS: 0, Duration: 1000, TimeBase: tb, Data: []byte{0}},
		{StreamIndex: 0, PTS: 1000, DTS: 1000, Duration: 1000, TimeBase: tb, Data: []byte{0}},
	}
	reader := aviotest.NewReader("subs.ts",
		[]*avio.StreamParams{videoStreamParams(0), subParams}, pkts)

	d, err := New(ctx, Config{
		Reader:  reader,
		Streams: map[int]StreamConfig{1: {SubToVideo: true}},
	})
	require.NoError(t, err)

	videoEdge := queue.New[*packet.Packet](16)
	subEdge := queue.New[*packet.Packet](16)
	require.NoError(t, d.ConnectStream(0, ModeDecode, videoEdge))
	require.NoError(t, d.ConnectStream(1, ModeDecode, subEdge))
	require.NoError(t, d.Run(ctx))

	heartbeats := drain(t, subEdge)
	require.Len(t, heartbeats, 2)
	for i, hb := range heartbeats {
		require.NotNil(t, hb.Opaque)
		require.True(t, hb.Opaque.SubHeartbeat)
		require.Equal(t, int64(i)*1000, hb.PTS)
		require.Zero(t, hb.Size())
	}
	require.Len(t, drain(t, videoEdge), 2)
}

func TestBitstreamFilterChain(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	var pkts []aviotest.PacketSpec
	for i := int64(0); i < 3; i++ {
		pkts = append(pkts, aviotest.PacketSpec{
			PTS: i * 1000, DTS: i * 1000, Duration: 1000, TimeBase: tb, Data: []byte{1, 2, 3},
		})
	}
	reader := aviotest.NewReader("bsf.h264", []*avio.StreamParams{videoStreamParams(0)}, pkts)

	bsf := &aviotest.BSF{Name: "mark_key", TBIn: tb, TransformFunc: func(pkt *packet.Packet) []*packet.Packet {
		out := packet.CloneAsReferenced(pkt)
		out.Flags |= packet.FlagKey
		return []*packet.Packet{out}
	}}

	d, err := New(ctx, Config{
		Reader:  reader,
		Streams: map[int]StreamConfig{0: {BSF: bsf}},
	})
	require.NoError(t, err)

	edge := queue.New[*packet.Packet](16)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, edge))
	require.NoError(t, d.Run(ctx))

	out := drain(t, edge)
	require.Len(t, out, 3)
	for _, pkt := range out {
		require.True(t, pkt.Flags.Has(packet.FlagKey))
	}
}

func TestAttachedPictureSentEagerly(t *testing.T) {
	ctx := context.Background()
	tb := timebase.New(1, 1000)

	cover := packet.Pool.Get()
	cover.PTS = 0
	cover.DTS = 0
	cover.TimeBase = tb
	cover.SetData([]byte("png"))
	coverParams := &avio.StreamParams{
		Index:       1,
		CodecID:     "png",
		MediaType:   types.MediaTypeVideo,
		TimeBase:    tb,
		Disposition: avio.DispositionAttachedPic,
		PTSWrapBits: 64,
	}
	coverParams.AttachedPicture = cover

	pkts := []aviotest.PacketSpec{
		{StreamIndex: 0, PTS: 0, DTS: 0, Duration: 1000, TimeBase: tb, Data: []byte{0}},
	}
	reader := aviotest.NewReader("cover.mp3",
		[]*avio.StreamParams{videoStreamParams(0), coverParams}, pkts)

	d, err := New(ctx, Config{Reader: reader})
	require.NoError(t, err)

	mainEdge := queue.New[*packet.Packet](16)
	coverEdge := queue.New[*packet.Packet](16)
	require.NoError(t, d.ConnectStream(0, ModeStreamCopy, mainEdge))
	require.NoError(t, d.ConnectStream(1, ModeStreamCopy, coverEdge))
	require.NoError(t, d.Run(ctx))

	covers := drain(t, coverEdge)
	require.Len(t, covers, 1)
	require.Equal(t, []byte("png"), covers[0].Data())
	require.Equal(t, 1, covers[0].StreamIndex)
}
