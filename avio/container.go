package avio

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// FormatFlags describe properties of a container format that affect
// timestamp handling.
type FormatFlags uint32

const (
	// FormatNoTimestamps: the container carries no real timestamps;
	// durations reported by it are made up.
	FormatNoTimestamps FormatFlags = 1 << iota
	// FormatTSDiscont: the format permits timestamp discontinuities
	// (e.g. MPEG-TS); the demuxer may correct jumps by offsetting.
	FormatTSDiscont
	// FormatSeekToPTS: seeking addresses pts rather than dts.
	FormatSeekToPTS
	// FormatNeedsNumber: the URL is a sequence pattern requiring a number.
	FormatNeedsNumber
	// FormatNoStreams: streams may appear only after reading packets.
	FormatNoStreams
)

func (f FormatFlags) Has(flag FormatFlags) bool {
	return f&flag != 0
}

// Disposition is the per-stream disposition bitset.
type Disposition uint32

const (
	DispositionDefault Disposition = 1 << iota
	DispositionAttachedPic
	DispositionForced
	DispositionComment
)

func (d Disposition) Has(flag Disposition) bool {
	return d&flag != 0
}

// StreamParams is the codec-parameters snapshot of one elementary
// stream as exposed by a container.
type StreamParams struct {
	Index       int
	ID          int
	CodecID     string
	MediaType   types.MediaType
	TimeBase    timebase.Rational
	Disposition Disposition
	Metadata    map[string]string
	ExtraData   []byte

	// audio
	SampleRate    int
	FrameSize     int
	ChannelLayout string
	SampleFormat  string

	// video
	Width             int
	Height            int
	PixelFormat       string
	SampleAspectRatio timebase.Rational
	AvgFrameRate      timebase.Rational
	Framerate         timebase.Rational
	VideoDelay        int

	// PTSWrapBits is the wrap period of this stream's timestamps,
	// in bits; 64 means no wrapping.
	PTSWrapBits int

	// AttachedPicture holds the single coded picture of an
	// attached-pic stream (cover art), delivered eagerly at open.
	AttachedPicture *packet.Packet
}

func (p *StreamParams) String() string {
	return fmt.Sprintf("stream#%d[%s/%s]", p.Index, p.MediaType, p.CodecID)
}

// SeekFlags modify Seek behaviour.
type SeekFlags uint32

const (
	SeekFlagBackward SeekFlags = 1 << iota
	SeekFlagByte
	SeekFlagAny
)

// ContainerReader is the demuxer's view of a container. ReadPacket
// returns io.EOF at end of input and ErrAgain when a transient retry
// is wanted.
type ContainerReader interface {
	fmt.Stringer
	Streams() []*StreamParams
	FormatFlags() FormatFlags
	// StartTime is the container start time in timebase.TimeBaseQ
	// units, timebase.NoPTS when unknown.
	StartTime() int64
	ReadPacket(ctx context.Context, pkt *packet.Packet) error
	Seek(ctx context.Context, streamIndex int, tsMin, ts, tsMax int64, flags SeekFlags) error
	Close(ctx context.Context) error
}

// ContainerWriter is the muxer's view of a container. WritePacket
// expects monotonic dts per stream; the adapter is allowed to enforce
// it again at its own layer.
type ContainerWriter interface {
	fmt.Stringer
	AddStream(ctx context.Context, params *StreamParams) (int, error)
	// StreamTimeBase is the time base the writer chose for a stream;
	// valid after WriteHeader.
	StreamTimeBase(streamIndex int) timebase.Rational
	WriteHeader(ctx context.Context, opts types.DictionaryItems) error
	WritePacket(ctx context.Context, pkt *packet.Packet) error
	WriteTrailer(ctx context.Context) error
	Close(ctx context.Context) error
}
