package avdriver

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/typing"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// DefaultEdgeCapacity is the queue capacity of every dataflow edge
// when Config.EdgeCapacity is left zero.
const DefaultEdgeCapacity = 100

// InputStreamConfig is the per-elementary-stream configuration of one
// input file.
type InputStreamConfig struct {
	// Discard drops the stream entirely.
	Discard bool
	// TSScale multiplies raw input timestamps; 0 means 1.
	TSScale float64
	// BSF is an optional bitstream-filter chain applied on the way out
	// of the demuxer.
	BSF avio.BitstreamFilter

	// Decoder is the open codec handle; required as soon as any output
	// stream maps this stream through an encoder.
	Decoder avio.Decoder

	// Framerate forces a fixed video frame rate (dts prediction in the
	// demuxer, pts synthesis in the decoder).
	Framerate timebase.Rational
	// TopFieldFirst overrides the interlacing flag on decoded frames.
	TopFieldFirst typing.Optional[bool]
	// SampleAspectRatio overrides the frame SAR when valid.
	SampleAspectRatio timebase.Rational

	// FixSubDuration delays each subtitle by one datum and caps its
	// display time at the next datum's start.
	FixSubDuration bool
	// SubToVideo marks a subtitle stream that is rendered onto video;
	// it then receives heartbeats whenever other streams advance.
	SubToVideo bool
	// AttachFrameData asks for a FrameData record on every decoded
	// frame.
	AttachFrameData bool
}

// InputConfig describes one input file.
type InputConfig struct {
	Reader avio.ContainerReader

	// LoopCount is the number of additional plays (0: play once,
	// -1: loop forever).
	LoopCount int

	// ReadRate limits reading to the given multiple of realtime
	// (0: unlimited), after an initial burst of ReadRateInitialBurst
	// seconds.
	ReadRate             float64
	ReadRateInitialBurst float64

	// StartTime seeks the input before reading.
	StartTime typing.Optional[time.Duration]
	// RecordingTime bounds how much input is read (0: unlimited).
	RecordingTime time.Duration
	// InputTSOffset is added to all input timestamps.
	InputTSOffset time.Duration

	// Streams holds per-stream options keyed by input stream index;
	// streams without an entry get the zero value.
	Streams map[int]InputStreamConfig
}

// StreamRef addresses one elementary stream of one input.
type StreamRef struct {
	Input  int
	Stream int
}

func (r StreamRef) String() string {
	return fmt.Sprintf("%d:%d", r.Input, r.Stream)
}

// OutputStreamConfig maps one input stream onto one output stream.
type OutputStreamConfig struct {
	Source StreamRef

	// Params describes the output stream; when nil and the stream is a
	// streamcopy, the input stream parameters are carried over.
	Params *avio.StreamParams

	// Encoder makes this an encoding stream (the source is decoded,
	// optionally filtered, and re-encoded); nil means streamcopy.
	Encoder avio.Encoder

	// Filter is an optional frame filter graph between the decoder and
	// the encoder; it requires Encoder.
	Filter avio.FilterGraph

	// MaxFrames caps how many packets this stream may deliver to the
	// container; 0 means unlimited.
	MaxFrames uint64

	// ForceKeyframes lists presentation times at which the next frame
	// sent to the encoder is forced to be a keyframe.
	ForceKeyframes []time.Duration
}

// OutputConfig describes one output file.
type OutputConfig struct {
	Writer  avio.ContainerWriter
	Streams []OutputStreamConfig

	// Shortest finishes the whole output when its first stream ends,
	// cutting the other streams at the finisher's last timestamp.
	Shortest bool

	// SyncBuffer bounds how many items the output's sync queue may
	// buffer; 0 selects DefaultSyncBuffer.
	SyncBuffer int

	// MuxOpts is passed to the writer's WriteHeader.
	MuxOpts types.DictionaryItems

	// MaxInterleave overrides mux.DefaultMaxInterleave when positive.
	MaxInterleave int
}

// DefaultSyncBuffer is the sync-queue buffer bound when
// OutputConfig.SyncBuffer is left zero.
const DefaultSyncBuffer = 1024

// Config is the whole transcoding job.
type Config struct {
	Inputs  []InputConfig
	Outputs []OutputConfig

	// ExitOnError turns recoverable input errors into fatal ones.
	ExitOnError bool

	// CopyTS keeps input timestamps instead of offsetting them to start
	// at zero; StartAtZero shifts them back when CopyTS is set.
	CopyTS      bool
	StartAtZero bool

	// DTSDeltaThreshold and DTSErrorThreshold are in seconds; zero
	// selects the demuxer defaults.
	DTSDeltaThreshold float64
	DTSErrorThreshold float64

	DebugTS bool

	// WatchdogTimeout overrides the scheduler's deadlock watchdog
	// (0: sched.DefaultWatchdogTimeout, negative: disabled).
	WatchdogTimeout time.Duration

	// EdgeCapacity overrides DefaultEdgeCapacity when positive.
	EdgeCapacity int
}

func (cfg *Config) edgeCapacity() int {
	if cfg.EdgeCapacity > 0 {
		return cfg.EdgeCapacity
	}
	return DefaultEdgeCapacity
}

func (cfg *OutputConfig) syncBuffer() int {
	if cfg.SyncBuffer > 0 {
		return cfg.SyncBuffer
	}
	return DefaultSyncBuffer
}

func (cfg *Config) validate() error {
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("no inputs")
	}
	if len(cfg.Outputs) == 0 {
		return fmt.Errorf("no outputs")
	}
	for i, in := range cfg.Inputs {
		if in.Reader == nil {
			return fmt.Errorf("input #%d has no reader", i)
		}
	}
	for o, out := range cfg.Outputs {
		if out.Writer == nil {
			return fmt.Errorf("output #%d has no writer", o)
		}
		if len(out.Streams) == 0 {
			return fmt.Errorf("output #%d has no streams", o)
		}
		for s, m := range out.Streams {
			if m.Source.Input < 0 || m.Source.Input >= len(cfg.Inputs) {
				return fmt.Errorf("output #%d:%d maps unknown input #%d", o, s, m.Source.Input)
			}
			in := cfg.Inputs[m.Source.Input]
			streams := in.Reader.Streams()
			if m.Source.Stream < 0 || m.Source.Stream >= len(streams) {
				return fmt.Errorf("output #%d:%d maps unknown stream %s", o, s, m.Source)
			}
			if in.Streams[m.Source.Stream].Discard {
				return fmt.Errorf("output #%d:%d maps discarded stream %s", o, s, m.Source)
			}
			if m.Filter != nil && m.Encoder == nil {
				return fmt.Errorf("output #%d:%d has a filter but no encoder", o, s)
			}
			if m.Encoder != nil && in.Streams[m.Source.Stream].Decoder == nil {
				return fmt.Errorf("output #%d:%d needs a decoder on stream %s", o, s, m.Source)
			}
		}
	}
	return nil
}
