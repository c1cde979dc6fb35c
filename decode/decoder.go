// Package decode turns a queue of coded packets into queues of frames
// with synthesised, coherent timestamps: audio timestamps are
// regenerated across sample-rate changes, video durations are
// estimated from a heuristic chain, and subtitle datums get their
// display durations fixed up before rasterisation.
package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xaionaro-go/typing"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// Config configures one decoding stream.
type Config struct {
	// Params is the input stream the packets come from.
	Params *avio.StreamParams
	// Codec is the decoder black box.
	Codec avio.Decoder
	// In is the packet edge fed by the demuxer.
	In *queue.Queue[*packet.Packet]

	// Framerate forces a fixed video frame rate: decoded frames get
	// pts synthesised at this cadence instead of container timestamps.
	Framerate timebase.Rational
	// TopFieldFirst overrides the interlacing flag on decoded frames.
	TopFieldFirst typing.Optional[bool]
	// SampleAspectRatio overrides the frame SAR when valid.
	SampleAspectRatio timebase.Rational
	// TSUnreliable marks containers whose durations are made up
	// (affects the video duration heuristics).
	TSUnreliable bool
	// FixSubDuration delays each subtitle by one datum and caps its
	// display time at the next datum's start.
	FixSubDuration bool
	// AttachFrameData asks for a FrameData record on every output
	// frame (frame index, original pts and time base).
	AttachFrameData bool

	ExitOnError bool
	DebugTS     bool
}

// StreamStats is the decoder counters snapshot; read it only after the
// scheduler's Wait returned.
type StreamStats struct {
	Frames uint64
	Errors uint64
}

// Decoder is the per-decoded-stream pipeline node.
type Decoder struct {
	Config

	outs []*queue.Queue[*frame.Frame]

	// frameNum counts frames the codec produced.
	frameNum uint64
	nbErrors uint64

	// shared timestamp history (audio and video use it differently)
	lastFramePTS         int64
	lastFrameTB          timebase.Rational
	lastFrameDurationEst int64

	// audio
	lastFrameSampleRate      int
	filterInRescaleDeltaLast int64

	// fix_sub_duration holds one subtitle back
	prevSub *frame.Frame
}

// New binds a decoder node to an open codec handle.
func New(ctx context.Context, cfg Config) (*Decoder, error) {
	if cfg.Codec == nil {
		return nil, errors.New("decode: a codec is required")
	}
	if cfg.In == nil {
		return nil, errors.New("decode: an input edge is required")
	}
	if cfg.Params.MediaType == types.MediaTypeSubtitle {
		if _, ok := cfg.Codec.(avio.SubtitleDecoder); !ok {
			return nil, fmt.Errorf("decode: codec %s cannot decode subtitles", cfg.Codec)
		}
	}
	return &Decoder{
		Config:                   cfg,
		lastFramePTS:             timebase.NoPTS,
		lastFrameTB:              timebase.New(1, 1),
		filterInRescaleDeltaLast: timebase.NoPTS,
	}, nil
}

func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder(%s/%s)", d.Params, d.Codec)
}

// ConnectOutput registers a downstream frame edge; a decoder may fan
// out to multiple filter-graph inputs.
func (d *Decoder) ConnectOutput(edge *queue.Queue[*frame.Frame]) {
	d.outs = append(d.outs, edge)
}

// Stats returns the decode counters.
func (d *Decoder) Stats() StreamStats {
	return StreamStats{Frames: d.frameNum, Errors: d.nbErrors}
}

// Run is the decoder worker loop: packets in, frames out, flush on
// EOF. A loop-flush marker drains and resets the codec without
// propagating EOF downstream.
func (d *Decoder) Run(ctx context.Context) error {
	for {
		pkt, err := d.In.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return d.flush(ctx, true)
		default:
			return err
		}

		if pkt.Opaque != nil && pkt.Opaque.LoopFlush {
			packet.Pool.Put(pkt)
			if err := d.flush(ctx, false); err != nil {
				return err
			}
			continue
		}
		if pkt.Opaque != nil && pkt.Opaque.SubHeartbeat {
			err := d.forwardHeartbeat(ctx, pkt)
			packet.Pool.Put(pkt)
			if err != nil {
				return err
			}
			continue
		}

		err = d.processPacket(ctx, pkt)
		packet.Pool.Put(pkt)
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) processPacket(ctx context.Context, pkt *packet.Packet) error {
	if d.Params.MediaType == types.MediaTypeSubtitle {
		return d.decodeSubtitle(ctx, pkt)
	}

	if err := d.Codec.SendPacket(ctx, pkt); err != nil {
		d.nbErrors++
		logger.Warnf(ctx, "%s: error while decoding a packet (dts=%d): %v", d, pkt.DTS, err)
		if d.ExitOnError {
			return fmt.Errorf("decoding on %s: %w", d.Params, err)
		}
		return nil
	}
	return d.receiveFrames(ctx, false)
}

// receiveFrames drains the codec. In flush mode io.EOF ends the drain;
// otherwise ErrAgain does.
func (d *Decoder) receiveFrames(ctx context.Context, flushing bool) error {
	for {
		f := frame.Pool.Get()
		err := d.Codec.ReceiveFrame(ctx, f)
		switch {
		case err == nil:
		case errors.Is(err, avio.ErrAgain), errors.Is(err, io.EOF):
			frame.Pool.Put(f)
			return nil
		default:
			frame.Pool.Put(f)
			d.nbErrors++
			logger.Warnf(ctx, "%s: error while receiving a frame: %v", d, err)
			if d.ExitOnError || !flushing {
				return fmt.Errorf("receiving a frame on %s: %w", d.Params, err)
			}
			return nil
		}

		if err := d.processFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (d *Decoder) processFrame(ctx context.Context, f *frame.Frame) error {
	if f.Flags.Has(frame.FlagCorrupt) {
		if d.ExitOnError {
			frame.Pool.Put(f)
			return fmt.Errorf("%w: corrupt decoded frame on %s", avio.ErrInvalidData, d.Params)
		}
		logger.Warnf(ctx, "%s: corrupt decoded frame", d)
		d.nbErrors++
	}

	d.frameNum++
	if f.MediaType == types.MediaTypeUnknown {
		f.MediaType = d.Params.MediaType
	}

	switch d.Params.MediaType {
	case types.MediaTypeAudio:
		d.audioTSProcess(ctx, f)
	case types.MediaTypeVideo:
		if err := d.videoFrameProcess(ctx, f); err != nil {
			frame.Pool.Put(f)
			return err
		}
	}

	if d.AttachFrameData {
		fd := f.OpaqueData()
		fd.FrameIndex = int64(d.frameNum) - 1
		fd.FramePTS = f.PTS
		fd.FrameTimeBase = f.TimeBase
	}
	f.OpaqueData().Wallclock[packet.LatencyProbeDecode] = time.Now()

	if d.DebugTS {
		logger.Debugf(ctx, "decoder -> %s frame_pts:%d frame_pts_time:%.6f tb:%s",
			d.Params, f.PTS, float64(f.PTS)*f.TimeBase.Float64(), f.TimeBase)
	}

	return d.fanOut(ctx, f)
}

// fanOut delivers a frame to every downstream filter input; all but
// the last receive payload-sharing clones.
func (d *Decoder) fanOut(ctx context.Context, f *frame.Frame) error {
	if len(d.outs) == 0 {
		frame.Pool.Put(f)
		return nil
	}
	for i, out := range d.outs {
		fr := f
		if i < len(d.outs)-1 {
			fr = frame.CloneAsReferenced(f)
		}
		if err := out.Put(ctx, fr); err != nil {
			frame.Pool.Put(fr)
			if errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
	}
	return nil
}

// flush drains the codec's delayed frames. propagateEOF finishes the
// output edges; a stream-loop flush instead resets the codec and keeps
// the edges open.
func (d *Decoder) flush(ctx context.Context, propagateEOF bool) error {
	if d.Params.MediaType == types.MediaTypeSubtitle {
		if err := d.flushSubtitles(ctx); err != nil {
			return err
		}
	} else {
		if err := d.Codec.SendPacket(ctx, nil); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("flushing %s: %w", d, err)
		}
		if err := d.receiveFrames(ctx, true); err != nil {
			return err
		}
	}

	if !propagateEOF {
		return d.Codec.Flush(ctx)
	}
	for _, out := range d.outs {
		out.Finish()
	}
	return nil
}

// forwardHeartbeat converts a demuxer heartbeat packet into a
// heartbeat frame so the downstream rasteriser can extend the last
// subtitle canvas.
func (d *Decoder) forwardHeartbeat(ctx context.Context, pkt *packet.Packet) error {
	f := frame.Pool.Get()
	f.MediaType = types.MediaTypeSubtitle
	f.PTS = pkt.PTS
	f.TimeBase = pkt.TimeBase
	f.OpaqueData().SubHeartbeat = true
	return d.fanOut(ctx, f)
}

func (d *Decoder) decodeSubtitle(ctx context.Context, pkt *packet.Packet) error {
	sd := d.Codec.(avio.SubtitleDecoder)
	f := frame.Pool.Get()
	got, err := sd.DecodeSubtitle(ctx, pkt, f)
	if err != nil {
		frame.Pool.Put(f)
		d.nbErrors++
		logger.Warnf(ctx, "%s: error while decoding a subtitle (pts=%d): %v", d, pkt.PTS, err)
		if d.ExitOnError {
			return fmt.Errorf("decoding a subtitle on %s: %w", d.Params, err)
		}
		return nil
	}
	if !got {
		frame.Pool.Put(f)
		return nil
	}
	f.MediaType = types.MediaTypeSubtitle
	d.frameNum++
	return d.processSubtitle(ctx, f)
}

// processSubtitle applies fix_sub_duration (holding each datum back by
// one) and sends the result downstream.
func (d *Decoder) processSubtitle(ctx context.Context, f *frame.Frame) error {
	if !d.FixSubDuration {
		return d.fanOut(ctx, f)
	}

	out := d.prevSub
	d.prevSub = f

	if out == nil {
		return nil
	}
	if out.Subtitle != nil && f.PTS != timebase.NoPTS && out.PTS != timebase.NoPTS {
		endMS := timebase.RescaleQ(f.PTS-out.PTS, f.TimeBase, timebase.New(1, 1000))
		if endMS < int64(out.Subtitle.EndDisplayTime) {
			if endMS <= 0 {
				// the fixed duration collapsed to nothing
				frame.Pool.Put(out)
				return nil
			}
			out.Subtitle.EndDisplayTime = uint32(endMS)
		}
	}
	return d.fanOut(ctx, out)
}

func (d *Decoder) flushSubtitles(ctx context.Context) error {
	if d.prevSub == nil {
		return nil
	}
	out := d.prevSub
	d.prevSub = nil
	return d.fanOut(ctx, out)
}
