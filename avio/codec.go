package avio

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
)

// DecoderParams is what a decoder advertises about itself after open.
type DecoderParams struct {
	PktTimeBase timebase.Rational
	Framerate   timebase.Rational
	HasBFrames  int
	// HWPixelFormat is the pixel format produced when hardware
	// acceleration is engaged; frames in this format are downloaded
	// by the decode stage before filtering.
	HWPixelFormat string
}

// Decoder is the packet→frame codec black box.
//
// SendPacket(nil) starts a flush; ReceiveFrame then drains buffered
// frames until io.EOF. Both sides speak ErrAgain for "feed/drain the
// other side first".
type Decoder interface {
	fmt.Stringer
	Params() DecoderParams
	SendPacket(ctx context.Context, pkt *packet.Packet) error
	ReceiveFrame(ctx context.Context, f *frame.Frame) error
	// Flush resets the codec state without closing it (stream loop).
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// HWFrameDownloader is implemented by decoders that can transfer a
// hardware-surface frame into system memory. The decode stage invokes
// it for frames whose pixel format matches Params().HWPixelFormat.
type HWFrameDownloader interface {
	DownloadFrame(ctx context.Context, f *frame.Frame) error
}

// SubtitleDecoder decodes a subtitle datum synchronously. got reports
// whether the packet produced a subtitle.
type SubtitleDecoder interface {
	DecodeSubtitle(ctx context.Context, pkt *packet.Packet, f *frame.Frame) (got bool, _ error)
}

// Encoder is the frame→packet codec black box, symmetric to Decoder:
// SendFrame(nil) flushes, ReceivePacket drains until io.EOF.
type Encoder interface {
	fmt.Stringer
	TimeBase() timebase.Rational
	SendFrame(ctx context.Context, f *frame.Frame) error
	ReceivePacket(ctx context.Context, pkt *packet.Packet) error
	Close(ctx context.Context) error
}

// BitstreamFilter transforms coded packets in place between the
// demuxer and its consumers (header rewriting and similar).
type BitstreamFilter interface {
	fmt.Stringer
	TimeBaseIn() timebase.Rational
	TimeBaseOut() timebase.Rational
	// SendPacket(nil) flushes the filter.
	SendPacket(ctx context.Context, pkt *packet.Packet) error
	ReceivePacket(ctx context.Context, pkt *packet.Packet) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// FilterGraph is an opaque frame-transformation graph with named-by-
// index input and output pads.
type FilterGraph interface {
	fmt.Stringer
	NumInputs() int
	NumOutputs() int
	// PushFrame feeds a frame into an input pad. keep means the graph
	// must not take ownership (the caller still fans the frame out).
	PushFrame(ctx context.Context, pad int, f *frame.Frame, keep bool) error
	// PushEOF closes an input pad at the given timestamp.
	PushEOF(ctx context.Context, pad int, pts int64, tb timebase.Rational) error
	// PullFrame fetches the next frame of an output pad; ErrAgain when
	// none is ready yet, io.EOF when the pad is done.
	PullFrame(ctx context.Context, pad int, f *frame.Frame) error
	// OutputTimeBase is the time base of frames pulled from a pad.
	OutputTimeBase(pad int) timebase.Rational
	Close(ctx context.Context) error
}
