// Package frame defines the decoded-media envelope: common timing
// fields plus media-type-specific parameters for video, audio and
// subtitle datums.
package frame

import (
	"go.uber.org/atomic"

	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

type Flags uint32

const (
	FlagKey Flags = 1 << iota
	FlagCorrupt
	FlagTopFieldFirst
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// PictureType is the coded picture type of a video frame.
type PictureType int

const (
	PictureTypeNone PictureType = iota
	PictureTypeI
	PictureTypeP
	PictureTypeB
)

// Subtitle is a timed subtitle datum. Display times are in
// milliseconds relative to the frame pts.
type Subtitle struct {
	StartDisplayTime uint32
	EndDisplayTime   uint32
	NumRects         int
}

// Frame is a decoded media unit. Its pts and duration are valid under
// TimeBase.
type Frame struct {
	payload *payload

	MediaType types.MediaType
	PTS       int64
	Duration  int64
	TimeBase  timebase.Rational
	Flags     Flags
	SideData  map[string][]byte
	Opaque    *packet.FrameData

	// BestEffortTimestamp is the decoder's pts guess from various
	// heuristics, in TimeBase units.
	BestEffortTimestamp int64

	// video
	Width             int
	Height            int
	PixelFormat       string
	SampleAspectRatio timebase.Rational
	RepeatPict        int
	PictureType       PictureType

	// audio
	SampleRate    int
	ChannelLayout string
	SampleFormat  string
	NbSamples     int

	// subtitle
	Subtitle *Subtitle
}

type payload struct {
	data []byte
	refs atomic.Int32
}

func (f *Frame) reset() {
	if f.payload != nil && f.payload.refs.Dec() == 0 {
		f.payload.data = f.payload.data[:0]
		payloadPool.Put(f.payload)
	}
	*f = Frame{
		MediaType:           types.MediaTypeUnknown,
		PTS:                 timebase.NoPTS,
		BestEffortTimestamp: timebase.NoPTS,
	}
}

// Data returns the raw media bytes. The pipeline core never interprets
// them; they are owned jointly by all clones.
func (f *Frame) Data() []byte {
	if f.payload == nil {
		return nil
	}
	return f.payload.data
}

func (f *Frame) SetData(data []byte) {
	if f.payload != nil && f.payload.refs.Dec() == 0 {
		f.payload.data = f.payload.data[:0]
		payloadPool.Put(f.payload)
	}
	if data == nil {
		f.payload = nil
		return
	}
	pl := payloadPool.Get()
	pl.data = append(pl.data[:0], data...)
	pl.refs.Store(1)
	f.payload = pl
}

// CopyMetadataFrom copies all non-payload fields of src into f.
func (f *Frame) CopyMetadataFrom(src *Frame) {
	pl := f.payload
	*f = *src
	f.payload = pl
	if src.SideData != nil {
		f.SideData = make(map[string][]byte, len(src.SideData))
		for k, v := range src.SideData {
			f.SideData[k] = v
		}
	}
	if src.Opaque != nil {
		fd := *src.Opaque
		f.Opaque = &fd
	}
	if src.Subtitle != nil {
		sub := *src.Subtitle
		f.Subtitle = &sub
	}
}

// GetPTS implements the timed-item contract used by sync queues.
func (f *Frame) GetPTS() int64 { return f.PTS }

// GetTimeBase implements the timed-item contract used by sync queues.
func (f *Frame) GetTimeBase() timebase.Rational { return f.TimeBase }

// OpaqueData returns the frame's FrameData slot, allocating it on
// first use.
func (f *Frame) OpaqueData() *packet.FrameData {
	if f.Opaque == nil {
		f.Opaque = &packet.FrameData{}
	}
	return f.Opaque
}
