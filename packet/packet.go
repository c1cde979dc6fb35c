// Package packet defines the coded-packet envelope moved along pipeline
// edges: a shared-ownership payload plus the timing and side metadata the
// stages operate on.
package packet

import (
	"time"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/avdriver/timebase"
)

// Flags is the per-packet flag bitset.
type Flags uint32

const (
	FlagKey Flags = 1 << iota
	FlagCorrupt
	FlagDiscard
	FlagTrusted
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// SideData maps a tag to an opaque blob attached by a demuxer or encoder.
type SideData map[string][]byte

// payload is a refcounted byte buffer. Clone of a reference and drop are
// both O(1); the bytes are freed for reuse when the last reference goes.
type payload struct {
	data []byte
	refs atomic.Int32
}

// LatencyProbe identifies a wallclock probe point along the pipeline.
type LatencyProbe int

const (
	LatencyProbeDemux LatencyProbe = iota
	LatencyProbeDecode
	LatencyProbeFilter
	LatencyProbeEncode
	LatencyProbeNB
)

// FrameData is the per-pipeline opaque metadata slot carried by packets
// and frames: latency probes, the dts estimated by the demuxer, the
// index of the originating frame.
type FrameData struct {
	// DTSEstimate is the demuxer's dts estimate in timebase.TimeBaseQ.
	DTSEstimate int64
	// Wallclock holds probe timestamps for latency accounting.
	Wallclock [LatencyProbeNB]time.Time
	// FrameIndex is the decoder's ordinal of the originating frame.
	FrameIndex int64
	// FrameTimeBase is the time base FramePTS is expressed in.
	FrameTimeBase timebase.Rational
	// FramePTS is the pts of the originating frame.
	FramePTS int64
	// SubHeartbeat marks a zero-payload packet that only advances the
	// subtitle-to-video canvas.
	SubHeartbeat bool
	// StreamCopyEOF tells streamcopy consumers that the recording time
	// has been reached and this is the last packet they should take.
	StreamCopyEOF bool
	// LoopFlush marks a zero-payload packet broadcast by a looping
	// demuxer: decoders drain and reset without propagating EOF.
	LoopFlush bool
}

// Packet is the unit of coded data. Its payload is shared between
// clones; all other fields belong to the current owner.
type Packet struct {
	payload *payload

	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    timebase.Rational
	Flags       Flags
	// Pos is the byte offset in the source container, -1 when unknown.
	Pos      int64
	SideData SideData
	Opaque   *FrameData
}

func (p *Packet) reset() {
	if p.payload != nil && p.payload.refs.Dec() == 0 {
		p.payload.data = p.payload.data[:0]
		payloadPool.Put(p.payload)
	}
	p.payload = nil
	p.StreamIndex = 0
	p.PTS = timebase.NoPTS
	p.DTS = timebase.NoPTS
	p.Duration = 0
	p.TimeBase = timebase.Rational{}
	p.Flags = 0
	p.Pos = -1
	p.SideData = nil
	p.Opaque = nil
}

// Data returns the payload bytes; nil for flush/heartbeat/EOF sentinels.
func (p *Packet) Data() []byte {
	if p.payload == nil {
		return nil
	}
	return p.payload.data
}

func (p *Packet) Size() int {
	if p.payload == nil {
		return 0
	}
	return len(p.payload.data)
}

// SetData replaces the payload with a private copy of data.
func (p *Packet) SetData(data []byte) {
	if p.payload != nil && p.payload.refs.Dec() == 0 {
		p.payload.data = p.payload.data[:0]
		payloadPool.Put(p.payload)
	}
	if data == nil {
		p.payload = nil
		return
	}
	pl := payloadPool.Get()
	pl.data = append(pl.data[:0], data...)
	pl.refs.Store(1)
	p.payload = pl
}

// CopyMetadataFrom copies all non-payload fields of src into p.
func (p *Packet) CopyMetadataFrom(src *Packet) {
	p.StreamIndex = src.StreamIndex
	p.PTS = src.PTS
	p.DTS = src.DTS
	p.Duration = src.Duration
	p.TimeBase = src.TimeBase
	p.Flags = src.Flags
	p.Pos = src.Pos
	if src.SideData != nil {
		p.SideData = make(SideData, len(src.SideData))
		for k, v := range src.SideData {
			p.SideData[k] = v
		}
	} else {
		p.SideData = nil
	}
	if src.Opaque != nil {
		fd := *src.Opaque
		p.Opaque = &fd
	} else {
		p.Opaque = nil
	}
}

// GetPTS implements the timed-item contract used by sync queues.
func (p *Packet) GetPTS() int64 { return p.PTS }

// GetDTS returns the decode timestamp.
func (p *Packet) GetDTS() int64 { return p.DTS }

// GetTimeBase implements the timed-item contract used by sync queues.
func (p *Packet) GetTimeBase() timebase.Rational { return p.TimeBase }

// OpaqueData returns the packet's FrameData slot, allocating it on
// first use.
func (p *Packet) OpaqueData() *FrameData {
	if p.Opaque == nil {
		p.Opaque = &FrameData{}
	}
	return p.Opaque
}

// RescaleTS converts pts, dts and duration to the given time base.
func (p *Packet) RescaleTS(to timebase.Rational) {
	rnd := timebase.RoundNearInf | timebase.RoundPassMinMax
	p.PTS = timebase.Rescale(p.PTS, p.TimeBase, to, rnd)
	p.DTS = timebase.Rescale(p.DTS, p.TimeBase, to, rnd)
	p.Duration = timebase.Rescale(p.Duration, p.TimeBase, to, timebase.RoundNearInf)
	p.TimeBase = to
}
