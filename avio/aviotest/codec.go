// codec.go holds the fake decoder/encoder/BSF/filter-graph
// collaborators used by package tests across the pipeline.

package aviotest

import (
	"context"
	"io"
	"sync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
)

// Decoder turns each packet into frames via DecodeFunc (default: one
// frame carrying the packet's timing). SendPacket(nil) flushes;
// ReceiveFrame then drains and reports io.EOF.
type Decoder struct {
	Name        string
	ParamsValue avio.DecoderParams
	// DecodeFunc may be nil for the default 1:1 behaviour.
	DecodeFunc func(pkt *packet.Packet) []*frame.Frame

	locker   sync.Mutex
	pending  []*frame.Frame
	flushing bool
}

var _ avio.Decoder = (*Decoder)(nil)

func (d *Decoder) String() string             { return d.Name }
func (d *Decoder) Params() avio.DecoderParams { return d.ParamsValue }

func (d *Decoder) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if pkt == nil {
		d.flushing = true
		return nil
	}
	if d.flushing {
		return io.EOF
	}
	if d.DecodeFunc != nil {
		d.pending = append(d.pending, d.DecodeFunc(pkt)...)
		return nil
	}
	f := frame.Pool.Get()
	f.PTS = pkt.PTS
	f.BestEffortTimestamp = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = pkt.TimeBase
	f.SetData(pkt.Data())
	d.pending = append(d.pending, f)
	return nil
}

func (d *Decoder) ReceiveFrame(ctx context.Context, f *frame.Frame) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if len(d.pending) == 0 {
		if d.flushing {
			return io.EOF
		}
		return avio.ErrAgain
	}
	src := d.pending[0]
	d.pending = d.pending[1:]
	f.CopyMetadataFrom(src)
	f.SetData(src.Data())
	frame.Pool.Put(src)
	return nil
}

func (d *Decoder) Flush(ctx context.Context) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	for _, f := range d.pending {
		frame.Pool.Put(f)
	}
	d.pending = nil
	d.flushing = false
	return nil
}

func (d *Decoder) Close(ctx context.Context) error { return d.Flush(ctx) }

// SubtitleDecoder decodes every non-empty packet into one subtitle
// datum lasting DefaultEndMS milliseconds.
type SubtitleDecoder struct {
	Decoder
	DefaultEndMS uint32
}

var _ avio.SubtitleDecoder = (*SubtitleDecoder)(nil)

func (d *SubtitleDecoder) DecodeSubtitle(ctx context.Context, pkt *packet.Packet, f *frame.Frame) (bool, error) {
	if pkt.Size() == 0 {
		return false, nil
	}
	f.PTS = pkt.PTS
	f.TimeBase = pkt.TimeBase
	f.Subtitle = &frame.Subtitle{
		EndDisplayTime: d.DefaultEndMS,
		NumRects:       1,
	}
	return true, nil
}

// Encoder turns each frame into one packet (pts=dts=frame pts rescaled
// to TB). SendFrame(nil) flushes.
type Encoder struct {
	Name string
	TB   timebase.Rational
	// EncodeFunc may be nil for the default 1:1 behaviour.
	EncodeFunc func(f *frame.Frame) []*packet.Packet

	locker   sync.Mutex
	pending  []*packet.Packet
	flushing bool
	frames   int
}

var _ avio.Encoder = (*Encoder)(nil)

func (e *Encoder) String() string              { return e.Name }
func (e *Encoder) TimeBase() timebase.Rational { return e.TB }

func (e *Encoder) SendFrame(ctx context.Context, f *frame.Frame) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	if f == nil {
		e.flushing = true
		return nil
	}
	if e.flushing {
		return io.EOF
	}
	e.frames++
	if e.EncodeFunc != nil {
		e.pending = append(e.pending, e.EncodeFunc(f)...)
		return nil
	}
	pkt := packet.Pool.Get()
	pkt.PTS = timebase.Rescale(f.PTS, f.TimeBase, e.TB, timebase.RoundNearInf|timebase.RoundPassMinMax)
	pkt.DTS = pkt.PTS
	pkt.Duration = timebase.RescaleQ(f.Duration, f.TimeBase, e.TB)
	pkt.TimeBase = e.TB
	pkt.Flags = packet.FlagKey
	pkt.SetData(f.Data())
	e.pending = append(e.pending, pkt)
	return nil
}

func (e *Encoder) ReceivePacket(ctx context.Context, pkt *packet.Packet) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	if len(e.pending) == 0 {
		if e.flushing {
			return io.EOF
		}
		return avio.ErrAgain
	}
	src := e.pending[0]
	e.pending = e.pending[1:]
	pkt.CopyMetadataFrom(src)
	pkt.SetData(src.Data())
	packet.Pool.Put(src)
	return nil
}

func (e *Encoder) Close(ctx context.Context) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	for _, pkt := range e.pending {
		packet.Pool.Put(pkt)
	}
	e.pending = nil
	return nil
}

// BSF is a pass-through bitstream filter unless TransformFunc is set.
type BSF struct {
	Name string
	TBIn timebase.Rational
	// TransformFunc may return zero packets (drop) or several (split).
	TransformFunc func(pkt *packet.Packet) []*packet.Packet

	locker   sync.Mutex
	pending  []*packet.Packet
	flushing bool
}

var _ avio.BitstreamFilter = (*BSF)(nil)

func (b *BSF) String() string                 { return b.Name }
func (b *BSF) TimeBaseIn() timebase.Rational  { return b.TBIn }
func (b *BSF) TimeBaseOut() timebase.Rational { return b.TBIn }

func (b *BSF) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	b.locker.Lock()
	defer b.locker.Unlock()
	if pkt == nil {
		b.flushing = true
		return nil
	}
	if b.TransformFunc != nil {
		b.pending = append(b.pending, b.TransformFunc(pkt)...)
		return nil
	}
	b.pending = append(b.pending, packet.CloneAsReferenced(pkt))
	return nil
}

func (b *BSF) ReceivePacket(ctx context.Context, pkt *packet.Packet) error {
	b.locker.Lock()
	defer b.locker.Unlock()
	if len(b.pending) == 0 {
		if b.flushing {
			return io.EOF
		}
		return avio.ErrAgain
	}
	src := b.pending[0]
	b.pending = b.pending[1:]
	pkt.CopyMetadataFrom(src)
	pkt.SetData(src.Data())
	packet.Pool.Put(src)
	return nil
}

func (b *BSF) Flush(ctx context.Context) error {
	b.locker.Lock()
	defer b.locker.Unlock()
	for _, pkt := range b.pending {
		packet.Pool.Put(pkt)
	}
	b.pending = nil
	b.flushing = false
	return nil
}

func (b *BSF) Close(ctx context.Context) error { return b.Flush(ctx) }

// FilterGraph is a single-input single-output pass-through graph.
type FilterGraph struct {
	Name string
	// OutTB is the output pad time base; zero value means "whatever the
	// first frame carried".
	OutTB timebase.Rational

	locker sync.Mutex
	fifo   []*frame.Frame
	eof    bool
}

var _ avio.FilterGraph = (*FilterGraph)(nil)

func (g *FilterGraph) String() string  { return g.Name }
func (g *FilterGraph) NumInputs() int  { return 1 }
func (g *FilterGraph) NumOutputs() int { return 1 }

func (g *FilterGraph) PushFrame(ctx context.Context, pad int, f *frame.Frame, keep bool) error {
	g.locker.Lock()
	defer g.locker.Unlock()
	clone := frame.Pool.Get()
	clone.CopyMetadataFrom(f)
	clone.SetData(f.Data())
	if !g.OutTB.IsValid() {
		g.OutTB = f.TimeBase
	}
	g.fifo = append(g.fifo, clone)
	if !keep {
		frame.Pool.Put(f)
	}
	return nil
}

func (g *FilterGraph) PushEOF(ctx context.Context, pad int, pts int64, tb timebase.Rational) error {
	g.locker.Lock()
	defer g.locker.Unlock()
	g.eof = true
	return nil
}

func (g *FilterGraph) PullFrame(ctx context.Context, pad int, f *frame.Frame) error {
	g.locker.Lock()
	defer g.locker.Unlock()
	if len(g.fifo) == 0 {
		if g.eof {
			return io.EOF
		}
		return avio.ErrAgain
	}
	src := g.fifo[0]
	g.fifo = g.fifo[1:]
	f.CopyMetadataFrom(src)
	f.SetData(src.Data())
	frame.Pool.Put(src)
	return nil
}

func (g *FilterGraph) OutputTimeBase(pad int) timebase.Rational {
	g.locker.Lock()
	defer g.locker.Unlock()
	return g.OutTB
}

func (g *FilterGraph) Close(ctx context.Context) error {
	g.locker.Lock()
	defer g.locker.Unlock()
	for _, f := range g.fifo {
		frame.Pool.Put(f)
	}
	g.fifo = nil
	return nil
}
