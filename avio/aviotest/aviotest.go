// Package aviotest provides in-memory implementations of the avio
// collaborator interfaces for tests: a scripted container reader, a
// recording container writer, and simple pass-through codec, bitstream
// filter and filter-graph stand-ins.
package aviotest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// PacketSpec scripts one packet of a Reader.
type PacketSpec struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    timebase.Rational
	Flags       packet.Flags
	Data        []byte
}

// Reader is a scripted container: it plays back PacketList and rewinds
// on Seek.
type Reader struct {
	Name       string
	StreamList []*avio.StreamParams
	Flags      avio.FormatFlags
	// Start is the container start time in timebase.TimeBaseQ units.
	Start      int64
	PacketList []PacketSpec

	locker sync.Mutex
	pos    int
	seeks  []int64
	closed bool
}

var _ avio.ContainerReader = (*Reader)(nil)

func NewReader(name string, streams []*avio.StreamParams, pkts []PacketSpec) *Reader {
	return &Reader{
		Name:       name,
		StreamList: streams,
		Start:      timebase.NoPTS,
		PacketList: pkts,
	}
}

func (r *Reader) String() string                { return r.Name }
func (r *Reader) Streams() []*avio.StreamParams { return r.StreamList }
func (r *Reader) FormatFlags() avio.FormatFlags { return r.Flags }
func (r *Reader) StartTime() int64              { return r.Start }

func (r *Reader) ReadPacket(ctx context.Context, pkt *packet.Packet) error {
	r.locker.Lock()
	defer r.locker.Unlock()
	if r.closed {
		return fmt.Errorf("%s: reading from a closed container", r.Name)
	}
	if r.pos >= len(r.PacketList) {
		return io.EOF
	}
	spec := r.PacketList[r.pos]
	r.pos++
	pkt.StreamIndex = spec.StreamIndex
	pkt.PTS = spec.PTS
	pkt.DTS = spec.DTS
	pkt.Duration = spec.Duration
	pkt.TimeBase = spec.TimeBase
	pkt.Flags = spec.Flags
	pkt.SetData(spec.Data)
	return nil
}

func (r *Reader) Seek(ctx context.Context, streamIndex int, tsMin, ts, tsMax int64, flags avio.SeekFlags) error {
	r.locker.Lock()
	defer r.locker.Unlock()
	r.seeks = append(r.seeks, ts)
	r.pos = 0
	return nil
}

// Seeks returns the targets of all Seek calls so far.
func (r *Reader) Seeks() []int64 {
	r.locker.Lock()
	defer r.locker.Unlock()
	return append([]int64(nil), r.seeks...)
}

func (r *Reader) Close(ctx context.Context) error {
	r.locker.Lock()
	defer r.locker.Unlock()
	r.closed = true
	return nil
}

// Writer records everything the muxing coordinator hands it.
type Writer struct {
	Name string
	// TimeBases maps a stream index to the time base the writer imposes;
	// streams without an entry keep the time base they were added with.
	TimeBases map[int]timebase.Rational

	locker      sync.Mutex
	streams     []*avio.StreamParams
	headerDone  bool
	trailerDone bool
	closed      bool
	packets     []*packet.Packet
}

var _ avio.ContainerWriter = (*Writer)(nil)

func NewWriter(name string) *Writer {
	return &Writer{Name: name}
}

func (w *Writer) String() string { return w.Name }

func (w *Writer) AddStream(ctx context.Context, params *avio.StreamParams) (int, error) {
	w.locker.Lock()
	defer w.locker.Unlock()
	if w.headerDone {
		return -1, fmt.Errorf("%s: adding a stream after the header was written", w.Name)
	}
	w.streams = append(w.streams, params)
	return len(w.streams) - 1, nil
}

func (w *Writer) StreamTimeBase(streamIndex int) timebase.Rational {
	w.locker.Lock()
	defer w.locker.Unlock()
	if tb, ok := w.TimeBases[streamIndex]; ok {
		return tb
	}
	return w.streams[streamIndex].TimeBase
}

func (w *Writer) WriteHeader(ctx context.Context, opts types.DictionaryItems) error {
	w.locker.Lock()
	defer w.locker.Unlock()
	w.headerDone = true
	return nil
}

func (w *Writer) WritePacket(ctx context.Context, pkt *packet.Packet) error {
	w.locker.Lock()
	defer w.locker.Unlock()
	if !w.headerDone || w.trailerDone {
		return fmt.Errorf("%s: writing a packet outside header..trailer", w.Name)
	}
	w.packets = append(w.packets, packet.CloneAsReferenced(pkt))
	return nil
}

func (w *Writer) WriteTrailer(ctx context.Context) error {
	w.locker.Lock()
	defer w.locker.Unlock()
	w.trailerDone = true
	return nil
}

func (w *Writer) Close(ctx context.Context) error {
	w.locker.Lock()
	defer w.locker.Unlock()
	w.closed = true
	return nil
}

// Packets returns the packets written so far.
func (w *Writer) Packets() []*packet.Packet {
	w.locker.Lock()
	defer w.locker.Unlock()
	return append([]*packet.Packet(nil), w.packets...)
}

// StreamPackets filters Packets by output stream index.
func (w *Writer) StreamPackets(streamIndex int) []*packet.Packet {
	w.locker.Lock()
	defer w.locker.Unlock()
	var out []*packet.Packet
	for _, pkt := range w.packets {
		if pkt.StreamIndex == streamIndex {
			out = append(out, pkt)
		}
	}
	return out
}

// TrailerWritten reports whether WriteTrailer was called.
func (w *Writer) TrailerWritten() bool {
	w.locker.Lock()
	defer w.locker.Unlock()
	return w.trailerDone
}
