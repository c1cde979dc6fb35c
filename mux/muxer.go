// Package mux implements the per-output coordinator: it drains frames
// into encoders (or coded packets from streamcopy edges), rescales the
// results into the output stream time base, enforces dts monotonicity,
// interleaves across streams and writes through the container writer.
// The trailer is written only on the normal all-streams-EOF path;
// cancellation leaves the output without a trailer.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-ng/container/heap"
	"github.com/go-ng/xsort"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/syncqueue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// DefaultMaxInterleave bounds how many packets the interleaving buffer
// may hold before it starts releasing the oldest packet regardless of
// starved streams.
const DefaultMaxInterleave = 256

// StreamConfig configures one elementary stream of an output file.
type StreamConfig struct {
	// Params describes the output stream handed to the writer.
	Params *avio.StreamParams

	// Encoder, together with FrameIn, makes this an encoding stream;
	// leave both unset and set PacketIn for streamcopy.
	Encoder  avio.Encoder
	FrameIn  *queue.Queue[*frame.Frame]
	PacketIn *queue.Queue[*packet.Packet]

	// MaxFrames caps how many packets this stream may deliver to the
	// container; 0 means unlimited.
	MaxFrames uint64

	// ForceKeyframes lists the presentation times at which the next
	// frame sent to the encoder is forced to be a keyframe.
	ForceKeyframes []time.Duration
}

// Config configures one output file coordinator.
type Config struct {
	Writer  avio.ContainerWriter
	Streams []StreamConfig

	// SyncMux, when set, aligns packets across streams before writing;
	// the coordinator registers one sync-queue stream per output stream
	// and applies the per-stream MaxFrames caps there too.
	SyncMux *syncqueue.SyncQueue[*packet.Packet]

	// MuxOpts is passed verbatim to the writer's WriteHeader.
	MuxOpts types.DictionaryItems

	// MaxInterleave overrides DefaultMaxInterleave when positive.
	MaxInterleave int

	DebugTS bool
}

// StreamStats is the per-output-stream counters snapshot; read it only
// after the scheduler's Wait returned.
type StreamStats struct {
	Packets uint64
	Bytes   uint64
}

// Muxer coordinates all streams of one output file.
type Muxer struct {
	Config

	locker  xsync.Mutex
	streams []*OutputStream
	il      *interleaver

	trailerOnce sync.Once
}

// OutputStream is the worker of one output elementary stream; register
// it with the scheduler (encoding streams usually as encoder nodes,
// streamcopy streams as muxer nodes).
type OutputStream struct {
	StreamConfig
	mux   *Muxer
	Index int

	sqIdx int
	muxTB timebase.Rational

	// fkTimes is a min-heap of the pending forced-keyframe thresholds
	// in timebase.TimeBaseQ units.
	fkTimes xsort.OrderedAsc[int64]

	submitted uint64

	// lastMuxDTS and the counters are only touched under the muxer lock.
	lastMuxDTS    typing.Optional[int64]
	warnedNonMono bool
	nbPackets     uint64
	nbBytes       uint64
}

// New adds every configured stream to the writer, writes the container
// header and snapshots the time bases the writer chose.
func New(ctx context.Context, cfg Config) (*Muxer, error) {
	if cfg.Writer == nil {
		return nil, errors.New("mux: a container writer is required")
	}
	if len(cfg.Streams) == 0 {
		return nil, errors.New("mux: at least one output stream is required")
	}
	maxInterleave := cfg.MaxInterleave
	if maxInterleave <= 0 {
		maxInterleave = DefaultMaxInterleave
	}
	m := &Muxer{
		Config: cfg,
		il:     newInterleaver(len(cfg.Streams), maxInterleave),
	}
	for i, sc := range cfg.Streams {
		switch {
		case sc.Encoder != nil && sc.FrameIn == nil:
			return nil, fmt.Errorf("mux: stream %d: an encoder requires a frame edge", i)
		case sc.Encoder == nil && sc.PacketIn == nil:
			return nil, fmt.Errorf("mux: stream %d: streamcopy requires a packet edge", i)
		}
		idx, err := cfg.Writer.AddStream(ctx, sc.Params)
		if err != nil {
			return nil, fmt.Errorf("mux: cannot add stream %d: %w", i, err)
		}
		if idx != i {
			return nil, fmt.Errorf("mux: the writer numbered stream %d as %d", i, idx)
		}
		os := &OutputStream{
			StreamConfig: sc,
			mux:          m,
			Index:        i,
		}
		for _, t := range sc.ForceKeyframes {
			heap.Push(&os.fkTimes, t.Microseconds())
		}
		if cfg.SyncMux != nil {
			os.sqIdx = cfg.SyncMux.AddStream()
			if sc.MaxFrames > 0 {
				cfg.SyncMux.LimitFrames(os.sqIdx, sc.MaxFrames)
			}
		}
		m.streams = append(m.streams, os)
	}
	if err := cfg.Writer.WriteHeader(ctx, cfg.MuxOpts); err != nil {
		return nil, fmt.Errorf("mux: cannot write the header: %w", err)
	}
	for _, os := range m.streams {
		os.muxTB = cfg.Writer.StreamTimeBase(os.Index)
	}
	return m, nil
}

func (m *Muxer) String() string {
	return fmt.Sprintf("Muxer(%s)", m.Writer)
}

// Streams returns the per-stream workers to register with the
// scheduler.
func (m *Muxer) Streams() []*OutputStream {
	return m.streams
}

// Run drains the mux sync queue into the interleaving buffer and
// writes the container; it is registered as a node only when SyncMux
// is configured.
func (m *Muxer) Run(ctx context.Context) error {
	if m.SyncMux == nil {
		return errors.New("mux: Run requires a mux sync queue")
	}
	for {
		_, pkt, err := m.SyncMux.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return m.drainAndFinalise(ctx)
		default:
			return err
		}
		if err := xsync.DoA2R1(ctx, &m.locker, m.writeInterleaved, ctx, pkt); err != nil {
			return err
		}
	}
}

// Close tears down the container writer.
func (m *Muxer) Close(ctx context.Context) error {
	return m.Writer.Close(ctx)
}

// writeInterleaved is called with the muxer lock held.
func (m *Muxer) writeInterleaved(ctx context.Context, pkt *packet.Packet) error {
	for _, out := range m.il.push(pkt) {
		if err := m.writeOut(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

func (m *Muxer) closeStream(ctx context.Context, idx int) error {
	return xsync.DoR1(ctx, &m.locker, func() error {
		ready, done := m.il.closeStream(idx)
		for _, pkt := range ready {
			if err := m.writeOut(ctx, pkt); err != nil {
				return err
			}
		}
		if !done {
			return nil
		}
		return m.finalise(ctx)
	})
}

func (m *Muxer) drainAndFinalise(ctx context.Context) error {
	return xsync.DoR1(ctx, &m.locker, func() error {
		for i := range m.streams {
			ready, _ := m.il.closeStream(i)
			for _, pkt := range ready {
				if err := m.writeOut(ctx, pkt); err != nil {
					return err
				}
			}
		}
		return m.finalise(ctx)
	})
}

// writeOut enforces per-stream dts monotonicity and hands the packet
// to the writer. Called with the muxer lock held.
func (m *Muxer) writeOut(ctx context.Context, pkt *packet.Packet) error {
	os := m.streams[pkt.StreamIndex]
	if pkt.DTS != timebase.NoPTS {
		if os.lastMuxDTS.IsSet() && pkt.DTS <= os.lastMuxDTS.Get() {
			bumped := os.lastMuxDTS.Get() + 1
			if !os.warnedNonMono {
				logger.Warnf(ctx,
					"%s: non-monotonic dts %d (previous %d), bumping to %d; this warning is reported once per stream",
					os, pkt.DTS, os.lastMuxDTS.Get(), bumped)
				os.warnedNonMono = true
			}
			if pkt.PTS != timebase.NoPTS && pkt.PTS < bumped {
				pkt.PTS = bumped
			}
			pkt.DTS = bumped
		}
		os.lastMuxDTS = typing.Opt(pkt.DTS)
	}
	os.nbPackets++
	os.nbBytes += uint64(pkt.Size())
	err := m.Writer.WritePacket(ctx, pkt)
	packet.Pool.Put(pkt)
	if err != nil {
		return fmt.Errorf("%s: cannot write a packet: %w", os, err)
	}
	return nil
}

func (m *Muxer) finalise(ctx context.Context) error {
	var err error
	m.trailerOnce.Do(func() {
		err = m.Writer.WriteTrailer(ctx)
		m.logStats(ctx)
	})
	if err != nil {
		return fmt.Errorf("mux: cannot write the trailer: %w", err)
	}
	return nil
}

func (m *Muxer) logStats(ctx context.Context) {
	var pkts, bytes uint64
	for _, os := range m.streams {
		pkts += os.nbPackets
		bytes += os.nbBytes
	}
	logger.Infof(ctx, "%s: %d packets (%s) muxed", m.Writer, pkts, humanize.Bytes(bytes))
}

func (os *OutputStream) String() string {
	return fmt.Sprintf("MuxStream(%s/%s)", os.mux.Writer, os.Params)
}

// Stats returns the mux counters of this stream.
func (os *OutputStream) Stats() StreamStats {
	return StreamStats{Packets: os.nbPackets, Bytes: os.nbBytes}
}

// Run is the stream worker loop: frames in through the encoder, or
// packets straight from a streamcopy edge, out to the container.
func (os *OutputStream) Run(ctx context.Context) error {
	var err error
	if os.Encoder != nil {
		err = os.runEncode(ctx)
	} else {
		err = os.runCopy(ctx)
	}
	if err != nil {
		return err
	}
	return os.finishStream(ctx)
}

func (os *OutputStream) runEncode(ctx context.Context) error {
	for {
		f, err := os.FrameIn.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return os.flushEncoder(ctx)
		default:
			return err
		}

		os.maybeForceKeyframe(ctx, f)
		var fd *packet.FrameData
		if f.Opaque != nil {
			cp := *f.Opaque
			fd = &cp
		}
		if err := os.Encoder.SendFrame(ctx, f); err != nil {
			frame.Pool.Put(f)
			return fmt.Errorf("%s: cannot send a frame to the encoder: %w", os, err)
		}
		frame.Pool.Put(f)
		if err := os.drainEncoder(ctx, fd, false); err != nil {
			if errors.Is(err, io.EOF) {
				// the stream was cut off downstream
				os.FrameIn.DoneReading()
				return nil
			}
			return err
		}
	}
}

func (os *OutputStream) flushEncoder(ctx context.Context) error {
	if err := os.Encoder.SendFrame(ctx, nil); err != nil {
		return fmt.Errorf("%s: cannot start the encoder flush: %w", os, err)
	}
	if err := os.drainEncoder(ctx, nil, true); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (os *OutputStream) drainEncoder(ctx context.Context, fd *packet.FrameData, flushing bool) error {
	for {
		pkt := packet.Pool.Get()
		err := os.Encoder.ReceivePacket(ctx, pkt)
		switch {
		case err == nil:
		case errors.Is(err, avio.ErrAgain) && !flushing:
			packet.Pool.Put(pkt)
			return nil
		case errors.Is(err, io.EOF) && flushing:
			packet.Pool.Put(pkt)
			return nil
		default:
			packet.Pool.Put(pkt)
			return fmt.Errorf("%s: cannot receive a packet from the encoder: %w", os, err)
		}
		if fd != nil {
			cp := *fd
			cp.Wallclock[packet.LatencyProbeEncode] = time.Now()
			pkt.Opaque = &cp
		}
		if err := os.submit(ctx, pkt); err != nil {
			return err
		}
	}
}

func (os *OutputStream) runCopy(ctx context.Context) error {
	for {
		pkt, err := os.PacketIn.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
		if pkt.Opaque != nil && (pkt.Opaque.LoopFlush || pkt.Opaque.SubHeartbeat) {
			packet.Pool.Put(pkt)
			continue
		}
		last := pkt.Opaque != nil && pkt.Opaque.StreamCopyEOF
		if err := os.submit(ctx, pkt); err != nil {
			if errors.Is(err, io.EOF) {
				os.PacketIn.DoneReading()
				return nil
			}
			return err
		}
		if last {
			os.PacketIn.DoneReading()
			return nil
		}
	}
}

func (os *OutputStream) finishStream(ctx context.Context) error {
	if os.mux.SyncMux != nil {
		os.mux.SyncMux.Close(os.sqIdx)
		return nil
	}
	return os.mux.closeStream(ctx, os.Index)
}

// submit normalises one packet into the output stream time base and
// forwards it to the mux sync queue or the interleaving buffer. io.EOF
// means the stream has delivered everything it is allowed to.
func (os *OutputStream) submit(ctx context.Context, pkt *packet.Packet) error {
	if os.MaxFrames > 0 && os.submitted >= os.MaxFrames {
		packet.Pool.Put(pkt)
		return io.EOF
	}
	pkt.StreamIndex = os.Index
	pkt.RescaleTS(os.muxTB)
	if pkt.DTS == timebase.NoPTS {
		pkt.DTS = pkt.PTS
	}
	os.submitted++
	if os.mux.DebugTS {
		logger.Debugf(ctx, "%s: muxer <- pts:%s dts:%s duration:%d tb:%v",
			os, tsToString(pkt.PTS), tsToString(pkt.DTS), pkt.Duration, pkt.TimeBase)
	}
	if sq := os.mux.SyncMux; sq != nil {
		if err := sq.Send(ctx, os.sqIdx, pkt); err != nil {
			packet.Pool.Put(pkt)
			return err
		}
		return nil
	}
	return xsync.DoA2R1(ctx, &os.mux.locker, os.mux.writeInterleaved, ctx, pkt)
}

func (os *OutputStream) maybeForceKeyframe(ctx context.Context, f *frame.Frame) {
	if len(os.fkTimes) == 0 || f.PTS == timebase.NoPTS {
		return
	}
	if timebase.Compare(f.PTS, f.TimeBase, os.fkTimes[0], timebase.TimeBaseQ) < 0 {
		return
	}
	for len(os.fkTimes) > 0 &&
		timebase.Compare(f.PTS, f.TimeBase, os.fkTimes[0], timebase.TimeBaseQ) >= 0 {
		heap.Pop(&os.fkTimes)
	}
	logger.Debugf(ctx, "%s: forcing a keyframe at pts %d", os, f.PTS)
	f.Flags |= frame.FlagKey
	f.PictureType = frame.PictureTypeI
}

func tsToString(ts int64) string {
	if ts == timebase.NoPTS {
		return "NOPTS"
	}
	return strconv.FormatInt(ts, 10)
}
