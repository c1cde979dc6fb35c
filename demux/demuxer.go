// Package demux converts a container read-loop into streams of
// time-base-corrected packets on scheduler edges. It owns the
// per-input timestamp state: wrap correction, ts offsets, loop-seek
// bookkeeping, discontinuity absorption and read-rate throttling.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/typing"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

const (
	// DefaultDTSDeltaThreshold is the discontinuity threshold in seconds.
	DefaultDTSDeltaThreshold = 10
	// DefaultDTSErrorThreshold is the timestamp-error threshold in seconds.
	DefaultDTSErrorThreshold = 30 * 3600
	// DefaultReadRateInitialBurst is how many seconds of input are read
	// at full speed before the read-rate limiter engages.
	DefaultReadRateInitialBurst = 0.5
)

// StreamMode says what a connected edge feeds.
type StreamMode int

const (
	ModeStreamCopy StreamMode = iota
	ModeDecode
)

// StreamConfig is the per-elementary-stream user configuration.
type StreamConfig struct {
	// Discard drops every packet of the stream.
	Discard bool
	// TSScale multiplies raw timestamps; 0 means 1.
	TSScale float64
	// BSF is an optional bitstream-filter chain the packets pass
	// through before being sent.
	BSF avio.BitstreamFilter
	// SubToVideo marks the stream as a subtitle-to-video input; it then
	// receives heartbeat packets whenever any other stream advances.
	SubToVideo bool
	// Framerate forces the video frame rate used for dts prediction.
	Framerate timebase.Rational
}

// Config configures one Demuxer.
type Config struct {
	Reader avio.ContainerReader

	// LoopCount is the number of additional plays of the input
	// (0: play once, -1: loop forever).
	LoopCount int

	// ReadRate limits reading to the given multiple of realtime
	// (0: unlimited), with an initial burst of ReadRateInitialBurst
	// seconds.
	ReadRate             float64
	ReadRateInitialBurst float64

	// StartTime seeks the input before reading.
	StartTime typing.Optional[time.Duration]
	// RecordingTime bounds how much input is read (0: unlimited).
	RecordingTime time.Duration
	// InputTSOffset is added to all input timestamps.
	InputTSOffset time.Duration

	CopyTS      bool
	StartAtZero bool
	ExitOnError bool
	DebugTS     bool

	// DTSDeltaThreshold and DTSErrorThreshold are in seconds; zero
	// selects the defaults.
	DTSDeltaThreshold float64
	DTSErrorThreshold float64

	Streams map[int]StreamConfig
}

type connection struct {
	mode   StreamMode
	edge   *queue.Queue[*packet.Packet]
	closed bool
}

type inputStream struct {
	params *avio.StreamParams
	cfg    StreamConfig
	conns  []*connection

	wrapCorrectionDone bool
	sawFirstTS         bool

	// firstDTS, dts and nextDTS are estimates in timebase.TimeBaseQ.
	firstDTS int64
	dts      int64
	nextDTS  int64

	// minPTS/maxPTS and lastPktDuration are in the stream time base;
	// they feed the loop-duration bookkeeping.
	minPTS, maxPTS  int64
	lastPktDuration int64

	nbPackets uint64
	nbBytes   uint64
	nbErrors  uint64
}

// StreamStats is the per-stream counters snapshot; read it only after
// the scheduler's Wait returned.
type StreamStats struct {
	Packets uint64
	Bytes   uint64
	Errors  uint64
}

// Demuxer is the per-input-file pipeline node. Construct with New,
// connect stream edges, then hand it to the scheduler as a Runner.
type Demuxer struct {
	Config

	reader  avio.ContainerReader
	streams []*inputStream

	// tsOffset and tsOffsetDiscont are in timebase.TimeBaseQ; lastTS is
	// the dts of the previous packet of this input, across streams.
	tsOffset        int64
	tsOffsetDiscont int64
	lastTS          int64

	// startTimeEffective is the container's own start time.
	startTimeEffective int64

	loopsLeft int
	// duration accumulates the length of completed plays and is added
	// to every timestamp of the next play.
	duration   int64
	durationTB timebase.Rational
	// haveAudioDec: an audio stream is being decoded; its sample-exact
	// span then drives the file duration and the imprecise packet
	// durations of the other streams are left out of it.
	haveAudioDec bool

	haveHeartbeat   bool
	wallclockStart  time.Time
	newStreamWarned map[int]struct{}

	closeOnce sync.Once
	closeErr  error
}

// New opens a demuxer over an already-open container reader: it seeks
// to the requested start position and precomputes the timestamp offset
// implied by the start-time and copy-ts options.
func New(ctx context.Context, cfg Config) (*Demuxer, error) {
	if cfg.Reader == nil {
		return nil, errors.New("demux: a container reader is required")
	}
	if cfg.ReadRate < 0 {
		return nil, fmt.Errorf("demux: invalid read rate %v", cfg.ReadRate)
	}
	if cfg.DTSDeltaThreshold == 0 {
		cfg.DTSDeltaThreshold = DefaultDTSDeltaThreshold
	}
	if cfg.DTSErrorThreshold == 0 {
		cfg.DTSErrorThreshold = DefaultDTSErrorThreshold
	}
	if cfg.ReadRateInitialBurst == 0 {
		cfg.ReadRateInitialBurst = DefaultReadRateInitialBurst
	}

	d := &Demuxer{
		Config:          cfg,
		reader:          cfg.Reader,
		lastTS:          timebase.NoPTS,
		durationTB:      timebase.TimeBaseQ,
		loopsLeft:       cfg.LoopCount,
		newStreamWarned: map[int]struct{}{},
	}
	d.startTimeEffective = cfg.Reader.StartTime()

	timestamp := int64(0)
	if cfg.StartTime.IsSet() {
		timestamp = cfg.StartTime.Get().Microseconds()
	}
	if d.startTimeEffective != timebase.NoPTS {
		timestamp += d.startTimeEffective
	}
	if cfg.StartTime.IsSet() {
		if err := d.reader.Seek(ctx, -1, math.MinInt64, timestamp, timestamp, 0); err != nil {
			logger.Warnf(ctx, "%s: could not seek to position %.2f: %v",
				d.reader, float64(timestamp)/float64(timebase.TimeBaseDen), err)
		}
	}

	if cfg.CopyTS {
		d.tsOffset = cfg.InputTSOffset.Microseconds()
		if cfg.StartAtZero && d.startTimeEffective != timebase.NoPTS {
			d.tsOffset -= d.startTimeEffective
		}
	} else {
		d.tsOffset = cfg.InputTSOffset.Microseconds() - timestamp
	}

	for _, params := range cfg.Reader.Streams() {
		sc := cfg.Streams[params.Index]
		if sc.TSScale == 0 {
			sc.TSScale = 1
		}
		d.streams = append(d.streams, &inputStream{
			params:   params,
			cfg:      sc,
			firstDTS: timebase.NoPTS,
			dts:      timebase.NoPTS,
			nextDTS:  timebase.NoPTS,
			minPTS:   math.MaxInt64,
			maxPTS:   math.MinInt64,
		})
		if sc.SubToVideo {
			d.haveHeartbeat = true
		}
	}
	return d, nil
}

func (d *Demuxer) String() string {
	return fmt.Sprintf("Demuxer(%s)", d.reader)
}

// ConnectStream attaches an output edge to an elementary stream. A
// stream may fan out to multiple consumers (e.g. decode and streamcopy
// at once).
func (d *Demuxer) ConnectStream(streamIndex int, mode StreamMode, edge *queue.Queue[*packet.Packet]) error {
	if streamIndex < 0 || streamIndex >= len(d.streams) {
		return fmt.Errorf("demux: no stream with index %d in %s", streamIndex, d.reader)
	}
	st := d.streams[streamIndex]
	st.conns = append(st.conns, &connection{mode: mode, edge: edge})
	if mode == ModeDecode && st.params.MediaType == types.MediaTypeAudio {
		d.haveAudioDec = true
	}
	return nil
}

// Stats returns the per-stream counters, indexed like the reader's
// streams.
func (d *Demuxer) Stats() []StreamStats {
	stats := make([]StreamStats, 0, len(d.streams))
	for _, st := range d.streams {
		stats = append(stats, StreamStats{
			Packets: st.nbPackets,
			Bytes:   st.nbBytes,
			Errors:  st.nbErrors,
		})
	}
	return stats
}

// Run is the demuxer worker loop; it exits on container EOF (after
// finishing every edge) or on a fatal read error.
func (d *Demuxer) Run(ctx context.Context) error {
	d.wallclockStart = time.Now()

	if err := d.sendAttachedPictures(ctx); err != nil {
		d.finishAll()
		return err
	}

	for {
		pkt := packet.Pool.Get()
		err := d.reader.ReadPacket(ctx, pkt)
		switch {
		case err == nil:
		case errors.Is(err, avio.ErrAgain):
			packet.Pool.Put(pkt)
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return avio.ErrCancelled
			}
			continue
		case errors.Is(err, io.EOF):
			packet.Pool.Put(pkt)
			if flushErr := d.flushBitstreamFilters(ctx); flushErr != nil {
				d.finishAll()
				return flushErr
			}
			if d.loopsLeft != 0 {
				if loopErr := d.loop(ctx); loopErr == nil {
					continue
				}
				// a failed seek degrades looping into plain EOF
			}
			d.finishAll()
			d.logStats(ctx)
			return nil
		case errors.Is(err, avio.ErrCancelled):
			packet.Pool.Put(pkt)
			return err
		default:
			packet.Pool.Put(pkt)
			d.finishAll()
			return fmt.Errorf("reading from %s: %w", d.reader, err)
		}

		if err := d.processPacket(ctx, pkt); err != nil {
			d.finishAll()
			return err
		}
	}
}

func (d *Demuxer) processPacket(ctx context.Context, pkt *packet.Packet) error {
	idx := pkt.StreamIndex
	if idx < 0 || idx >= len(d.streams) {
		if _, warned := d.newStreamWarned[idx]; !warned {
			logger.Warnf(ctx, "%s: new stream %d appeared mid-flight, ignoring it", d.reader, idx)
			d.newStreamWarned[idx] = struct{}{}
		}
		packet.Pool.Put(pkt)
		return nil
	}
	st := d.streams[idx]
	if st.cfg.Discard || len(st.conns) == 0 {
		packet.Pool.Put(pkt)
		return nil
	}

	st.nbPackets++
	st.nbBytes += uint64(pkt.Size())

	if pkt.Flags.Has(packet.FlagCorrupt) {
		if d.ExitOnError {
			packet.Pool.Put(pkt)
			return fmt.Errorf("%w: corrupt packet in stream %d of %s", avio.ErrInvalidData, idx, d.reader)
		}
		logger.Warnf(ctx, "%s: corrupt packet in stream %d, keeping it", d.reader, idx)
		st.nbErrors++
	}

	pkt.OpaqueData().Wallclock[packet.LatencyProbeDemux] = time.Now()

	d.tsFixup(ctx, st, pkt)

	fd := pkt.OpaqueData()
	fd.DTSEstimate = st.dts

	if d.RecordingTime > 0 {
		startTime := int64(0)
		if d.CopyTS {
			if d.StartTime.IsSet() {
				startTime += d.StartTime.Get().Microseconds()
			}
			if !d.StartAtZero && d.startTimeEffective != timebase.NoPTS {
				startTime += d.startTimeEffective
			}
		}
		if st.dts != timebase.NoPTS && st.dts >= d.RecordingTime.Microseconds()+startTime {
			fd.StreamCopyEOF = true
		}
	}

	if d.ReadRate > 0 {
		d.readrateSleep(ctx)
	}

	return d.send(ctx, st, pkt)
}

// send pushes one fixed-up packet through the stream's bitstream
// filters (if any) and onto its edges.
func (d *Demuxer) send(ctx context.Context, st *inputStream, pkt *packet.Packet) error {
	if st.cfg.BSF == nil {
		return d.fanOut(ctx, st, pkt, true)
	}

	if err := st.cfg.BSF.SendPacket(ctx, pkt); err != nil {
		logger.Errorf(ctx, "%s: bitstream filter %s rejected a packet of stream %d: %v",
			d.reader, st.cfg.BSF, st.params.Index, err)
		st.nbErrors++
		packet.Pool.Put(pkt)
		if d.ExitOnError {
			return err
		}
		return nil
	}
	packet.Pool.Put(pkt)
	return d.drainBitstreamFilter(ctx, st)
}

func (d *Demuxer) drainBitstreamFilter(ctx context.Context, st *inputStream) error {
	for {
		out := packet.Pool.Get()
		err := st.cfg.BSF.ReceivePacket(ctx, out)
		switch {
		case err == nil:
			out.StreamIndex = st.params.Index
			if err := d.fanOut(ctx, st, out, true); err != nil {
				return err
			}
		case errors.Is(err, avio.ErrAgain), errors.Is(err, io.EOF):
			packet.Pool.Put(out)
			return nil
		default:
			packet.Pool.Put(out)
			st.nbErrors++
			logger.Errorf(ctx, "%s: bitstream filter %s failed on stream %d: %v",
				d.reader, st.cfg.BSF, st.params.Index, err)
			if d.ExitOnError {
				return err
			}
			return nil
		}
	}
}

// fanOut delivers a packet to every live connection of the stream,
// sharing the payload between the copies, and triggers the sub-to-video
// heartbeats when the packet advances pts.
func (d *Demuxer) fanOut(ctx context.Context, st *inputStream, pkt *packet.Packet, heartbeat bool) error {
	if heartbeat && d.haveHeartbeat && pkt.PTS != timebase.NoPTS {
		if err := d.sendHeartbeats(ctx, st, pkt); err != nil {
			packet.Pool.Put(pkt)
			return err
		}
	}

	streamCopyEOF := pkt.Opaque != nil && pkt.Opaque.StreamCopyEOF

	live := make([]*connection, 0, len(st.conns))
	for _, c := range st.conns {
		if !c.closed {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		packet.Pool.Put(pkt)
		return nil
	}

	for i, c := range live {
		p := pkt
		if i < len(live)-1 {
			p = packet.CloneAsReferenced(pkt)
		}
		err := c.edge.Put(ctx, p)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// the consumer declared it reads no more
			c.closed = true
			packet.Pool.Put(p)
		default:
			packet.Pool.Put(p)
			if p != pkt {
				// the original was reserved for the last connection
				// and is never sent now
				packet.Pool.Put(pkt)
			}
			return err
		}
		if c.mode == ModeStreamCopy && streamCopyEOF && !c.closed {
			c.edge.Finish()
			c.closed = true
		}
	}
	return nil
}

// sendHeartbeats emits a zero-payload packet on every sub-to-video
// stream each time any packet advances pts, so the rasteriser can
// extend the last subtitle canvas forward.
func (d *Demuxer) sendHeartbeats(ctx context.Context, from *inputStream, pkt *packet.Packet) error {
	for _, st := range d.streams {
		if !st.cfg.SubToVideo || st == from || len(st.conns) == 0 {
			continue
		}
		hb := packet.Pool.Get()
		hb.StreamIndex = st.params.Index
		hb.PTS = pkt.PTS
		hb.TimeBase = pkt.TimeBase
		hb.OpaqueData().SubHeartbeat = true
		if err := d.fanOut(ctx, st, hb, false); err != nil {
			return err
		}
	}
	return nil
}

// loop flushes downstream decoders without EOF and seeks the container
// back to its start, accounting the play's duration into the offset
// applied to the next play's timestamps.
func (d *Demuxer) loop(ctx context.Context) error {
	for _, st := range d.streams {
		for _, c := range st.conns {
			if c.closed || c.mode != ModeDecode {
				continue
			}
			marker := packet.Pool.Get()
			marker.StreamIndex = st.params.Index
			marker.TimeBase = st.params.TimeBase
			marker.OpaqueData().LoopFlush = true
			if err := c.edge.Put(ctx, marker); err != nil {
				packet.Pool.Put(marker)
				if !errors.Is(err, io.EOF) {
					return err
				}
				c.closed = true
			}
		}
		if st.cfg.BSF != nil {
			if err := st.cfg.BSF.Flush(ctx); err != nil {
				return err
			}
		}
	}

	if err := d.seekToStart(ctx); err != nil {
		logger.Errorf(ctx, "%s: error while seeking back to start: %v", d.reader, err)
		return err
	}
	return nil
}

func (d *Demuxer) seekToStart(ctx context.Context) error {
	target := d.startTimeEffective
	if target == timebase.NoPTS {
		target = 0
	}
	if err := d.reader.Seek(ctx, -1, math.MinInt64, target, target, 0); err != nil {
		return err
	}

	for _, st := range d.streams {
		if st.nbPackets == 0 {
			continue
		}
		// the observed span already ends after the last packet unless
		// packet durations were left out of it; account the last frame
		// then
		var lastDur int64
		if d.haveAudioDec || st.lastPktDuration == 0 {
			switch {
			case st.cfg.Framerate.IsValid() && st.cfg.Framerate.Num != 0:
				lastDur = timebase.RescaleQ(1, st.cfg.Framerate.Inv(), st.params.TimeBase)
			case st.params.AvgFrameRate.IsValid() && st.params.AvgFrameRate.Num != 0:
				lastDur = timebase.RescaleQ(1, st.params.AvgFrameRate.Inv(), st.params.TimeBase)
			case st.lastPktDuration > 0 &&
				(!d.haveAudioDec || st.params.MediaType == types.MediaTypeAudio):
				lastDur = st.lastPktDuration
			}
		}
		d.durationUpdate(st, lastDur)
	}

	if d.loopsLeft > 0 {
		d.loopsLeft--
	}
	logger.Debugf(ctx, "%s: seeked back to start, %d loops left", d.reader, d.loopsLeft)
	return nil
}

// durationUpdate folds one stream's observed span into the file
// duration used as the next play's timestamp offset.
func (d *Demuxer) durationUpdate(st *inputStream, lastDur int64) {
	if st.maxPTS > st.minPTS && uint64(st.maxPTS)-uint64(st.minPTS) < uint64(math.MaxInt64-lastDur) {
		lastDur += st.maxPTS - st.minPTS
	}
	if d.duration == 0 ||
		timebase.Compare(d.duration, d.durationTB, lastDur, st.params.TimeBase) < 0 {
		d.duration = lastDur
		d.durationTB = st.params.TimeBase
	}
}

func (d *Demuxer) sendAttachedPictures(ctx context.Context) error {
	for _, st := range d.streams {
		if !st.params.Disposition.Has(avio.DispositionAttachedPic) ||
			st.params.AttachedPicture == nil ||
			st.cfg.Discard || len(st.conns) == 0 {
			continue
		}
		pkt := packet.CloneAsReferenced(st.params.AttachedPicture)
		pkt.StreamIndex = st.params.Index
		if !pkt.TimeBase.IsValid() {
			pkt.TimeBase = st.params.TimeBase
		}
		st.nbPackets++
		st.nbBytes += uint64(pkt.Size())
		if err := d.fanOut(ctx, st, pkt, false); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) flushBitstreamFilters(ctx context.Context) error {
	for _, st := range d.streams {
		if st.cfg.BSF == nil || len(st.conns) == 0 {
			continue
		}
		if err := st.cfg.BSF.SendPacket(ctx, nil); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if err := d.drainBitstreamFilter(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) finishAll() {
	for _, st := range d.streams {
		for _, c := range st.conns {
			if !c.closed {
				c.edge.Finish()
				c.closed = true
			}
		}
	}
}

func (d *Demuxer) logStats(ctx context.Context) {
	var pkts, bytes uint64
	for _, st := range d.streams {
		pkts += st.nbPackets
		bytes += st.nbBytes
	}
	logger.Infof(ctx, "%s: %d packets (%s) demuxed", d.reader, pkts, humanize.Bytes(bytes))
}

// Close tears the demuxer down; it is idempotent and emits the final
// stats record on the first call.
func (d *Demuxer) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.logStats(ctx)
		d.closeErr = d.reader.Close(ctx)
	})
	return d.closeErr
}
