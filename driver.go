// Package avdriver assembles a whole transcoding job out of the stage
// packages: per-input demuxers, per-stream decoders, filter graphs,
// encoders and per-output muxer coordinators, all connected by bounded
// queues and driven by the scheduler.
package avdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/xcontext"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/decode"
	"github.com/xaionaro-go/avdriver/demux"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/mux"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/sched"
	"github.com/xaionaro-go/avdriver/syncqueue"
)

// Pipeline is a built transcoding job. Construct with New, then Run,
// Wait and finally Close.
type Pipeline struct {
	cfg Config

	sched      *sched.Scheduler
	demuxers   []*demux.Demuxer
	demuxNodes []sched.Node
	decoders   map[StreamRef]*decoderEntry
	filters    []*FilterNode
	muxers     []*mux.Muxer
}

type decoderEntry struct {
	dec  *decode.Decoder
	node sched.Node
}

// New validates the configuration, opens every output (header
// included) and wires the full dataflow graph. On error the writers
// may have been partially written to; the caller owns closing the
// readers, writers and codec handles in any case.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		sched:    sched.New(),
		decoders: map[StreamRef]*decoderEntry{},
	}
	switch {
	case cfg.WatchdogTimeout > 0:
		p.sched.WatchdogTimeout = cfg.WatchdogTimeout
	case cfg.WatchdogTimeout < 0:
		p.sched.WatchdogTimeout = 0
	}

	if err := p.buildInputs(ctx); err != nil {
		return nil, err
	}
	for outIdx := range cfg.Outputs {
		if err := p.buildOutput(ctx, outIdx); err != nil {
			return nil, fmt.Errorf("output #%d: %w", outIdx, err)
		}
	}
	return p, nil
}

func (p *Pipeline) buildInputs(ctx context.Context) error {
	for i, in := range p.cfg.Inputs {
		dcfg := demux.Config{
			Reader:               in.Reader,
			LoopCount:            in.LoopCount,
			ReadRate:             in.ReadRate,
			ReadRateInitialBurst: in.ReadRateInitialBurst,
			StartTime:            in.StartTime,
			RecordingTime:        in.RecordingTime,
			InputTSOffset:        in.InputTSOffset,
			CopyTS:               p.cfg.CopyTS,
			StartAtZero:          p.cfg.StartAtZero,
			ExitOnError:          p.cfg.ExitOnError,
			DebugTS:              p.cfg.DebugTS,
			DTSDeltaThreshold:    p.cfg.DTSDeltaThreshold,
			DTSErrorThreshold:    p.cfg.DTSErrorThreshold,
			Streams:              map[int]demux.StreamConfig{},
		}
		for idx, sc := range in.Streams {
			dcfg.Streams[idx] = demux.StreamConfig{
				Discard:    sc.Discard,
				TSScale:    sc.TSScale,
				BSF:        sc.BSF,
				SubToVideo: sc.SubToVideo,
				Framerate:  sc.Framerate,
			}
		}
		d, err := demux.New(ctx, dcfg)
		if err != nil {
			return fmt.Errorf("input #%d: %w", i, err)
		}
		p.demuxers = append(p.demuxers, d)
		p.demuxNodes = append(p.demuxNodes, p.sched.Add(ctx, sched.KindDemux, d))
	}
	return nil
}

// decoderFor lazily creates the single decoder of an input stream;
// every output stream that re-encodes the same source shares it.
func (p *Pipeline) decoderFor(ctx context.Context, ref StreamRef) (*decoderEntry, error) {
	if ent, ok := p.decoders[ref]; ok {
		return ent, nil
	}
	in := p.cfg.Inputs[ref.Input]
	isc := in.Streams[ref.Stream]

	pktQ := sched.NewQueue[*packet.Packet](p.sched, p.cfg.edgeCapacity())
	if err := p.demuxers[ref.Input].ConnectStream(ref.Stream, demux.ModeDecode, pktQ); err != nil {
		return nil, err
	}
	dec, err := decode.New(ctx, decode.Config{
		Params:            in.Reader.Streams()[ref.Stream],
		Codec:             isc.Decoder,
		In:                pktQ,
		Framerate:         isc.Framerate,
		TopFieldFirst:     isc.TopFieldFirst,
		SampleAspectRatio: isc.SampleAspectRatio,
		TSUnreliable:      in.Reader.FormatFlags().Has(avio.FormatNoTimestamps),
		FixSubDuration:    isc.FixSubDuration,
		AttachFrameData:   isc.AttachFrameData,
		ExitOnError:       p.cfg.ExitOnError,
		DebugTS:           p.cfg.DebugTS,
	})
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", ref, err)
	}
	node := p.sched.Add(ctx, sched.KindDecode, dec)
	p.sched.AddEdge(ctx, p.demuxNodes[ref.Input], node, pktQ)
	ent := &decoderEntry{dec: dec, node: node}
	p.decoders[ref] = ent
	return ent, nil
}

// pendingEdge is a queue whose consumer node does not exist yet (the
// output stream workers are only born once the whole output is
// described to the muxer).
type pendingEdge struct {
	from sched.Node
	// fromDispatcher: the producer is the sync-queue dispatcher, whose
	// node is created after all stream chains.
	fromDispatcher bool
	q              sched.Edge
	stream         int
}

func (p *Pipeline) buildOutput(ctx context.Context, outIdx int) error {
	out := p.cfg.Outputs[outIdx]
	capacity := p.cfg.edgeCapacity()

	encCount, copyCount := 0, 0
	for _, m := range out.Streams {
		if m.Encoder != nil {
			encCount++
		} else {
			copyCount++
		}
	}

	// ordering across streams: a packet sync queue when streamcopy is
	// involved, otherwise a frame sync queue in front of the encoders.
	var syncMux *syncqueue.SyncQueue[*packet.Packet]
	var syncEnc *syncqueue.SyncQueue[*frame.Frame]
	if out.Shortest {
		if copyCount > 0 {
			syncMux = syncqueue.New[*packet.Packet](true, out.syncBuffer())
		} else if encCount > 1 {
			syncEnc = syncqueue.New[*frame.Frame](true, out.syncBuffer())
		}
	}

	var (
		streamCfgs []mux.StreamConfig
		pending    []pendingEdge
		feeders    []sched.Node
		dispatcher *syncqueue.Dispatcher[*frame.Frame]
	)
	if syncEnc != nil {
		dispatcher = &syncqueue.Dispatcher[*frame.Frame]{
			Name: fmt.Sprintf("enc#%d", outIdx),
			SQ:   syncEnc,
			Release: func(f *frame.Frame) {
				frame.Pool.Put(f)
			},
		}
	}

	for i, m := range out.Streams {
		sc := mux.StreamConfig{
			MaxFrames:      m.MaxFrames,
			ForceKeyframes: m.ForceKeyframes,
		}
		srcParams := p.cfg.Inputs[m.Source.Input].Reader.Streams()[m.Source.Stream]

		if m.Encoder == nil {
			pktQ := sched.NewQueue[*packet.Packet](p.sched, capacity)
			if err := p.demuxers[m.Source.Input].ConnectStream(m.Source.Stream, demux.ModeStreamCopy, pktQ); err != nil {
				return err
			}
			sc.PacketIn = pktQ
			sc.Params = outputParams(m, srcParams, i)
			pending = append(pending, pendingEdge{from: p.demuxNodes[m.Source.Input], q: pktQ, stream: i})
			streamCfgs = append(streamCfgs, sc)
			continue
		}

		ent, err := p.decoderFor(ctx, m.Source)
		if err != nil {
			return err
		}
		frameQ := sched.NewQueue[*frame.Frame](p.sched, capacity)
		ent.dec.ConnectOutput(frameQ)
		frameSrc := ent.node

		if m.Filter != nil {
			if m.Filter.NumInputs() != 1 || m.Filter.NumOutputs() != 1 {
				return fmt.Errorf("stream #%d: only single-input single-output filter graphs can be bound to a stream", i)
			}
			fn := NewFilterNode(m.Filter)
			fn.ConnectInput(0, frameQ)
			filtNode := p.sched.Add(ctx, sched.KindFilter, fn)
			p.sched.AddEdge(ctx, frameSrc, filtNode, frameQ)
			p.filters = append(p.filters, fn)

			filtQ := sched.NewQueue[*frame.Frame](p.sched, capacity)
			fn.ConnectOutput(0, filtQ)
			frameQ, frameSrc = filtQ, filtNode
		}

		if syncEnc != nil {
			sqIdx := syncEnc.AddStream()
			if m.MaxFrames > 0 {
				syncEnc.LimitFrames(sqIdx, m.MaxFrames)
			}
			feeder := &syncqueue.Feeder[*frame.Frame]{
				Name:   fmt.Sprintf("enc#%d:%d", outIdx, i),
				SQ:     syncEnc,
				Stream: sqIdx,
				In:     frameQ,
				Release: func(f *frame.Frame) {
					frame.Pool.Put(f)
				},
			}
			feederNode := p.sched.Add(ctx, sched.KindSyncEnc, feeder)
			p.sched.AddEdge(ctx, frameSrc, feederNode, frameQ)
			feeders = append(feeders, feederNode)

			encQ := sched.NewQueue[*frame.Frame](p.sched, capacity)
			dispatcher.Outs = append(dispatcher.Outs, encQ)
			frameQ = encQ
		}

		sc.FrameIn = frameQ
		sc.Encoder = m.Encoder
		sc.Params = outputParams(m, srcParams, i)
		pending = append(pending, pendingEdge{
			from:           frameSrc,
			fromDispatcher: syncEnc != nil,
			q:              frameQ,
			stream:         i,
		})
		streamCfgs = append(streamCfgs, sc)
	}

	var dispatcherNode sched.Node
	if syncEnc != nil {
		dispatcherNode = p.sched.Add(ctx, sched.KindSyncEnc, dispatcher)
		p.sched.AddEdge(ctx, feeders[0], dispatcherNode, syncEnc)
		for i := range pending {
			if pending[i].fromDispatcher {
				pending[i].from = dispatcherNode
			}
		}
	}

	m, err := mux.New(ctx, mux.Config{
		Writer:        out.Writer,
		Streams:       streamCfgs,
		SyncMux:       syncMux,
		MuxOpts:       out.MuxOpts,
		MaxInterleave: out.MaxInterleave,
		DebugTS:       p.cfg.DebugTS,
	})
	if err != nil {
		return err
	}
	p.muxers = append(p.muxers, m)

	streamNodes := make([]sched.Node, len(m.Streams()))
	for i, os := range m.Streams() {
		kind := sched.KindMux
		if os.Encoder != nil {
			kind = sched.KindEncode
		}
		streamNodes[i] = p.sched.Add(ctx, kind, os)
	}
	for _, pe := range pending {
		p.sched.AddEdge(ctx, pe.from, streamNodes[pe.stream], pe.q)
	}
	if syncMux != nil {
		muxNode := p.sched.Add(ctx, sched.KindSyncMux, m)
		p.sched.AddEdge(ctx, streamNodes[0], muxNode, syncMux)
	}
	return nil
}

// outputParams picks the stream parameters advertised to the writer:
// the explicit ones when given, otherwise the input parameters (with
// the encoder's time base for encoding streams).
func outputParams(m OutputStreamConfig, src *avio.StreamParams, index int) *avio.StreamParams {
	if m.Params != nil {
		return m.Params
	}
	params := *src
	params.Index = index
	if m.Encoder != nil {
		params.TimeBase = m.Encoder.TimeBase()
	}
	return &params
}

// Run starts every worker. It returns immediately; use Wait to block
// for completion.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.sched.Start(ctx)
}

// Cancel aborts the job: every edge is cancelled and the workers
// unwind. Outputs abandoned this way get no trailer.
func (p *Pipeline) Cancel(ctx context.Context) {
	p.sched.Cancel(ctx)
}

// Wait blocks until every worker returned, then logs the totals. It
// returns nil on a clean finish, avio.ErrCancelled after Cancel, and
// the first fatal worker error otherwise.
func (p *Pipeline) Wait(ctx context.Context) error {
	err := p.sched.Wait(ctx)
	p.logSummary(ctx)
	return err
}

// DumpGraph renders the dataflow graph with per-edge fill levels.
func (p *Pipeline) DumpGraph() string {
	return p.sched.DumpGraph()
}

// Stats are the whole-job counters; read them only after Wait
// returned.
type Stats struct {
	InPackets uint64
	InBytes   uint64
	InErrors  uint64

	DecodedFrames uint64
	DecodeErrors  uint64

	OutPackets uint64
	OutBytes   uint64
}

func (p *Pipeline) Stats() Stats {
	var st Stats
	for _, d := range p.demuxers {
		for _, s := range d.Stats() {
			st.InPackets += s.Packets
			st.InBytes += s.Bytes
			st.InErrors += s.Errors
		}
	}
	for _, ent := range p.decoders {
		s := ent.dec.Stats()
		st.DecodedFrames += s.Frames
		st.DecodeErrors += s.Errors
	}
	for _, m := range p.muxers {
		for _, os := range m.Streams() {
			s := os.Stats()
			st.OutPackets += s.Packets
			st.OutBytes += s.Bytes
		}
	}
	return st
}

func (p *Pipeline) logSummary(ctx context.Context) {
	st := p.Stats()
	logger.Infof(ctx,
		"demuxed %d packets (%s), decoded %d frames, muxed %d packets (%s); %d input errors, %d decode errors",
		st.InPackets, humanize.Bytes(st.InBytes),
		st.DecodedFrames,
		st.OutPackets, humanize.Bytes(st.OutBytes),
		st.InErrors, st.DecodeErrors,
	)
}

// Close releases the inputs and outputs (the writers' trailers were
// already handled by the muxer workers). Codec handles and filter
// graphs stay with the caller. Teardown runs to completion even when
// ctx is already cancelled.
func (p *Pipeline) Close(ctx context.Context) error {
	ctx = xcontext.DetachDone(ctx)
	var errs []error
	for i, m := range p.muxers {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing output #%d: %w", i, err))
		}
	}
	for i, d := range p.demuxers {
		if err := d.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing input #%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
