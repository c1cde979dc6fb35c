package avdriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/queue"
	"github.com/xaionaro-go/avdriver/timebase"
)

// FilterNode drives one filter graph: frames arrive from decoder edges
// on the input pads, transformed frames leave on the output pads. A pad
// may fan out to several consumers. Input EOF is forwarded into the
// graph with the timestamp the stream would have continued at, so
// filters that pad or resample can flush correctly.
type FilterNode struct {
	Graph avio.FilterGraph

	ins     []*queue.Queue[*frame.Frame]
	inDone  []bool
	nextPTS []int64
	inTB    []timebase.Rational

	outs    [][]*queue.Queue[*frame.Frame]
	outDone []bool
}

func NewFilterNode(graph avio.FilterGraph) *FilterNode {
	n := &FilterNode{
		Graph:   graph,
		ins:     make([]*queue.Queue[*frame.Frame], graph.NumInputs()),
		inDone:  make([]bool, graph.NumInputs()),
		nextPTS: make([]int64, graph.NumInputs()),
		inTB:    make([]timebase.Rational, graph.NumInputs()),
		outs:    make([][]*queue.Queue[*frame.Frame], graph.NumOutputs()),
		outDone: make([]bool, graph.NumOutputs()),
	}
	for pad := range n.nextPTS {
		n.nextPTS[pad] = timebase.NoPTS
	}
	return n
}

func (n *FilterNode) String() string {
	return fmt.Sprintf("Filter(%s)", n.Graph)
}

// ConnectInput binds the frame edge feeding an input pad.
func (n *FilterNode) ConnectInput(pad int, edge *queue.Queue[*frame.Frame]) {
	n.ins[pad] = edge
}

// ConnectOutput registers a destination edge on an output pad.
func (n *FilterNode) ConnectOutput(pad int, edge *queue.Queue[*frame.Frame]) {
	n.outs[pad] = append(n.outs[pad], edge)
}

// Run is the filter worker loop. A single-input graph blocks on its
// edge; a multi-input graph polls its pads round-robin.
func (n *FilterNode) Run(ctx context.Context) error {
	for pad, in := range n.ins {
		if in == nil {
			return fmt.Errorf("%s: input pad %d is not connected", n, pad)
		}
	}
	single := len(n.ins) == 1
	for {
		live := 0
		progressed := false
		for pad, in := range n.ins {
			if n.inDone[pad] {
				continue
			}
			live++
			f, ok, err := n.poll(ctx, in, single)
			switch {
			case err == nil && !ok:
				continue
			case err == nil:
			case errors.Is(err, io.EOF):
				if err := n.padEOF(ctx, pad); err != nil {
					return err
				}
				progressed = true
				continue
			default:
				return err
			}
			progressed = true
			if err := n.processFrame(ctx, pad, f); err != nil {
				return err
			}
		}
		if live == 0 {
			break
		}
		if !progressed && !single {
			select {
			case <-ctx.Done():
				return avio.ErrCancelled
			case <-time.After(time.Millisecond):
			}
		}
	}
	return n.finish(ctx)
}

func (n *FilterNode) poll(ctx context.Context, in *queue.Queue[*frame.Frame], single bool) (*frame.Frame, bool, error) {
	if single {
		f, err := in.Get(ctx)
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	}
	f, ok, err := in.TryGet()
	if !ok {
		if errors.Is(err, avio.ErrAgain) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (n *FilterNode) processFrame(ctx context.Context, pad int, f *frame.Frame) error {
	if f.PTS != timebase.NoPTS {
		n.nextPTS[pad] = f.PTS + f.Duration
		n.inTB[pad] = f.TimeBase
	}
	if err := n.Graph.PushFrame(ctx, pad, f, false); err != nil {
		return fmt.Errorf("%s: cannot push a frame into pad %d: %w", n, pad, err)
	}
	return n.drainOutputs(ctx)
}

func (n *FilterNode) padEOF(ctx context.Context, pad int) error {
	n.inDone[pad] = true
	tb := n.inTB[pad]
	if !tb.IsValid() {
		tb = timebase.TimeBaseQ
	}
	if err := n.Graph.PushEOF(ctx, pad, n.nextPTS[pad], tb); err != nil {
		return fmt.Errorf("%s: cannot close pad %d: %w", n, pad, err)
	}
	return n.drainOutputs(ctx)
}

func (n *FilterNode) drainOutputs(ctx context.Context) error {
	for pad := 0; pad < n.Graph.NumOutputs(); pad++ {
		if n.outDone[pad] {
			continue
		}
	pull:
		for {
			f := frame.Pool.Get()
			err := n.Graph.PullFrame(ctx, pad, f)
			switch {
			case err == nil:
			case errors.Is(err, avio.ErrAgain):
				frame.Pool.Put(f)
				break pull
			case errors.Is(err, io.EOF):
				frame.Pool.Put(f)
				n.outDone[pad] = true
				for _, out := range n.outs[pad] {
					out.Finish()
				}
				break pull
			default:
				frame.Pool.Put(f)
				return fmt.Errorf("%s: cannot pull from pad %d: %w", n, pad, err)
			}
			if !f.TimeBase.IsValid() {
				f.TimeBase = n.Graph.OutputTimeBase(pad)
			}
			if err := n.fanOut(ctx, pad, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *FilterNode) fanOut(ctx context.Context, pad int, f *frame.Frame) error {
	outs := n.outs[pad]
	if len(outs) == 0 {
		frame.Pool.Put(f)
		return nil
	}
	for i, out := range outs {
		item := f
		if i < len(outs)-1 {
			item = frame.CloneAsReferenced(f)
		}
		if err := out.Put(ctx, item); err != nil {
			frame.Pool.Put(item)
			if errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
	}
	return nil
}

func (n *FilterNode) finish(ctx context.Context) error {
	if err := n.drainOutputs(ctx); err != nil {
		return err
	}
	for pad, done := range n.outDone {
		if !done {
			return fmt.Errorf("%s: output pad %d never reached EOF", n, pad)
		}
	}
	return nil
}
