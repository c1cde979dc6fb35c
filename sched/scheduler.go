package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/helpers/closuresignaler"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/queue"
)

// DefaultWatchdogTimeout is how long the graph may make no progress on
// any edge before the watchdog declares a deadlock and cancels.
const DefaultWatchdogTimeout = 10 * time.Second

// Runner is a node worker: it blocks on its input edges and drives its
// output edges until EOF, cancellation or a fatal error.
type Runner interface {
	fmt.Stringer
	Run(ctx context.Context) error
}

type nodeEntry struct {
	node   Node
	runner Runner
}

// Edge is the scheduler's untyped view of a bounded queue; used for
// global cancellation and the watchdog's graph dump.
type Edge interface {
	Len() int
	Cap() int
	Cancel()
}

type edgeEntry struct {
	from, to Node
	q        Edge
}

// Scheduler owns the node registry and the lifecycle of all workers.
// Nodes and edges are registered before Start; Start spawns one worker
// per node; Wait returns the first fatal error observed (or
// avio.ErrCancelled after a user cancel, or nil).
type Scheduler struct {
	locker    xsync.Mutex
	nodes     []nodeEntry
	edges     []edgeEntry
	kindCount map[NodeKind]uint32
	started   bool

	cancelled *closuresignaler.ClosureSignaler
	cancelFn  context.CancelFunc
	progress  *atomic.Uint64
	wg        sync.WaitGroup
	doneCh    chan struct{}

	errOnce  sync.Once
	fatalErr atomic.Error

	WatchdogTimeout time.Duration
}

func New() *Scheduler {
	return &Scheduler{
		kindCount:       map[NodeKind]uint32{},
		cancelled:       closuresignaler.New(),
		progress:        atomic.NewUint64(0),
		doneCh:          make(chan struct{}),
		WatchdogTimeout: DefaultWatchdogTimeout,
	}
}

// Add registers a worker and returns its node handle.
func (s *Scheduler) Add(ctx context.Context, kind NodeKind, runner Runner) Node {
	return xsync.DoR1(ctx, &s.locker, func() Node {
		if s.started {
			panic("node added after Start")
		}
		node := Node{Kind: kind, Index: s.kindCount[kind]}
		s.kindCount[kind]++
		s.nodes = append(s.nodes, nodeEntry{node: node, runner: runner})
		return node
	})
}

// NewEdge allocates the bounded queue backing the edge from one node
// to another and registers it for cancellation and watchdog
// accounting.
func NewEdge[T any](ctx context.Context, s *Scheduler, from, to Node, capacity int) *queue.Queue[T] {
	q := NewQueue[T](s, capacity)
	s.AddEdge(ctx, from, to, q)
	return q
}

// NewQueue allocates a queue accounted into the scheduler's progress
// counter but not yet bound to nodes. Use it when the consumer worker
// needs the queue at construction time, and bind it with AddEdge once
// both nodes exist.
func NewQueue[T any](s *Scheduler, capacity int) *queue.Queue[T] {
	return queue.NewWithProgress[T](capacity, s.progress)
}

// AddEdge registers an existing queue (or any Edge, e.g. a sync queue)
// for cancellation and watchdog accounting.
func (s *Scheduler) AddEdge(ctx context.Context, from, to Node, q Edge) {
	s.locker.Do(ctx, func() {
		if s.started {
			panic("edge connected after Start")
		}
		s.edges = append(s.edges, edgeEntry{from: from, to: to, q: q})
	})
}

// Start spawns one worker goroutine per registered node plus the
// watchdog. It must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) error {
	logger.Debugf(ctx, "Start")
	defer func() { logger.Debugf(ctx, "/Start") }()

	var nodes []nodeEntry
	err := xsync.DoR1(ctx, &s.locker, func() error {
		if s.started {
			return fmt.Errorf("the scheduler is already started")
		}
		s.started = true
		nodes = s.nodes
		return nil
	})
	if err != nil {
		return err
	}

	ctx, cancelFn := context.WithCancel(ctx)
	s.locker.Do(ctx, func() {
		s.cancelFn = cancelFn
	})

	for _, entry := range nodes {
		s.wg.Add(1)
		observability.Go(ctx, func(ctx context.Context) {
			defer s.wg.Done()
			s.runNode(ctx, entry)
		})
	}

	observability.Go(ctx, func(ctx context.Context) {
		s.watchdog(ctx)
	})

	observability.Go(ctx, func(ctx context.Context) {
		s.wg.Wait()
		close(s.doneCh)
	})
	return nil
}

func (s *Scheduler) runNode(ctx context.Context, entry nodeEntry) {
	ctx = logger.CtxWithLogger(ctx, logger.FromCtx(ctx).WithField("node", entry.node.String()))
	logger.Debugf(ctx, "runNode[%s]", entry.node)
	err := entry.runner.Run(ctx)
	logger.Debugf(ctx, "/runNode[%s]: %v", entry.node, err)
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	if errors.Is(err, avio.ErrCancelled) || errors.Is(err, context.Canceled) {
		return
	}
	s.publishError(ctx, ErrNode{Node: entry.node, Runner: entry.runner, Err: err})
}

func (s *Scheduler) publishError(ctx context.Context, errNode ErrNode) {
	logger.Errorf(ctx, "%v", errNode)
	s.errOnce.Do(func() {
		s.fatalErr.Store(errNode)
	})
	s.Cancel(ctx)
}

// Cancel aborts the pipeline: sticky, safe to call from any worker or
// from outside. Blocked queue operations return avio.ErrCancelled
// within bounded time.
func (s *Scheduler) Cancel(ctx context.Context) {
	logger.Debugf(ctx, "Cancel")
	s.cancelled.Close()
	var cancelFn context.CancelFunc
	var edges []edgeEntry
	s.locker.Do(ctx, func() {
		cancelFn = s.cancelFn
		edges = s.edges
	})
	if cancelFn != nil {
		cancelFn()
	}
	for _, e := range edges {
		e.q.Cancel()
	}
}

// IsCancelled reports whether the pipeline has been cancelled.
func (s *Scheduler) IsCancelled() bool {
	return s.cancelled.IsClosed()
}

// CancelChan is closed once the scheduler has been cancelled.
func (s *Scheduler) CancelChan() <-chan struct{} {
	return s.cancelled.CloseChan()
}

// Wait blocks until every worker has exited. It returns the first
// fatal error observed, avio.ErrCancelled for a clean user cancel, or
// nil when all exits were normal EOFs.
func (s *Scheduler) Wait(ctx context.Context) error {
	logger.Debugf(ctx, "Wait")
	defer func() { logger.Debugf(ctx, "/Wait") }()
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.fatalErr.Load(); err != nil {
		return err
	}
	if s.cancelled.IsClosed() {
		return avio.ErrCancelled
	}
	return nil
}

func (s *Scheduler) watchdog(ctx context.Context) {
	if s.WatchdogTimeout <= 0 {
		return
	}
	tick := time.NewTicker(s.WatchdogTimeout / 4)
	defer tick.Stop()

	lastProgress := s.progress.Load()
	lastChange := time.Now() // monotonic
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-tick.C:
		}
		if cur := s.progress.Load(); cur != lastProgress {
			lastProgress = cur
			lastChange = time.Now()
			continue
		}
		if time.Since(lastChange) < s.WatchdogTimeout {
			continue
		}
		logger.Errorf(ctx, "no progress on any edge for %v, assuming a deadlock; graph state:\n%s",
			s.WatchdogTimeout, s.DumpGraph())
		s.publishError(ctx, ErrNode{Err: fmt.Errorf("pipeline deadlock: no progress for %v", s.WatchdogTimeout)})
		return
	}
}

// DumpGraph renders the node/edge registry with queue fill levels, for
// the watchdog report and for debugging.
func (s *Scheduler) DumpGraph() string {
	result := ""
	for _, e := range s.edges {
		result += fmt.Sprintf("\t%s -> %s [%d/%d]\n", e.from, e.to, e.q.Len(), e.q.Cap())
	}
	return result
}
