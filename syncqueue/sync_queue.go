// Package syncqueue implements the multi-stream holding buffer placed
// in front of encoders and muxers: items are released only when every
// active stream has one buffered (or has finished), in ascending pts
// order under a common reference time base. It also enforces
// per-stream frame-count caps and the "shortest" termination policy.
package syncqueue

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/xaionaro-go/typing"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/timebase"
)

// Timed is the item contract: packets and frames both satisfy it.
type Timed interface {
	GetPTS() int64
	GetTimeBase() timebase.Rational
}

type stream[T Timed] struct {
	fifo      []T
	finished  bool
	maxFrames typing.Optional[uint64]
	sent      uint64
	// lastPTS is the pts of the last item accepted, in its own tb.
	lastPTS typing.Optional[int64]
	lastTB  timebase.Rational
}

// SyncQueue buffers items from N streams. The zero value is not
// usable; construct with New.
type SyncQueue[T Timed] struct {
	locker    sync.Mutex
	cond      *sync.Cond
	streams   []*stream[T]
	shortest  bool
	buffered  int
	maxBuffer int
	cancelled bool

	// finishPTS is set under the shortest policy when the first
	// stream terminates; items beyond it are discarded.
	finishPTS typing.Optional[int64]
	finishTB  timebase.Rational
}

func New[T Timed](shortest bool, maxBuffer int) *SyncQueue[T] {
	if maxBuffer < 1 {
		maxBuffer = 1
	}
	sq := &SyncQueue[T]{
		shortest:  shortest,
		maxBuffer: maxBuffer,
	}
	sq.cond = sync.NewCond(&sq.locker)
	return sq
}

// AddStream registers a stream and returns its index. Streams are
// added before the first Send.
func (sq *SyncQueue[T]) AddStream() int {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	sq.streams = append(sq.streams, &stream[T]{})
	return len(sq.streams) - 1
}

// LimitFrames caps how many items the stream may pass; reaching the
// cap finishes the stream (and, under shortest, starts finishing the
// whole queue).
func (sq *SyncQueue[T]) LimitFrames(idx int, max uint64) {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	st := sq.streams[idx]
	st.maxFrames = typing.Opt(max)
	if st.sent >= max && !st.finished {
		sq.finishStreamLocked(idx)
	}
}

// Send appends an item to a stream's FIFO. It returns io.EOF once the
// stream is finished (cap reached, closed, or cut off by shortest).
// Send blocks while the internal buffer is full, but only as long as
// the consumer can actually make progress.
func (sq *SyncQueue[T]) Send(ctx context.Context, idx int, item T) error {
	sq.locker.Lock()
	defer sq.locker.Unlock()

	st := sq.streams[idx]
	if st.finished || sq.cancelled {
		if sq.cancelled {
			return avio.ErrCancelled
		}
		return io.EOF
	}
	if item.GetPTS() == timebase.NoPTS {
		return fmt.Errorf("%w: a sync queue requires timestamped items", avio.ErrInvalidData)
	}
	if sq.beyondHorizonLocked(item) {
		st.finished = true
		sq.cond.Broadcast()
		return io.EOF
	}

	for sq.buffered >= sq.maxBuffer && sq.emittableLocked() >= 0 && !sq.cancelled && !st.finished {
		sq.cond.Wait()
	}
	if sq.cancelled {
		return avio.ErrCancelled
	}
	if st.finished {
		return io.EOF
	}
	if sq.beyondHorizonLocked(item) {
		st.finished = true
		sq.cond.Broadcast()
		return io.EOF
	}

	st.fifo = append(st.fifo, item)
	st.lastPTS = typing.Opt(item.GetPTS())
	st.lastTB = item.GetTimeBase()
	sq.buffered++
	st.sent++
	if st.maxFrames.IsSet() && st.sent >= st.maxFrames.Get() {
		sq.finishStreamLocked(idx)
	}
	sq.cond.Broadcast()
	return nil
}

// Close declares stream-level EOF for one stream.
func (sq *SyncQueue[T]) Close(idx int) {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	if !sq.streams[idx].finished {
		sq.finishStreamLocked(idx)
		sq.cond.Broadcast()
	}
}

// Cancel aborts all blocked Send/Receive calls. It also makes the
// queue implement the scheduler's Edge contract.
func (sq *SyncQueue[T]) Cancel() {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	sq.cancelled = true
	sq.cond.Broadcast()
}

func (sq *SyncQueue[T]) Len() int {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	return sq.buffered
}

func (sq *SyncQueue[T]) Cap() int {
	return sq.maxBuffer
}

// Receive blocks until some stream is emittable, returning the stream
// index and the item with the smallest pts. io.EOF means every stream
// has finished and drained.
func (sq *SyncQueue[T]) Receive(ctx context.Context) (int, T, error) {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	var zero T
	for {
		if sq.cancelled {
			return -1, zero, avio.ErrCancelled
		}
		idx := sq.emittableLocked()
		if idx >= 0 {
			return idx, sq.popLocked(idx), nil
		}
		if sq.allFinishedLocked() {
			return -1, zero, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return -1, zero, avio.ErrCancelled
		}
		sq.cond.Wait()
	}
}

// TryReceive is the non-blocking Receive: avio.ErrAgain when no stream
// is emittable yet.
func (sq *SyncQueue[T]) TryReceive() (int, T, error) {
	sq.locker.Lock()
	defer sq.locker.Unlock()
	var zero T
	if sq.cancelled {
		return -1, zero, avio.ErrCancelled
	}
	if idx := sq.emittableLocked(); idx >= 0 {
		return idx, sq.popLocked(idx), nil
	}
	if sq.allFinishedLocked() {
		return -1, zero, io.EOF
	}
	return -1, zero, avio.ErrAgain
}

// emittableLocked returns the index of the stream whose head should be
// emitted next, or -1 when emission must wait. Emission requires every
// non-finished stream to have at least one buffered item.
func (sq *SyncQueue[T]) emittableLocked() int {
	best := -1
	for i, st := range sq.streams {
		if len(st.fifo) == 0 {
			if !st.finished {
				return -1
			}
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		head := st.fifo[0]
		bestHead := sq.streams[best].fifo[0]
		if timebase.Compare(head.GetPTS(), head.GetTimeBase(),
			bestHead.GetPTS(), bestHead.GetTimeBase()) < 0 {
			best = i
		}
	}
	return best
}

func (sq *SyncQueue[T]) popLocked(idx int) T {
	st := sq.streams[idx]
	item := st.fifo[0]
	st.fifo = st.fifo[1:]
	sq.buffered--
	sq.cond.Broadcast()
	return item
}

func (sq *SyncQueue[T]) allFinishedLocked() bool {
	for _, st := range sq.streams {
		if !st.finished || len(st.fifo) > 0 {
			return false
		}
	}
	return true
}

// finishStreamLocked marks a stream finished. Under the shortest
// policy the emission horizon is the minimum over the last accepted
// pts of all finished streams: buffered items beyond it are trimmed,
// streams that already passed it are finished, and streams still
// behind it stay open until a Send crosses it.
func (sq *SyncQueue[T]) finishStreamLocked(idx int) {
	st := sq.streams[idx]
	st.finished = true
	if !sq.shortest {
		return
	}
	if !st.lastPTS.IsSet() {
		// a stream that never produced anything shuts the queue down
		for _, other := range sq.streams {
			other.finished = true
		}
		return
	}
	if sq.finishPTS.IsSet() &&
		timebase.Compare(st.lastPTS.Get(), st.lastTB, sq.finishPTS.Get(), sq.finishTB) >= 0 {
		return
	}
	sq.finishPTS = st.lastPTS
	sq.finishTB = st.lastTB
	for _, other := range sq.streams {
		sq.trimBeyondFinishLocked(other)
		if other.finished {
			continue
		}
		if other.lastPTS.IsSet() &&
			timebase.Compare(other.lastPTS.Get(), other.lastTB, sq.finishPTS.Get(), sq.finishTB) >= 0 {
			other.finished = true
		}
	}
}

func (sq *SyncQueue[T]) beyondHorizonLocked(item T) bool {
	if !sq.finishPTS.IsSet() {
		return false
	}
	return timebase.Compare(item.GetPTS(), item.GetTimeBase(), sq.finishPTS.Get(), sq.finishTB) > 0
}

func (sq *SyncQueue[T]) trimBeyondFinishLocked(st *stream[T]) {
	cut := len(st.fifo)
	for i, item := range st.fifo {
		if timebase.Compare(item.GetPTS(), item.GetTimeBase(), sq.finishPTS.Get(), sq.finishTB) > 0 {
			cut = i
			break
		}
	}
	sq.buffered -= len(st.fifo) - cut
	st.fifo = st.fifo[:cut]
}
