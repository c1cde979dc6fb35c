// Package queue implements the bounded blocking queue backing every
// scheduler edge. A queue distinguishes three terminal conditions:
// the producer finished (io.EOF after draining), the consumer stopped
// reading (io.EOF on Put), and pipeline cancellation (ErrCancelled,
// with already-queued items still drainable).
package queue

import (
	"context"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/helpers/closuresignaler"
)

// Queue is a fixed-capacity FIFO connecting one pipeline stage to
// another. All methods are safe for concurrent use, FIFO order is
// guaranteed per producer.
type Queue[T any] struct {
	ch           chan T
	finishOnce   sync.Once
	cancelSig    *closuresignaler.ClosureSignaler
	consumerDone *closuresignaler.ClosureSignaler

	// progress counts successful Put/Get operations; the scheduler
	// watchdog reads it through a shared counter.
	progress *atomic.Uint64
}

func New[T any](capacity int) *Queue[T] {
	return NewWithProgress[T](capacity, atomic.NewUint64(0))
}

// NewWithProgress creates a queue whose activity is accounted into the
// given shared counter.
func NewWithProgress[T any](capacity int, progress *atomic.Uint64) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:           make(chan T, capacity),
		cancelSig:    closuresignaler.New(),
		consumerDone: closuresignaler.New(),
		progress:     progress,
	}
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Put appends an item, blocking while the queue is full. It returns
// io.EOF once the consumer has declared it will read no more, and
// avio.ErrCancelled after Cancel (or ctx cancellation).
//
// Put must not be called after Finish.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	if q.consumerDone.IsClosed() {
		return io.EOF
	}
	if q.cancelSig.IsClosed() {
		return avio.ErrCancelled
	}
	select {
	case q.ch <- item:
		q.progress.Inc()
		return nil
	case <-q.consumerDone.CloseChan():
		return io.EOF
	case <-q.cancelSig.CloseChan():
		return avio.ErrCancelled
	case <-ctx.Done():
		return avio.ErrCancelled
	}
}

// Get removes the oldest item, blocking while the queue is empty. It
// returns io.EOF once the producer has finished and all items are
// drained, and avio.ErrCancelled after Cancel (or ctx cancellation);
// items queued before cancellation are still delivered first.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, io.EOF
		}
		q.progress.Inc()
		return item, nil
	default:
	}
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, io.EOF
		}
		q.progress.Inc()
		return item, nil
	case <-q.cancelSig.CloseChan():
		return zero, avio.ErrCancelled
	case <-ctx.Done():
		return zero, avio.ErrCancelled
	}
}

// TryGet is the non-blocking Get; ok is false when nothing was
// available (err then distinguishes empty from EOF/cancel).
func (q *Queue[T]) TryGet() (T, bool, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, false, io.EOF
		}
		q.progress.Inc()
		return item, true, nil
	default:
	}
	if q.cancelSig.IsClosed() {
		return zero, false, avio.ErrCancelled
	}
	return zero, false, avio.ErrAgain
}

// Finish marks the producer side done: Get drains the remaining items
// and then reports io.EOF.
func (q *Queue[T]) Finish() {
	q.finishOnce.Do(func() {
		close(q.ch)
	})
}

// DoneReading marks the consumer side done: subsequent Puts report
// io.EOF so the producer can stop early.
func (q *Queue[T]) DoneReading() {
	q.consumerDone.Close()
}

// Cancel aborts blocked operations on both sides. Items already queued
// remain drainable through Get/TryGet.
func (q *Queue[T]) Cancel() {
	q.cancelSig.Close()
}

// IsCancelled reports whether Cancel has been called.
func (q *Queue[T]) IsCancelled() bool {
	return q.cancelSig.IsClosed()
}
