package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avdriver/queue"
)

// Feeder pumps one upstream edge into one stream of a sync queue and
// closes the stream on upstream EOF. When the sync queue cuts the
// stream off (frame cap or shortest), the feeder stops its producer
// and exits cleanly.
type Feeder[T Timed] struct {
	Name   string
	SQ     *SyncQueue[T]
	Stream int
	In     *queue.Queue[T]
	// Release recycles an item the sync queue refused; may be nil.
	Release func(T)
}

func (f *Feeder[T]) String() string {
	return fmt.Sprintf("SyncFeeder(%s)", f.Name)
}

func (f *Feeder[T]) Run(ctx context.Context) error {
	for {
		item, err := f.In.Get(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			f.SQ.Close(f.Stream)
			return nil
		default:
			return err
		}
		if err := f.SQ.Send(ctx, f.Stream, item); err != nil {
			f.release(item)
			if errors.Is(err, io.EOF) {
				f.In.DoneReading()
				f.drainLeftovers()
				return nil
			}
			return err
		}
	}
}

func (f *Feeder[T]) drainLeftovers() {
	for {
		item, ok, _ := f.In.TryGet()
		if !ok {
			return
		}
		f.release(item)
	}
}

func (f *Feeder[T]) release(item T) {
	if f.Release != nil {
		f.Release(item)
	}
}

// Dispatcher drains a sync queue and forwards the emitted items to the
// per-stream destination edges; all edges are finished once the queue
// reports EOF.
type Dispatcher[T Timed] struct {
	Name string
	SQ   *SyncQueue[T]
	Outs []*queue.Queue[T]
	// Release recycles an item a consumer refused; may be nil.
	Release func(T)
}

func (d *Dispatcher[T]) String() string {
	return fmt.Sprintf("SyncDispatcher(%s)", d.Name)
}

func (d *Dispatcher[T]) Run(ctx context.Context) error {
	for {
		idx, item, err := d.SQ.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			for _, out := range d.Outs {
				out.Finish()
			}
			return nil
		default:
			return err
		}
		if err := d.Outs[idx].Put(ctx, item); err != nil {
			d.release(item)
			if errors.Is(err, io.EOF) {
				// the consumer is gone; keep dispatching the others
				continue
			}
			return err
		}
	}
}

func (d *Dispatcher[T]) release(item T) {
	if d.Release != nil {
		d.Release(item)
	}
}
