package sched

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/avio"
)

type funcRunner struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *funcRunner) String() string { return r.name }

func (r *funcRunner) Run(ctx context.Context) error { return r.fn(ctx) }

func TestNormalTermination(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := s.Add(ctx, KindDemux, &funcRunner{name: "a", fn: func(ctx context.Context) error { return nil }})
	b := s.Add(ctx, KindMux, &funcRunner{name: "b", fn: func(ctx context.Context) error { return io.EOF }})
	q := NewEdge[int](ctx, s, a, b, 8)
	_ = q
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Wait(ctx))
}

func TestFirstFatalErrorWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := fmt.Errorf("container exploded")
	s.Add(ctx, KindDemux, &funcRunner{name: "boom", fn: func(ctx context.Context) error { return boom }})
	s.Add(ctx, KindMux, &funcRunner{name: "wait", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return avio.ErrCancelled
	}})
	require.NoError(t, s.Start(ctx))
	err := s.Wait(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	var errNode ErrNode
	require.ErrorAs(t, err, &errNode)
	require.Equal(t, KindDemux, errNode.Node.Kind)
}

func TestCancellationLiveness(t *testing.T) {
	ctx := context.Background()
	s := New()
	// four nodes blocked on a full/empty edge each
	var nodes []Node
	for i := 0; i < 4; i++ {
		nodes = append(nodes, s.Add(ctx, KindDecode, nil))
	}
	for i := 0; i < 4; i++ {
		q := NewEdge[int](ctx, s, nodes[i], nodes[(i+1)%4], 1)
		i := i
		s.nodes[i].runner = &funcRunner{name: fmt.Sprintf("n%d", i), fn: func(ctx context.Context) error {
			_, err := q.Get(ctx) // blocks forever until cancel
			return err
		}}
	}
	require.NoError(t, s.Start(ctx))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Cancel(ctx)
	err := s.Wait(ctx)
	require.ErrorIs(t, err, avio.ErrCancelled)
	require.Less(t, time.Since(start), time.Second)
}

func TestWatchdogCancelsStalledGraph(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.WatchdogTimeout = 200 * time.Millisecond
	a := s.Add(ctx, KindDemux, nil)
	b := s.Add(ctx, KindMux, nil)
	q := NewEdge[int](ctx, s, a, b, 1)
	blocked := func(ctx context.Context) error {
		_, err := q.Get(ctx)
		return err
	}
	s.nodes[0].runner = &funcRunner{name: "a", fn: blocked}
	s.nodes[1].runner = &funcRunner{name: "b", fn: blocked}
	require.NoError(t, s.Start(ctx))
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "deadlock")
}
