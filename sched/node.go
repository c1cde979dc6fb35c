// Package sched implements the dataflow fabric of the pipeline: a
// registry of worker nodes (demuxers, decoders, filter graphs,
// encoders, muxers, sync queues) connected by bounded edges, with one
// OS thread of execution per node, sticky global cancellation and a
// deadlock watchdog.
package sched

import (
	"fmt"
)

// NodeKind classifies a scheduler node.
type NodeKind int

const (
	KindDemux NodeKind = iota
	KindDecode
	KindFilter
	KindEncode
	KindMux
	KindSyncEnc
	KindSyncMux
)

func (k NodeKind) String() string {
	switch k {
	case KindDemux:
		return "demux"
	case KindDecode:
		return "decode"
	case KindFilter:
		return "filter"
	case KindEncode:
		return "encode"
	case KindMux:
		return "mux"
	case KindSyncEnc:
		return "sync_enc"
	case KindSyncMux:
		return "sync_mux"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// Node addresses a registered worker. The zero Node is not valid.
type Node struct {
	Kind  NodeKind
	Index uint32
}

func (n Node) String() string {
	return fmt.Sprintf("%s#%d", n.Kind, n.Index)
}

// ErrNode attributes a worker's terminal error to its node.
type ErrNode struct {
	Node   Node
	Runner Runner
	Err    error
}

func (e ErrNode) Error() string {
	return fmt.Sprintf("received an error on %s (%s): %v", e.Node, e.Runner, e.Err)
}

func (e ErrNode) Unwrap() error {
	return e.Err
}
