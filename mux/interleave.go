package mux

import (
	"github.com/go-ng/container/heap"

	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
)

// pendingPackets orders buffered packets by dts (pts when dts is
// absent) under their own time bases.
type pendingPackets []*packet.Packet

func (s pendingPackets) Len() int { return len(s) }
func (s pendingPackets) Less(i, j int) bool {
	return timebase.Compare(
		interleaveTS(s[i]), s[i].TimeBase,
		interleaveTS(s[j]), s[j].TimeBase,
	) < 0
}
func (s pendingPackets) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func interleaveTS(pkt *packet.Packet) int64 {
	if pkt.DTS != timebase.NoPTS {
		return pkt.DTS
	}
	return pkt.PTS
}

// interleaver reorders packets of one output file across its streams so
// they leave in ascending dts. A packet is held back until every
// still-open stream has one buffered; then packets are emitted until
// some stream runs dry again. When the buffer exceeds maxPending the
// oldest packet is released even while a stream is starved.
type interleaver struct {
	pending    pendingPackets
	counts     []int
	closed     []bool
	starved    int
	maxPending int
}

func newInterleaver(numStreams, maxPending int) *interleaver {
	if maxPending < 1 {
		maxPending = 1
	}
	return &interleaver{
		pending:    make(pendingPackets, 0, maxPending),
		counts:     make([]int, numStreams),
		closed:     make([]bool, numStreams),
		starved:    numStreams,
		maxPending: maxPending,
	}
}

// push buffers a packet and returns the packets that became emittable.
func (il *interleaver) push(pkt *packet.Packet) pendingPackets {
	idx := pkt.StreamIndex
	if il.counts[idx] == 0 && !il.closed[idx] {
		il.starved--
	}
	il.counts[idx]++
	heap.Push(&il.pending, pkt)

	out := il.emit(nil)
	if len(il.pending) >= il.maxPending {
		// a starved stream is stalling the rest
		out = il.pop(out)
	}
	return out
}

// closeStream marks a stream as delivering no more packets; done
// reports whether every stream is now closed and drained.
func (il *interleaver) closeStream(idx int) (_ pendingPackets, done bool) {
	if il.closed[idx] {
		return nil, il.done()
	}
	il.closed[idx] = true
	if il.counts[idx] == 0 {
		il.starved--
	}
	out := il.emit(nil)
	return out, il.done()
}

func (il *interleaver) emit(out pendingPackets) pendingPackets {
	for il.starved == 0 && len(il.pending) > 0 {
		out = il.pop(out)
	}
	return out
}

func (il *interleaver) pop(out pendingPackets) pendingPackets {
	pkt := heap.Pop(&il.pending)
	idx := pkt.StreamIndex
	il.counts[idx]--
	if il.counts[idx] == 0 && !il.closed[idx] {
		il.starved++
	}
	return append(out, pkt)
}

func (il *interleaver) done() bool {
	if len(il.pending) > 0 {
		return false
	}
	for _, closed := range il.closed {
		if !closed {
			return false
		}
	}
	return true
}
