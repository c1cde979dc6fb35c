// pool.go implements pools for reusing Packet envelopes and payload buffers.

package packet

import (
	"github.com/xaionaro-go/avdriver/pool"
	"github.com/xaionaro-go/avdriver/timebase"
)

var payloadPool = pool.NewPool(
	func() *payload { return &payload{} },
	func(p *payload) {},
)

var Pool = pool.NewPool(
	func() *Packet {
		return &Packet{PTS: timebase.NoPTS, DTS: timebase.NoPTS, Pos: -1}
	},
	func(p *Packet) { p.reset() },
)

// CloneAsReferenced returns a packet sharing src's payload; the
// metadata is copied, so the clone may be retimed independently.
func CloneAsReferenced(src *Packet) *Packet {
	dst := Pool.Get()
	dst.CopyMetadataFrom(src)
	if src.payload != nil {
		src.payload.refs.Inc()
		dst.payload = src.payload
	}
	return dst
}

// CloneAsWritable returns a packet with a private copy of src's payload.
func CloneAsWritable(src *Packet) *Packet {
	dst := Pool.Get()
	dst.CopyMetadataFrom(src)
	dst.SetData(src.Data())
	return dst
}
