// pool.go implements pools for reusing Frame envelopes.

package frame

import (
	"github.com/xaionaro-go/avdriver/pool"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

var payloadPool = pool.NewPool(
	func() *payload { return &payload{} },
	func(p *payload) {},
)

var Pool = pool.NewPool(
	func() *Frame {
		return &Frame{
			MediaType:           types.MediaTypeUnknown,
			PTS:                 timebase.NoPTS,
			BestEffortTimestamp: timebase.NoPTS,
		}
	},
	func(f *Frame) { f.reset() },
)

// CloneAsReferenced returns a frame sharing src's payload with copied
// metadata.
func CloneAsReferenced(src *Frame) *Frame {
	dst := Pool.Get()
	dst.CopyMetadataFrom(src)
	if src.payload != nil {
		src.payload.refs.Inc()
		dst.payload = src.payload
	}
	return dst
}
