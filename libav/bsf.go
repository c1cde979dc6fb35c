package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
)

// BitstreamFilter wraps an AVBSFContext; it implements
// avio.BitstreamFilter.
type BitstreamFilter struct {
	locker        xsync.Mutex
	name          string
	filter        *astiav.BitStreamFilter
	filterContext *astiav.BitStreamFilterContext
	codecParams   *astiav.CodecParameters
	timeBaseIn    timebase.Rational
	scratchPacket *astiav.Packet
	closer        *astikit.Closer
}

var _ avio.BitstreamFilter = (*BitstreamFilter)(nil)

// NewBitstreamFilter opens a bitstream filter by name against one
// stream of an input container.
func NewBitstreamFilter(
	ctx context.Context,
	name string,
	input *Input,
	streamIndex int,
) (_ *BitstreamFilter, _err error) {
	filter := astiav.FindBitStreamFilterByName(name)
	if filter == nil {
		return nil, fmt.Errorf("unable to find a bitstream filter '%s'", name)
	}

	b := &BitstreamFilter{
		name:   name,
		filter: filter,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			b.closer.Close()
		}
	}()

	var stream *astiav.Stream
	input.WithFormatContext(ctx, func(fc *astiav.FormatContext) {
		for _, s := range fc.Streams() {
			if s.Index() == streamIndex {
				stream = s
				return
			}
		}
	})
	if stream == nil {
		return nil, fmt.Errorf("%s has no stream #%d", input, streamIndex)
	}

	b.codecParams = astiav.AllocCodecParameters()
	if b.codecParams == nil {
		return nil, fmt.Errorf("unable to allocate codec parameters")
	}
	b.closer.Add(func() error { b.codecParams.Free(); return nil })
	if err := stream.CodecParameters().Copy(b.codecParams); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	b.timeBaseIn = fromRational(stream.TimeBase())

	if err := b.initContext(); err != nil {
		return nil, err
	}

	b.scratchPacket = astiav.AllocPacket()
	b.closer.Add(func() error { b.scratchPacket.Free(); return nil })
	return b, nil
}

// initContext (re)creates the AVBSFContext from the retained codec
// parameters; Flush uses it to reset the filter between stream loops.
func (b *BitstreamFilter) initContext() error {
	filterContext, err := astiav.AllocBitStreamFilterContext(b.filter)
	if err != nil {
		return fmt.Errorf("unable to allocate a bitstream filter context: %w", err)
	}
	if err := b.codecParams.Copy(filterContext.InputCodecParameters()); err != nil {
		filterContext.Free()
		return fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	filterContext.SetInputTimeBase(toRational(b.timeBaseIn))
	if err := filterContext.Initialize(); err != nil {
		filterContext.Free()
		return fmt.Errorf("unable to initialize the bitstream filter '%s': %w", b.name, err)
	}
	if b.filterContext != nil {
		b.filterContext.Free()
	}
	b.filterContext = filterContext
	return nil
}

func (b *BitstreamFilter) String() string { return fmt.Sprintf("BSF(%s)", b.name) }

func (b *BitstreamFilter) TimeBaseIn() timebase.Rational  { return b.timeBaseIn }
func (b *BitstreamFilter) TimeBaseOut() timebase.Rational { return b.timeBaseIn }

func (b *BitstreamFilter) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &b.locker, func() error {
		if pkt == nil {
			return wrapError(b.filterContext.SendPacket(nil))
		}
		b.scratchPacket.Unref()
		if err := b.scratchPacket.FromData(pkt.Data()); err != nil {
			return fmt.Errorf("unable to wrap the payload: %w", err)
		}
		b.scratchPacket.SetStreamIndex(pkt.StreamIndex)
		b.scratchPacket.SetPts(pkt.PTS)
		b.scratchPacket.SetDts(pkt.DTS)
		b.scratchPacket.SetDuration(pkt.Duration)
		if pkt.Flags&packet.FlagKey != 0 {
			b.scratchPacket.SetFlags(astiav.PacketFlags(astiav.PacketFlagKey))
		}
		return wrapError(b.filterContext.SendPacket(b.scratchPacket))
	})
}

func (b *BitstreamFilter) ReceivePacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &b.locker, func() error {
		b.scratchPacket.Unref()
		if err := wrapError(b.filterContext.ReceivePacket(b.scratchPacket)); err != nil {
			return err
		}
		pkt.StreamIndex = b.scratchPacket.StreamIndex()
		pkt.PTS = b.scratchPacket.Pts()
		pkt.DTS = b.scratchPacket.Dts()
		pkt.Duration = b.scratchPacket.Duration()
		pkt.TimeBase = b.timeBaseIn
		pkt.Flags = 0
		if b.scratchPacket.Flags().Has(astiav.PacketFlagKey) {
			pkt.Flags |= packet.FlagKey
		}
		pkt.SetData(b.scratchPacket.Data())
		return nil
	})
}

func (b *BitstreamFilter) Flush(ctx context.Context) error {
	return xsync.DoR1(ctx, &b.locker, func() error {
		return b.initContext()
	})
}

func (b *BitstreamFilter) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &b.locker, func() error {
		if b.filterContext != nil {
			b.filterContext.Free()
			b.filterContext = nil
		}
		return b.closer.Close()
	})
}
