package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// Decoder wraps an open decoding codec context; it implements
// avio.Decoder.
type Decoder struct {
	locker        xsync.Mutex
	codec         *astiav.Codec
	codecContext  *astiav.CodecContext
	closer        *astikit.Closer
	params        avio.DecoderParams
	mediaType     types.MediaType
	scratchPacket *astiav.Packet
	scratchFrame  *astiav.Frame
}

var _ avio.Decoder = (*Decoder)(nil)

// DecoderConfig configures how a decoder is opened for one stream of
// an input container.
type DecoderConfig struct {
	StreamIndex int
	Options     types.DictionaryItems

	// ForFilter and ForEncode say where the decoded frames are routed;
	// some codec option defaults depend on the consumers.
	ForFilter bool
	ForEncode bool
}

// dvbSubtitleOptions defaults compute_edt=1 so lavc computes end
// display times instead of waiting for the following event; an
// explicit caller choice wins.
func dvbSubtitleOptions(opts types.DictionaryItems) types.DictionaryItems {
	if _, ok := opts.Get("compute_edt"); ok {
		return opts
	}
	return append(append(types.DictionaryItems{}, opts...),
		types.DictionaryItem{Key: "compute_edt", Value: "1"})
}

// NewDecoder opens a decoder for one stream of an input container.
func NewDecoder(
	ctx context.Context,
	input *Input,
	cfg DecoderConfig,
) (_ *Decoder, _err error) {
	streamIndex := cfg.StreamIndex
	var stream *astiav.Stream
	var framerate astiav.Rational
	input.WithFormatContext(ctx, func(fc *astiav.FormatContext) {
		for _, s := range fc.Streams() {
			if s.Index() == streamIndex {
				stream = s
				framerate = fc.GuessFrameRate(s, nil)
				return
			}
		}
	})
	if stream == nil {
		return nil, fmt.Errorf("%s has no stream #%d", input, streamIndex)
	}
	cp := stream.CodecParameters()

	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("unable to find a decoder for '%s'", cp.CodecID().Name())
	}

	d := &Decoder{
		codec:     codec,
		closer:    astikit.NewCloser(),
		mediaType: fromMediaType(cp.MediaType()),
		params: avio.DecoderParams{
			PktTimeBase: fromRational(stream.TimeBase()),
			Framerate:   fromRational(framerate),
		},
	}
	defer func() {
		if _err != nil {
			d.closer.Close()
		}
	}()

	d.codecContext = astiav.AllocCodecContext(codec)
	if d.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	d.closer.Add(func() error { d.codecContext.Free(); return nil })
	if err := cp.ToCodecContext(d.codecContext); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	d.codecContext.SetPktTimeBase(stream.TimeBase())

	opts := cfg.Options
	if cp.CodecID() == astiav.CodecIDDvbSubtitle && cfg.ForFilter && cfg.ForEncode {
		opts = dvbSubtitleOptions(opts)
		logger.Warnf(ctx,
			"using DVB subtitles for filtering and output at the same time is not fully supported, also see the compute_edt decoder option")
	}

	dict, _ := newDictionary(opts)
	if dict != nil {
		defer dict.Free()
	}
	if err := d.codecContext.Open(codec, dict); err != nil {
		return nil, fmt.Errorf("unable to open the decoder '%s': %w", codec.Name(), err)
	}

	d.scratchPacket = astiav.AllocPacket()
	d.closer.Add(func() error { d.scratchPacket.Free(); return nil })
	d.scratchFrame = astiav.AllocFrame()
	d.closer.Add(func() error { d.scratchFrame.Free(); return nil })
	return d, nil
}

func (d *Decoder) String() string             { return fmt.Sprintf("Decoder(%s)", d.codec.Name()) }
func (d *Decoder) Params() avio.DecoderParams { return d.params }

// CodecContext exposes the open codec context so callers can derive
// encoder and filter configurations from the decoded stream.
func (d *Decoder) CodecContext() *astiav.CodecContext { return d.codecContext }

func (d *Decoder) SendPacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if pkt == nil {
			return wrapError(d.codecContext.SendPacket(nil))
		}
		d.scratchPacket.Unref()
		if err := d.scratchPacket.FromData(pkt.Data()); err != nil {
			return fmt.Errorf("unable to wrap the payload: %w", err)
		}
		d.scratchPacket.SetStreamIndex(pkt.StreamIndex)
		d.scratchPacket.SetPts(pkt.PTS)
		d.scratchPacket.SetDts(pkt.DTS)
		d.scratchPacket.SetDuration(pkt.Duration)
		return wrapError(d.codecContext.SendPacket(d.scratchPacket))
	})
}

func (d *Decoder) ReceiveFrame(ctx context.Context, f *frame.Frame) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		d.scratchFrame.Unref()
		if err := wrapError(d.codecContext.ReceiveFrame(d.scratchFrame)); err != nil {
			return err
		}
		return frameFromAstiav(d.scratchFrame, d.mediaType, d.params.PktTimeBase, f)
	})
}

func (d *Decoder) Flush(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		d.codecContext.FlushBuffers()
		return nil
	})
}

func (d *Decoder) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		return d.closer.Close()
	})
}

// frameFromAstiav copies one decoded frame into the pipeline's frame
// envelope, serialising the plane data into a contiguous payload.
func frameFromAstiav(src *astiav.Frame, mediaType types.MediaType, tb timebase.Rational, dst *frame.Frame) error {
	dst.MediaType = mediaType
	dst.PTS = src.Pts()
	dst.BestEffortTimestamp = src.BestEffortTimestamp()
	dst.Duration = src.Duration()
	dst.TimeBase = tb
	dst.Flags = 0
	if src.Flags().Has(astiav.FrameFlagKey) {
		dst.Flags |= frame.FlagKey
	}
	switch mediaType {
	case types.MediaTypeVideo:
		dst.Width = src.Width()
		dst.Height = src.Height()
		dst.PixelFormat = src.PixelFormat().Name()
		dst.SampleAspectRatio = fromRational(src.SampleAspectRatio())
		switch src.PictureType() {
		case astiav.PictureTypeI:
			dst.PictureType = frame.PictureTypeI
		case astiav.PictureTypeP:
			dst.PictureType = frame.PictureTypeP
		case astiav.PictureTypeB:
			dst.PictureType = frame.PictureTypeB
		default:
			dst.PictureType = frame.PictureTypeNone
		}
	case types.MediaTypeAudio:
		dst.SampleRate = src.SampleRate()
		dst.NbSamples = src.NbSamples()
		dst.SampleFormat = src.SampleFormat().Name()
		dst.ChannelLayout = src.ChannelLayout().String()
	}
	b, err := src.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("unable to serialise the frame data: %w", err)
	}
	dst.SetData(b)
	return nil
}

// EncoderConfig describes the encoder to open. The astiav-typed fields
// are usually taken from the decoder's codec context.
type EncoderConfig struct {
	CodecName string
	MediaType types.MediaType
	TimeBase  timebase.Rational
	Options   types.DictionaryItems
	BitRate   int64

	// video
	Width             int
	Height            int
	PixelFormat       astiav.PixelFormat
	SampleAspectRatio timebase.Rational
	Framerate         timebase.Rational
	GopSize           int

	// audio
	SampleRate    int
	SampleFormat  astiav.SampleFormat
	ChannelLayout astiav.ChannelLayout
	FrameSize     int
}

// Encoder wraps an open encoding codec context; it implements
// avio.Encoder.
type Encoder struct {
	locker        xsync.Mutex
	cfg           EncoderConfig
	codec         *astiav.Codec
	codecContext  *astiav.CodecContext
	closer        *astikit.Closer
	scratchPacket *astiav.Packet
	scratchFrame  *astiav.Frame
}

var _ avio.Encoder = (*Encoder)(nil)

// NewEncoder opens an encoder by codec name.
func NewEncoder(ctx context.Context, cfg EncoderConfig) (_ *Encoder, _err error) {
	codec := astiav.FindEncoderByName(cfg.CodecName)
	if codec == nil {
		return nil, fmt.Errorf("unable to find an encoder by name '%s'", cfg.CodecName)
	}

	e := &Encoder{
		cfg:    cfg,
		codec:  codec,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			e.closer.Close()
		}
	}()

	e.codecContext = astiav.AllocCodecContext(codec)
	if e.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	e.closer.Add(func() error { e.codecContext.Free(); return nil })

	cc := e.codecContext
	cc.SetTimeBase(toRational(cfg.TimeBase))
	if cfg.BitRate > 0 {
		cc.SetBitRate(cfg.BitRate)
	}
	switch cfg.MediaType {
	case types.MediaTypeVideo:
		cc.SetWidth(cfg.Width)
		cc.SetHeight(cfg.Height)
		cc.SetPixelFormat(cfg.PixelFormat)
		if cfg.SampleAspectRatio.IsValid() {
			cc.SetSampleAspectRatio(toRational(cfg.SampleAspectRatio))
		}
		if cfg.Framerate.IsValid() {
			cc.SetFramerate(toRational(cfg.Framerate))
		}
		if cfg.GopSize > 0 {
			cc.SetGopSize(cfg.GopSize)
		}
	case types.MediaTypeAudio:
		cc.SetSampleRate(cfg.SampleRate)
		cc.SetSampleFormat(cfg.SampleFormat)
		cc.SetChannelLayout(cfg.ChannelLayout)
	default:
		return nil, fmt.Errorf("cannot encode media type %v", cfg.MediaType)
	}

	dict, _ := newDictionary(cfg.Options)
	if dict != nil {
		defer dict.Free()
	}
	if err := cc.Open(codec, dict); err != nil {
		return nil, fmt.Errorf("unable to open the encoder '%s': %w", cfg.CodecName, err)
	}

	e.scratchPacket = astiav.AllocPacket()
	e.closer.Add(func() error { e.scratchPacket.Free(); return nil })
	e.scratchFrame = astiav.AllocFrame()
	e.closer.Add(func() error { e.scratchFrame.Free(); return nil })
	if err := e.prepareScratchFrame(); err != nil {
		return nil, err
	}
	return e, nil
}

// prepareScratchFrame sizes the reusable frame once; SendFrame only
// refreshes the payload and the timestamps.
func (e *Encoder) prepareScratchFrame() error {
	f := e.scratchFrame
	switch e.cfg.MediaType {
	case types.MediaTypeVideo:
		f.SetWidth(e.cfg.Width)
		f.SetHeight(e.cfg.Height)
		f.SetPixelFormat(e.cfg.PixelFormat)
	case types.MediaTypeAudio:
		f.SetSampleRate(e.cfg.SampleRate)
		f.SetSampleFormat(e.cfg.SampleFormat)
		f.SetChannelLayout(e.cfg.ChannelLayout)
		f.SetNbSamples(e.cfg.FrameSize)
	}
	if err := f.AllocBuffer(1); err != nil {
		return fmt.Errorf("unable to allocate the frame buffer: %w", err)
	}
	return nil
}

func (e *Encoder) String() string { return fmt.Sprintf("Encoder(%s)", e.codec.Name()) }

func (e *Encoder) TimeBase() timebase.Rational {
	return fromRational(e.codecContext.TimeBase())
}

// CodecContext exposes the open codec context (extradata for the
// container writer, negotiated frame size and friends).
func (e *Encoder) CodecContext() *astiav.CodecContext { return e.codecContext }

func (e *Encoder) SendFrame(ctx context.Context, f *frame.Frame) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		if f == nil {
			return wrapError(e.codecContext.SendFrame(nil))
		}
		sf := e.scratchFrame
		if err := sf.MakeWritable(); err != nil {
			return fmt.Errorf("unable to make the frame writable: %w", err)
		}
		if e.cfg.MediaType == types.MediaTypeAudio && f.NbSamples > 0 {
			sf.SetNbSamples(f.NbSamples)
		}
		if err := sf.Data().SetBytes(f.Data(), 1); err != nil {
			return fmt.Errorf("unable to load the frame data: %w", err)
		}
		pts := f.PTS
		if f.TimeBase.IsValid() {
			pts = timebase.Rescale(f.PTS, f.TimeBase, e.TimeBase(),
				timebase.RoundNearInf|timebase.RoundPassMinMax)
		}
		sf.SetPts(pts)
		if f.Flags&frame.FlagKey != 0 && f.PictureType == frame.PictureTypeI {
			sf.SetPictureType(astiav.PictureTypeI)
		} else {
			sf.SetPictureType(astiav.PictureTypeNone)
		}
		return wrapError(e.codecContext.SendFrame(sf))
	})
}

func (e *Encoder) ReceivePacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		e.scratchPacket.Unref()
		if err := wrapError(e.codecContext.ReceivePacket(e.scratchPacket)); err != nil {
			return err
		}
		pkt.PTS = e.scratchPacket.Pts()
		pkt.DTS = e.scratchPacket.Dts()
		pkt.Duration = e.scratchPacket.Duration()
		pkt.TimeBase = fromRational(e.codecContext.TimeBase())
		pkt.Flags = 0
		if e.scratchPacket.Flags().Has(astiav.PacketFlagKey) {
			pkt.Flags |= packet.FlagKey
		}
		pkt.SetData(e.scratchPacket.Data())
		return nil
	})
}

func (e *Encoder) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		return e.closer.Close()
	})
}
