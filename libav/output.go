package libav

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// OutputConfig tunes how an output URL is opened.
type OutputConfig struct {
	// CustomOptions are passed to the muxer; the pseudo-option "f"
	// overrides the container format.
	CustomOptions types.DictionaryItems
}

// Output is a container opened for writing; it implements
// avio.ContainerWriter.
type Output struct {
	URL string

	locker        xsync.Mutex
	formatContext *astiav.FormatContext
	ioContext     *astiav.IOContext
	closer        *astikit.Closer
	streams       []*astiav.Stream
	headerDone    bool
	pkt           *astiav.Packet
}

var _ avio.ContainerWriter = (*Output)(nil)

func formatFromScheme(scheme string) string {
	switch scheme {
	case "rtmp", "rtmps":
		return "flv"
	case "srt":
		return "mpegts"
	default:
		return ""
	}
}

// NewOutput opens the URL for writing. The stream key, when set, is
// appended to the URL path but never logged.
func NewOutput(
	ctx context.Context,
	urlString string,
	streamKey secret.String,
	cfg OutputConfig,
) (_ *Output, _err error) {
	if urlString == "" {
		return nil, fmt.Errorf("the provided URL is empty")
	}
	urlParsed, err := url.Parse(urlString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse URL '%s': %w", urlString, err)
	}
	if urlParsed.Port() == "" {
		switch urlParsed.Scheme {
		case "rtmp":
			urlParsed.Host += ":1935"
		case "rtmps":
			urlParsed.Host += ":443"
		}
	}
	if streamKey.Get() != "" {
		if !strings.HasSuffix(urlParsed.Path, "/") {
			urlParsed.Path += "/"
		}
		urlParsed.Path += streamKey.Get()
	}

	o := &Output{
		URL:    urlString,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			o.closer.Close()
		}
	}()

	dict, formatName := newDictionary(cfg.CustomOptions)
	if dict != nil {
		o.closer.Add(func() error { dict.Free(); return nil })
	}
	if formatName == "" {
		formatName = formatFromScheme(urlParsed.Scheme)
	}

	o.formatContext, err = astiav.AllocOutputFormatContext(nil, formatName, urlParsed.String())
	if err != nil {
		return nil, fmt.Errorf("allocating output format context failed using URL '%s': %w", urlString, err)
	}
	if o.formatContext == nil {
		return nil, fmt.Errorf("unable to allocate the output format context")
	}
	o.closer.Add(func() error { o.formatContext.Free(); return nil })
	logger.Debugf(ctx, "output format name: '%s'", o.formatContext.OutputFormat().Name())

	if !o.formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioContext, err := astiav.OpenIOContext(
			urlParsed.String(),
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
			nil,
			dict,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to open IO context (URL: '%s'): %w", urlString, err)
		}
		o.ioContext = ioContext
		o.formatContext.SetPb(ioContext)
		o.closer.Add(func() error { return ioContext.Close() })
	}

	o.pkt = astiav.AllocPacket()
	o.closer.Add(func() error { o.pkt.Free(); return nil })
	return o, nil
}

func (o *Output) String() string { return fmt.Sprintf("Output(%s)", o.URL) }

// AddStream creates a container stream described by params. Codec ids
// are resolved by codec name.
func (o *Output) AddStream(ctx context.Context, params *avio.StreamParams) (int, error) {
	return xsync.DoR2(ctx, &o.locker, func() (int, error) {
		if o.headerDone {
			return -1, fmt.Errorf("adding a stream after the header was written")
		}
		stream := o.formatContext.NewStream(nil)
		if stream == nil {
			return -1, fmt.Errorf("unable to allocate a stream")
		}
		cp := stream.CodecParameters()
		cp.SetMediaType(toMediaType(params.MediaType))
		if codec := astiav.FindDecoderByName(params.CodecID); codec != nil {
			cp.SetCodecID(codec.ID())
		} else if codec := astiav.FindEncoderByName(params.CodecID); codec != nil {
			cp.SetCodecID(codec.ID())
		}
		cp.SetCodecTag(0)
		if len(params.ExtraData) > 0 {
			cp.SetExtraData(params.ExtraData)
		}
		switch params.MediaType {
		case types.MediaTypeAudio:
			cp.SetSampleRate(params.SampleRate)
		case types.MediaTypeVideo:
			cp.SetWidth(params.Width)
			cp.SetHeight(params.Height)
		}
		if params.TimeBase.IsValid() {
			stream.SetTimeBase(toRational(params.TimeBase))
		}
		o.streams = append(o.streams, stream)
		return stream.Index(), nil
	})
}

// StreamTimeBase reports the time base the muxer settled on; call it
// after WriteHeader, the muxer is allowed to adjust it there.
func (o *Output) StreamTimeBase(streamIndex int) timebase.Rational {
	return xsync.DoR1(context.TODO(), &o.locker, func() timebase.Rational {
		return fromRational(o.streams[streamIndex].TimeBase())
	})
}

func (o *Output) WriteHeader(ctx context.Context, opts types.DictionaryItems) error {
	return xsync.DoR1(ctx, &o.locker, func() error {
		dict, _ := newDictionary(opts)
		if dict != nil {
			defer dict.Free()
		}
		if err := o.formatContext.WriteHeader(dict); err != nil {
			return fmt.Errorf("unable to write the header: %w", err)
		}
		o.headerDone = true
		return nil
	})
}

// WritePacket expects the packet already rescaled into the stream time
// base with monotonic dts.
func (o *Output) WritePacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &o.locker, func() error {
		o.pkt.Unref()
		if err := o.pkt.FromData(pkt.Data()); err != nil {
			return fmt.Errorf("unable to wrap the payload: %w", err)
		}
		o.pkt.SetStreamIndex(pkt.StreamIndex)
		o.pkt.SetPts(pkt.PTS)
		o.pkt.SetDts(pkt.DTS)
		o.pkt.SetDuration(pkt.Duration)
		var flags astiav.PacketFlags
		if pkt.Flags&packet.FlagKey != 0 {
			flags |= astiav.PacketFlags(astiav.PacketFlagKey)
		}
		o.pkt.SetFlags(flags)
		if err := o.formatContext.WriteInterleavedFrame(o.pkt); err != nil {
			return fmt.Errorf("unable to write a packet: %w", err)
		}
		return nil
	})
}

func (o *Output) WriteTrailer(ctx context.Context) error {
	return xsync.DoR1(ctx, &o.locker, func() error {
		if err := o.formatContext.WriteTrailer(); err != nil {
			return fmt.Errorf("unable to write the trailer: %w", err)
		}
		return nil
	})
}

func (o *Output) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &o.locker, func() error {
		return o.closer.Close()
	})
}
