package libav

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"reflect"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/unsafetools"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// tsDiscontFormats are the demuxers that permit timestamp
// discontinuities mid-stream.
var tsDiscontFormats = map[string]struct{}{
	"mpegts": {}, "mpegtsraw": {}, "mpeg": {}, "dvd": {}, "flv": {}, "live_flv": {},
}

// InputConfig tunes how an input URL is opened.
type InputConfig struct {
	// CustomOptions are passed to the demuxer; the pseudo-option "f"
	// overrides the container format.
	CustomOptions types.DictionaryItems
}

// Input is a container opened for reading; it implements
// avio.ContainerReader.
type Input struct {
	URL string

	locker        xsync.Mutex
	formatContext *astiav.FormatContext
	closer        *astikit.Closer
	streams       []*avio.StreamParams
	pkt           *astiav.Packet
}

var _ avio.ContainerReader = (*Input)(nil)

// NewInput opens the URL for reading. The auth key, when set, is
// appended to the URL but never logged.
func NewInput(
	ctx context.Context,
	urlString string,
	authKey secret.String,
	cfg InputConfig,
) (_ *Input, _err error) {
	if urlString == "" {
		return nil, fmt.Errorf("the provided URL is empty")
	}
	if urlParsed, err := url.Parse(urlString); err == nil && urlParsed.Scheme != "" {
		logger.Debugf(ctx, "URL: %#+v", urlParsed)
	}

	i := &Input{
		URL:    urlString,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			i.closer.Close()
		}
	}()

	dict, formatName := newDictionary(cfg.CustomOptions)
	if dict != nil {
		i.closer.Add(func() error { dict.Free(); return nil })
	}

	var inputFormat *astiav.InputFormat
	if formatName != "" {
		inputFormat = astiav.FindInputFormat(formatName)
		if inputFormat == nil {
			logger.Errorf(ctx, "unable to find input format by name '%s'", formatName)
		}
	}

	i.formatContext = astiav.AllocFormatContext()
	if i.formatContext == nil {
		return nil, fmt.Errorf("unable to allocate a format context")
	}

	urlWithSecret := urlString
	if authKey.Get() != "" {
		urlWithSecret += authKey.Get()
	}
	if err := i.formatContext.OpenInput(urlWithSecret, inputFormat, dict); err != nil {
		i.formatContext.Free()
		if authKey.Get() != "" {
			return nil, fmt.Errorf("unable to open input by URL '%s/<HIDDEN>': %w", urlString, err)
		}
		return nil, fmt.Errorf("unable to open input by URL '%s': %w", urlString, err)
	}
	i.closer.Add(func() error {
		i.formatContext.CloseInput()
		i.formatContext.Free()
		return nil
	})

	if err := i.formatContext.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("unable to get stream info: %w", err)
	}

	for _, stream := range i.formatContext.Streams() {
		logger.Debugf(ctx, "input stream #%d: %#+v",
			stream.Index(),
			spew.Sdump(unsafetools.FieldByNameInValue(reflect.ValueOf(stream.CodecParameters()), "c").Elem().Elem().Interface()),
		)
		i.streams = append(i.streams, streamParamsFromStream(stream))
	}

	i.pkt = astiav.AllocPacket()
	i.closer.Add(func() error { i.pkt.Free(); return nil })
	return i, nil
}

func streamParamsFromStream(stream *astiav.Stream) *avio.StreamParams {
	cp := stream.CodecParameters()
	params := &avio.StreamParams{
		Index:     stream.Index(),
		ID:        stream.ID(),
		CodecID:   cp.CodecID().Name(),
		MediaType: fromMediaType(cp.MediaType()),
		TimeBase:  fromRational(stream.TimeBase()),
		ExtraData: cp.ExtraData(),
		// go-astiav does not expose pts_wrap_bits; 64 disables the
		// demuxer's wrap correction.
		PTSWrapBits: 64,
	}
	switch params.MediaType {
	case types.MediaTypeAudio:
		params.SampleRate = cp.SampleRate()
		params.FrameSize = cp.FrameSize()
		params.ChannelLayout = cp.ChannelLayout().String()
		params.SampleFormat = cp.SampleFormat().Name()
	case types.MediaTypeVideo:
		params.Width = cp.Width()
		params.Height = cp.Height()
		params.PixelFormat = cp.PixelFormat().Name()
		params.SampleAspectRatio = fromRational(cp.SampleAspectRatio())
	}
	disposition := stream.DispositionFlags()
	if disposition.Has(astiav.DispositionFlagDefault) {
		params.Disposition |= avio.DispositionDefault
	}
	if disposition.Has(astiav.DispositionFlagAttachedPic) {
		params.Disposition |= avio.DispositionAttachedPic
	}
	if disposition.Has(astiav.DispositionFlagForced) {
		params.Disposition |= avio.DispositionForced
	}
	return params
}

func (i *Input) String() string { return fmt.Sprintf("Input(%s)", i.URL) }

func (i *Input) Streams() []*avio.StreamParams { return i.streams }

func (i *Input) FormatFlags() avio.FormatFlags {
	var flags avio.FormatFlags
	name := i.formatContext.InputFormat().Name()
	if _, ok := tsDiscontFormats[name]; ok {
		flags |= avio.FormatTSDiscont
	}
	return flags
}

func (i *Input) StartTime() int64 {
	st := i.formatContext.StartTime()
	if st == astiav.NoPtsValue {
		return timebase.NoPTS
	}
	return st
}

// ReadPacket reads the next coded packet into pkt, copying the payload
// out of the libav buffer.
func (i *Input) ReadPacket(ctx context.Context, pkt *packet.Packet) error {
	return xsync.DoR1(ctx, &i.locker, func() error {
		i.pkt.Unref()
		if err := wrapError(i.formatContext.ReadFrame(i.pkt)); err != nil {
			return err
		}
		streamIndex := i.pkt.StreamIndex()
		pkt.StreamIndex = streamIndex
		pkt.PTS = i.pkt.Pts()
		pkt.DTS = i.pkt.Dts()
		pkt.Duration = i.pkt.Duration()
		pkt.Pos = i.pkt.Pos()
		if streamIndex >= 0 && streamIndex < len(i.streams) {
			pkt.TimeBase = i.streams[streamIndex].TimeBase
		}
		pkt.Flags = 0
		if i.pkt.Flags().Has(astiav.PacketFlagKey) {
			pkt.Flags |= packet.FlagKey
		}
		if i.pkt.Flags().Has(astiav.PacketFlagCorrupt) {
			pkt.Flags |= packet.FlagCorrupt
		}
		pkt.SetData(i.pkt.Data())
		return nil
	})
}

func (i *Input) Seek(ctx context.Context, streamIndex int, tsMin, ts, tsMax int64, flags avio.SeekFlags) error {
	return xsync.DoR1(ctx, &i.locker, func() error {
		seekFlags := astiav.NewSeekFlags()
		if flags&avio.SeekFlagBackward != 0 || tsMin == math.MinInt64 {
			seekFlags = astiav.NewSeekFlags(astiav.SeekFlagBackward)
		}
		return wrapError(i.formatContext.SeekFrame(streamIndex, ts, seekFlags))
	})
}

func (i *Input) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &i.locker, func() error {
		return i.closer.Close()
	})
}

// WithFormatContext exposes the underlying format context for callers
// that need to open decoders against the real streams.
func (i *Input) WithFormatContext(ctx context.Context, callback func(*astiav.FormatContext)) {
	i.locker.Do(ctx, func() {
		callback(i.formatContext)
	})
}
