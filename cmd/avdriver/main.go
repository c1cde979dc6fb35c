package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/typing"
	"go.uber.org/atomic"

	"github.com/xaionaro-go/avdriver"
	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/libav"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] -i <URL-from> [-i <URL-from> ...] <URL-to> [<URL-to> ...]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")

	inputURLs := pflag.StringArrayP("input", "i", nil, "input URL (repeatable)")
	inputFormat := pflag.String("input-format", "", "force the input container format")
	streamLoop := pflag.Int("stream-loop", 0, "number of additional plays of every input (-1: forever)")
	startTime := pflag.Duration("ss", 0, "seek every input to this position before reading")
	recordingTime := pflag.DurationP("duration", "t", 0, "stop reading every input after this much media time")
	inputTSOffset := pflag.Duration("itsoffset", 0, "offset added to all input timestamps")
	readRate := pflag.Float64("readrate", 0, "limit reading to this multiple of realtime (0: unlimited)")
	readRateBurst := pflag.Float64("readrate-initial-burst", 0, "seconds to read unthrottled before readrate kicks in")
	decoderOpts := pflag.String("decoder-opts", "", "comma-separated key=value options passed to decoders")

	maps := pflag.StringArray("map", nil, "input:stream pair to map into every output (repeatable; default: every stream of every input)")
	videoCodec := pflag.String("vcodec", "copy", "video encoder name, or 'copy'")
	audioCodec := pflag.String("acodec", "copy", "audio encoder name, or 'copy'")
	videoFilter := pflag.StringP("video-filter", "F", "", "filter chain applied to encoded video streams (e.g. 'scale=1280:720')")
	videoBitRate := pflag.Int64("b:v", 0, "video bitrate (0: encoder default)")
	audioBitRate := pflag.Int64("b:a", 0, "audio bitrate (0: encoder default)")
	encoderOpts := pflag.String("encoder-opts", "", "comma-separated key=value options passed to encoders")

	outputFormat := pflag.StringP("format", "f", "", "force the output container format")
	muxOpts := pflag.String("mux-opts", "", "comma-separated key=value options passed to the muxer")
	maxFrames := pflag.Uint64("max-frames", 0, "stop every output stream after this many packets (0: unlimited)")
	shortest := pflag.Bool("shortest", false, "finish each output when its first stream ends")

	exitOnError := pflag.Bool("exit-on-error", false, "turn recoverable input errors into fatal ones")
	copyTS := pflag.Bool("copyts", false, "keep input timestamps instead of shifting them to zero")
	startAtZero := pflag.Bool("start-at-zero", false, "with --copyts, shift timestamps so the input starts at zero")
	debugTS := pflag.Bool("debug-ts", false, "log timestamps at every pipeline stage")

	pflag.Parse()
	if len(*inputURLs) == 0 || len(pflag.Args()) == 0 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	libav.RedirectLogs(l)

	cfg := avdriver.Config{
		ExitOnError: *exitOnError,
		CopyTS:      *copyTS,
		StartAtZero: *startAtZero,
		DebugTS:     *debugTS,
	}

	var inputs []*libav.Input
	for _, fromURL := range *inputURLs {
		l.Debugf("opening '%s' as an input...", fromURL)
		input, err := libav.NewInput(ctx, fromURL, "", libav.InputConfig{
			CustomOptions: formatOption(*inputFormat),
		})
		if err != nil {
			l.Fatal(err)
		}
		defer input.Close(ctx)
		inputs = append(inputs, input)

		inCfg := avdriver.InputConfig{
			Reader:        input,
			LoopCount:     *streamLoop,
			ReadRate:      *readRate,
			RecordingTime: *recordingTime,
			InputTSOffset: *inputTSOffset,
			Streams:       map[int]avdriver.InputStreamConfig{},
		}
		inCfg.ReadRateInitialBurst = *readRateBurst
		if *startTime > 0 {
			inCfg.StartTime = typing.Opt(*startTime)
		}
		cfg.Inputs = append(cfg.Inputs, inCfg)
	}

	mappings, err := parseMappings(*maps, cfg.Inputs)
	if err != nil {
		l.Fatal(err)
	}

	for _, toURL := range pflag.Args() {
		l.Debugf("opening '%s' as an output...", toURL)
		output, err := libav.NewOutput(ctx, toURL, "", libav.OutputConfig{
			CustomOptions: formatOption(*outputFormat),
		})
		if err != nil {
			l.Fatal(err)
		}
		defer output.Close(ctx)

		outCfg := avdriver.OutputConfig{
			Writer:   output,
			Shortest: *shortest,
			MuxOpts:  parseDict(*muxOpts),
		}
		for _, ref := range mappings {
			input := inputs[ref.Input]
			params := input.Streams()[ref.Stream]

			streamCfg := avdriver.OutputStreamConfig{
				Source:    ref,
				MaxFrames: *maxFrames,
			}
			codecName := codecFor(params.MediaType, *videoCodec, *audioCodec)
			if codecName != "copy" {
				inStreamCfg := cfg.Inputs[ref.Input].Streams[ref.Stream]
				if inStreamCfg.Decoder == nil {
					dec, err := libav.NewDecoder(ctx, input, libav.DecoderConfig{
						StreamIndex: ref.Stream,
						Options:     parseDict(*decoderOpts),
						ForFilter:   params.MediaType == types.MediaTypeVideo && *videoFilter != "",
						ForEncode:   true,
					})
					if err != nil {
						l.Fatal(err)
					}
					defer dec.Close(ctx)
					inStreamCfg.Decoder = dec
					cfg.Inputs[ref.Input].Streams[ref.Stream] = inStreamCfg
				}
				dec := inStreamCfg.Decoder.(*libav.Decoder)

				enc, err := libav.NewEncoder(ctx, encoderConfig(codecName, params, dec, *videoBitRate, *audioBitRate, *encoderOpts))
				if err != nil {
					l.Fatal(err)
				}
				defer enc.Close(ctx)
				streamCfg.Encoder = enc

				if params.MediaType == types.MediaTypeVideo && *videoFilter != "" {
					fg, err := libav.NewFilterGraph(ctx, filterGraphConfig(*videoFilter, dec))
					if err != nil {
						l.Fatal(err)
					}
					defer fg.Close(ctx)
					streamCfg.Filter = fg
				}
			}
			outCfg.Streams = append(outCfg.Streams, streamCfg)
		}
		cfg.Outputs = append(cfg.Outputs, outCfg)
	}

	pipeline, err := avdriver.New(ctx, cfg)
	if err != nil {
		l.Fatal(err)
	}
	defer pipeline.Close(ctx)

	var userCancelled atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	observability.Go(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			l.Infof("received %v, stopping...", sig)
			userCancelled.Store(true)
			pipeline.Cancel(ctx)
		}
	})

	if err := pipeline.Run(ctx); err != nil {
		l.Fatal(err)
	}
	if loggerLevel >= logger.LevelDebug {
		observability.Go(ctx, func(ctx context.Context) {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					statsJSON, err := json.Marshal(pipeline.Stats())
					if err != nil {
						l.Error(err)
						return
					}
					fmt.Printf("%s\n", statsJSON)
				}
			}
		})
	}

	err = pipeline.Wait(ctx)
	cancelFn()
	switch {
	case err == nil:
	case userCancelled.Load() && errors.Is(err, avio.ErrCancelled):
		os.Exit(255)
	default:
		l.Error(err)
		os.Exit(1)
	}
}

func codecFor(mediaType types.MediaType, videoCodec, audioCodec string) string {
	switch mediaType {
	case types.MediaTypeVideo:
		if videoCodec != "" {
			return videoCodec
		}
	case types.MediaTypeAudio:
		if audioCodec != "" {
			return audioCodec
		}
	}
	return "copy"
}

func encoderConfig(
	codecName string,
	params *avio.StreamParams,
	dec *libav.Decoder,
	videoBitRate, audioBitRate int64,
	encoderOpts string,
) libav.EncoderConfig {
	cc := dec.CodecContext()
	cfg := libav.EncoderConfig{
		CodecName: codecName,
		MediaType: params.MediaType,
		Options:   parseDict(encoderOpts),
	}
	switch params.MediaType {
	case types.MediaTypeVideo:
		cfg.BitRate = videoBitRate
		cfg.Width = cc.Width()
		cfg.Height = cc.Height()
		cfg.PixelFormat = cc.PixelFormat()
		cfg.SampleAspectRatio = rationalFromAstiav(cc.SampleAspectRatio())
		cfg.Framerate = dec.Params().Framerate
		if cfg.Framerate.IsValid() && cfg.Framerate.Num > 0 {
			cfg.TimeBase = timebase.Rational{Num: cfg.Framerate.Den, Den: cfg.Framerate.Num}
		} else {
			cfg.TimeBase = rationalFromAstiav(cc.TimeBase())
		}
	case types.MediaTypeAudio:
		cfg.BitRate = audioBitRate
		cfg.SampleRate = cc.SampleRate()
		cfg.SampleFormat = cc.SampleFormat()
		cfg.ChannelLayout = cc.ChannelLayout()
		cfg.FrameSize = cc.FrameSize()
		cfg.TimeBase = timebase.Rational{Num: 1, Den: cc.SampleRate()}
	}
	return cfg
}

func filterGraphConfig(content string, dec *libav.Decoder) libav.FilterGraphConfig {
	cc := dec.CodecContext()
	return libav.FilterGraphConfig{
		Content: content,
		Inputs: []libav.FilterPadConfig{{
			MediaType:         types.MediaTypeVideo,
			TimeBase:          dec.Params().PktTimeBase,
			Width:             cc.Width(),
			Height:            cc.Height(),
			PixelFormat:       cc.PixelFormat(),
			SampleAspectRatio: rationalFromAstiav(cc.SampleAspectRatio()),
		}},
	}
}

func parseMappings(maps []string, inputs []avdriver.InputConfig) ([]avdriver.StreamRef, error) {
	var refs []avdriver.StreamRef
	if len(maps) == 0 {
		for i, in := range inputs {
			for _, s := range in.Reader.Streams() {
				if s.Disposition.Has(avio.DispositionAttachedPic) {
					continue
				}
				refs = append(refs, avdriver.StreamRef{Input: i, Stream: s.Index})
			}
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("the inputs have no mappable streams")
		}
		return refs, nil
	}
	for _, m := range maps {
		inputStr, streamStr, found := strings.Cut(m, ":")
		if !found {
			return nil, fmt.Errorf("invalid --map %q, expected input:stream", m)
		}
		inputIdx, err := strconv.Atoi(inputStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --map %q: %w", m, err)
		}
		streamIdx, err := strconv.Atoi(streamStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --map %q: %w", m, err)
		}
		refs = append(refs, avdriver.StreamRef{Input: inputIdx, Stream: streamIdx})
	}
	return refs, nil
}

func parseDict(s string) types.DictionaryItems {
	if s == "" {
		return nil
	}
	var items types.DictionaryItems
	for _, kv := range strings.Split(s, ",") {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		items = append(items, types.DictionaryItem{Key: k, Value: v})
	}
	return items
}

func formatOption(format string) types.DictionaryItems {
	if format == "" {
		return nil
	}
	return types.DictionaryItems{{Key: "f", Value: format}}
}

func rationalFromAstiav(r astiav.Rational) timebase.Rational {
	return timebase.Rational{Num: r.Num(), Den: r.Den()}
}
