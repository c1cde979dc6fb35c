package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// FilterPadConfig describes one buffersrc pad; the astiav-typed fields
// are usually taken from the feeding decoder's codec context.
type FilterPadConfig struct {
	MediaType types.MediaType
	TimeBase  timebase.Rational

	// video
	Width             int
	Height            int
	PixelFormat       astiav.PixelFormat
	SampleAspectRatio timebase.Rational

	// audio
	SampleRate    int
	SampleFormat  astiav.SampleFormat
	ChannelLayout astiav.ChannelLayout
	NbSamples     int
}

// FilterGraphConfig describes the graph to build. Content is a filter
// chain like "scale=1280:720"; a plain chain is wrapped into the
// single "in"/"out" pad pair, a chain that already carries [in]/[out]
// labels is parsed as-is.
type FilterGraphConfig struct {
	Content string
	Inputs  []FilterPadConfig
}

// FilterGraph wraps an AVFilterGraph; it implements avio.FilterGraph.
type FilterGraph struct {
	locker       xsync.Mutex
	content      string
	graph        *astiav.FilterGraph
	srcs         []*astiav.BuffersrcFilterContext
	sink         *astiav.BuffersinkFilterContext
	templates    []*astiav.Frame
	padCfgs      []FilterPadConfig
	scratchFrame *astiav.Frame
	closer       *astikit.Closer
}

var _ avio.FilterGraph = (*FilterGraph)(nil)

func padName(prefix string, idx, total int) string {
	if total == 1 {
		return prefix
	}
	return fmt.Sprintf("%s%d", prefix, idx)
}

// NewFilterGraph builds and configures a filter graph with one
// buffersrc per input pad and a single buffersink.
func NewFilterGraph(ctx context.Context, cfg FilterGraphConfig) (_ *FilterGraph, _err error) {
	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("a filter graph needs at least one input")
	}

	g := &FilterGraph{
		content: cfg.Content,
		padCfgs: cfg.Inputs,
		closer:  astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			g.closer.Close()
		}
	}()

	g.graph = astiav.AllocFilterGraph()
	if g.graph == nil {
		return nil, fmt.Errorf("unable to allocate a filter graph")
	}
	g.closer.Add(func() error { g.graph.Free(); return nil })

	sinkName := "buffersink"
	if cfg.Inputs[0].MediaType == types.MediaTypeAudio {
		sinkName = "abuffersink"
	}
	sinkFilter := astiav.FindFilterByName(sinkName)
	if sinkFilter == nil {
		return nil, fmt.Errorf("unable to find the '%s' filter", sinkName)
	}

	var outputs *astiav.FilterInOut
	for i, in := range cfg.Inputs {
		srcName := "buffer"
		if in.MediaType == types.MediaTypeAudio {
			srcName = "abuffer"
		}
		srcFilter := astiav.FindFilterByName(srcName)
		if srcFilter == nil {
			return nil, fmt.Errorf("unable to find the '%s' filter", srcName)
		}

		name := padName("in", i, len(cfg.Inputs))
		srcCtx, err := g.graph.NewBuffersrcFilterContext(srcFilter, name)
		if err != nil {
			return nil, fmt.Errorf("unable to create a buffersrc context: %w", err)
		}

		params := astiav.AllocBuffersrcFilterContextParameters()
		params.SetTimeBase(toRational(in.TimeBase))
		switch in.MediaType {
		case types.MediaTypeAudio:
			params.SetChannelLayout(in.ChannelLayout)
			params.SetSampleFormat(in.SampleFormat)
			params.SetSampleRate(in.SampleRate)
		default:
			params.SetWidth(in.Width)
			params.SetHeight(in.Height)
			params.SetPixelFormat(in.PixelFormat)
			if in.SampleAspectRatio.IsValid() {
				params.SetSampleAspectRatio(toRational(in.SampleAspectRatio))
			}
		}
		err = srcCtx.SetParameters(params)
		params.Free()
		if err != nil {
			return nil, fmt.Errorf("unable to set the buffersrc parameters: %w", err)
		}
		if err := srcCtx.Initialize(nil); err != nil {
			return nil, fmt.Errorf("unable to initialize the buffersrc: %w", err)
		}

		out := astiav.AllocFilterInOut()
		out.SetName(name)
		out.SetFilterContext(srcCtx.FilterContext())
		out.SetPadIdx(0)
		out.SetNext(outputs)
		outputs = out

		g.srcs = append(g.srcs, srcCtx)

		tmpl := astiav.AllocFrame()
		g.closer.Add(func() error { tmpl.Free(); return nil })
		switch in.MediaType {
		case types.MediaTypeAudio:
			tmpl.SetSampleRate(in.SampleRate)
			tmpl.SetSampleFormat(in.SampleFormat)
			tmpl.SetChannelLayout(in.ChannelLayout)
			tmpl.SetNbSamples(in.NbSamples)
		default:
			tmpl.SetWidth(in.Width)
			tmpl.SetHeight(in.Height)
			tmpl.SetPixelFormat(in.PixelFormat)
		}
		if err := tmpl.AllocBuffer(1); err != nil {
			return nil, fmt.Errorf("unable to allocate the frame buffer: %w", err)
		}
		g.templates = append(g.templates, tmpl)
	}
	if outputs != nil {
		defer outputs.Free()
	}

	sinkCtx, err := g.graph.NewBuffersinkFilterContext(sinkFilter, "out")
	if err != nil {
		return nil, fmt.Errorf("unable to create a buffersink context: %w", err)
	}
	g.sink = sinkCtx

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(sinkCtx.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	content := cfg.Content
	if len(cfg.Inputs) == 1 && !containsPadLabel(content) {
		content = fmt.Sprintf("[in]%s[out]", content)
	}
	if err := g.graph.Parse(content, inputs, outputs); err != nil {
		return nil, fmt.Errorf("unable to parse the filter chain %q: %w", cfg.Content, err)
	}
	if err := g.graph.Configure(); err != nil {
		return nil, fmt.Errorf("unable to configure the filter graph: %w", err)
	}

	g.scratchFrame = astiav.AllocFrame()
	g.closer.Add(func() error { g.scratchFrame.Free(); return nil })
	return g, nil
}

func containsPadLabel(content string) bool {
	for i := 0; i < len(content); i++ {
		if content[i] == '[' {
			return true
		}
	}
	return false
}

func (g *FilterGraph) String() string  { return fmt.Sprintf("FilterGraph(%s)", g.content) }
func (g *FilterGraph) NumInputs() int  { return len(g.srcs) }
func (g *FilterGraph) NumOutputs() int { return 1 }

func (g *FilterGraph) PushFrame(ctx context.Context, pad int, f *frame.Frame, _ bool) error {
	return xsync.DoR1(ctx, &g.locker, func() error {
		if pad < 0 || pad >= len(g.srcs) {
			return fmt.Errorf("no input pad #%d", pad)
		}
		tmpl := g.templates[pad]
		if err := tmpl.MakeWritable(); err != nil {
			return fmt.Errorf("unable to make the frame writable: %w", err)
		}
		if g.padCfgs[pad].MediaType == types.MediaTypeAudio && f.NbSamples > 0 {
			tmpl.SetNbSamples(f.NbSamples)
		}
		if err := tmpl.Data().SetBytes(f.Data(), 1); err != nil {
			return fmt.Errorf("unable to load the frame data: %w", err)
		}
		pts := f.PTS
		srcTB := g.padCfgs[pad].TimeBase
		if f.TimeBase.IsValid() && srcTB.IsValid() {
			pts = timebase.Rescale(f.PTS, f.TimeBase, srcTB,
				timebase.RoundNearInf|timebase.RoundPassMinMax)
		}
		tmpl.SetPts(pts)
		return wrapError(g.srcs[pad].AddFrame(tmpl, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)))
	})
}

func (g *FilterGraph) PushEOF(ctx context.Context, pad int, _ int64, _ timebase.Rational) error {
	return xsync.DoR1(ctx, &g.locker, func() error {
		if pad < 0 || pad >= len(g.srcs) {
			return fmt.Errorf("no input pad #%d", pad)
		}
		return wrapError(g.srcs[pad].AddFrame(nil, astiav.NewBuffersrcFlags()))
	})
}

func (g *FilterGraph) PullFrame(ctx context.Context, pad int, f *frame.Frame) error {
	return xsync.DoR1(ctx, &g.locker, func() error {
		if pad != 0 {
			return fmt.Errorf("no output pad #%d", pad)
		}
		g.scratchFrame.Unref()
		if err := wrapError(g.sink.GetFrame(g.scratchFrame, astiav.NewBuffersinkFlags())); err != nil {
			return err
		}
		mediaType := fromMediaType(g.sink.MediaType())
		return frameFromAstiav(g.scratchFrame, mediaType, fromRational(g.sink.TimeBase()), f)
	})
}

func (g *FilterGraph) OutputTimeBase(pad int) timebase.Rational {
	if pad != 0 {
		return timebase.Rational{}
	}
	return fromRational(g.sink.TimeBase())
}

func (g *FilterGraph) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &g.locker, func() error {
		return g.closer.Close()
	})
}
