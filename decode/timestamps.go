// timestamps.go synthesises per-frame timestamps: audio pts are
// regenerated through a stateful rescale that survives sample-rate
// changes, video pts fall back to best-effort estimates and durations
// come from a deterministic heuristic chain.

package decode

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/frame"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/timebase"
)

// fallbackAudioTimeBaseDen is used when the lcm of the previous
// denominator and a new sample rate would overflow; it is divisible by
// every practical sample rate.
const fallbackAudioTimeBaseDen = 28_224_000

// audioSamplerateUpdate picks the internal time base for audio
// timestamps. On a sample-rate change the new denominator is
// lcm(prev_den, rate); the previous frame's history is rescaled into
// the new base so continuity is preserved.
func (d *Decoder) audioSamplerateUpdate(ctx context.Context, f *frame.Frame) timebase.Rational {
	if f.SampleRate == d.lastFrameSampleRate {
		return d.lastFrameTB
	}

	prev := int64(d.lastFrameTB.Den)
	sr := int64(f.SampleRate)
	gcd := timebase.Gcd(prev, sr)

	var tbNew timebase.Rational
	if prev/gcd >= (1<<31-1)/sr {
		logger.Warnf(ctx,
			"%s: conversion of frame timestamps may overflow, using 1/%d instead",
			d, fallbackAudioTimeBaseDen)
		tbNew = timebase.New(1, fallbackAudioTimeBaseDen)
	} else {
		tbNew = timebase.New(1, int(prev/gcd*sr))
	}

	// keep the frame's own time base if it is strictly finer
	if f.TimeBase.Num == 1 && f.TimeBase.Den > tbNew.Den && f.TimeBase.Den%tbNew.Den == 0 {
		tbNew = f.TimeBase
	}

	if d.lastFramePTS != timebase.NoPTS {
		d.lastFramePTS = timebase.RescaleQ(d.lastFramePTS, d.lastFrameTB, tbNew)
		d.lastFrameDurationEst = timebase.RescaleQ(d.lastFrameDurationEst, d.lastFrameTB, tbNew)
	}
	d.lastFrameSampleRate = f.SampleRate
	d.lastFrameTB = tbNew
	return tbNew
}

// audioTSProcess rewrites the frame timing into the filter-input time
// base {1, sample_rate}, synthesising a pts when the codec produced
// none and keeping successive frames contiguous in sample space.
func (d *Decoder) audioTSProcess(ctx context.Context, f *frame.Frame) {
	tbFilter := timebase.New(1, f.SampleRate)
	tb := d.audioSamplerateUpdate(ctx, f)

	ptsPred := int64(0)
	if d.lastFramePTS != timebase.NoPTS {
		ptsPred = d.lastFramePTS + d.lastFrameDurationEst
	}

	if f.PTS == timebase.NoPTS {
		f.PTS = ptsPred
		f.TimeBase = tb
	} else if d.lastFramePTS != timebase.NoPTS &&
		f.PTS > timebase.Rescale(ptsPred, tb, f.TimeBase, timebase.RoundUp) {
		// a gap: restart the sample-contiguity accumulator
		d.filterInRescaleDeltaLast = timebase.NoPTS
	}

	f.PTS = timebase.RescaleDelta(f.TimeBase, f.PTS, tb, f.NbSamples,
		&d.filterInRescaleDeltaLast, tb)

	d.lastFramePTS = f.PTS
	d.lastFrameDurationEst = timebase.RescaleQ(int64(f.NbSamples),
		timebase.New(1, f.SampleRate), tb)

	f.PTS = timebase.RescaleQ(f.PTS, tb, tbFilter)
	f.Duration = int64(f.NbSamples)
	f.TimeBase = tbFilter
}

func (d *Decoder) videoFrameProcess(ctx context.Context, f *frame.Frame) error {
	params := d.Codec.Params()
	if params.HWPixelFormat != "" && f.PixelFormat == params.HWPixelFormat {
		dl, ok := d.Codec.(avio.HWFrameDownloader)
		if !ok {
			return fmt.Errorf("%s: hardware frames in format %q but the codec cannot download them",
				d, f.PixelFormat)
		}
		if err := dl.DownloadFrame(ctx, f); err != nil {
			return err
		}
	}

	f.PTS = f.BestEffortTimestamp

	// forced fixed framerate: timestamps are resynthesised downstream
	if d.Framerate.IsValid() && d.Framerate.Num != 0 {
		f.PTS = timebase.NoPTS
		f.Duration = 1
		f.TimeBase = d.Framerate.Inv()
	}

	// no timestamp available, extrapolate from the previous frame
	if f.PTS == timebase.NoPTS {
		if d.lastFramePTS == timebase.NoPTS {
			f.PTS = 0
		} else {
			f.PTS = d.lastFramePTS + d.lastFrameDurationEst
		}
	}

	d.lastFrameDurationEst = d.videoDurationEstimate(f)
	d.lastFramePTS = f.PTS
	d.lastFrameTB = f.TimeBase

	if d.TopFieldFirst.IsSet() {
		if d.TopFieldFirst.Get() {
			f.Flags |= frame.FlagTopFieldFirst
		} else {
			f.Flags &^= frame.FlagTopFieldFirst
		}
	}
	if d.SampleAspectRatio.IsValid() && d.SampleAspectRatio.Num != 0 {
		f.SampleAspectRatio = d.SampleAspectRatio
	}
	return nil
}

// videoDurationEstimate guesses this frame's duration. Container
// durations cannot be told apart from made-up ones, so the order of
// preference depends on whether the container's timestamps are real.
func (d *Decoder) videoDurationEstimate(f *frame.Frame) int64 {
	frForced := d.Framerate.IsValid() && d.Framerate.Num != 0

	// prefer the frame duration for containers with real timestamps
	if f.Duration > 0 && (!d.TSUnreliable || frForced) {
		return f.Duration
	}

	var codecDuration int64
	if fr := d.Codec.Params().Framerate; fr.IsValid() && fr.Num != 0 {
		fields := int64(f.RepeatPict) + 2
		fieldRate := fr.Mul(timebase.New(2, 1))
		codecDuration = timebase.RescaleQ(fields, fieldRate.Inv(), f.TimeBase)
	}

	// for containers without timestamps the codec knows best
	if codecDuration > 0 && d.TSUnreliable {
		return codecDuration
	}

	// repeat the last frame's actual duration, i.e. the pts difference
	if f.PTS != timebase.NoPTS && d.lastFramePTS != timebase.NoPTS &&
		f.PTS > d.lastFramePTS {
		return f.PTS - d.lastFramePTS
	}

	if f.Duration > 0 {
		return f.Duration
	}
	if codecDuration > 0 {
		return codecDuration
	}

	if afr := d.Params.AvgFrameRate; afr.IsValid() && afr.Num != 0 {
		if dur := timebase.RescaleQ(1, afr.Inv(), f.TimeBase); dur > 0 {
			return dur
		}
	}

	return max(d.lastFrameDurationEst, 1)
}
