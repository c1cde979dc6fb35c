// ts_fixup.go is the timestamp-normalisation pipeline applied to every
// demuxed packet: wrap correction, start-time/loop offsets, user ts
// scaling, discontinuity absorption, and the next-dts prediction that
// feeds read-rate throttling and recording-time cutoff.

package demux

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/logger"
	"github.com/xaionaro-go/avdriver/packet"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

func (d *Demuxer) tsFixup(ctx context.Context, st *inputStream, pkt *packet.Packet) {
	if !pkt.TimeBase.IsValid() {
		pkt.TimeBase = st.params.TimeBase
	}

	d.wrapCorrection(st, pkt)

	if pkt.DTS != timebase.NoPTS {
		pkt.DTS += timebase.RescaleQ(d.tsOffset, timebase.TimeBaseQ, pkt.TimeBase)
	}
	if pkt.PTS != timebase.NoPTS {
		pkt.PTS += timebase.RescaleQ(d.tsOffset, timebase.TimeBaseQ, pkt.TimeBase)
	}

	if st.cfg.TSScale != 1 {
		if pkt.PTS != timebase.NoPTS {
			pkt.PTS = int64(float64(pkt.PTS) * st.cfg.TSScale)
		}
		if pkt.DTS != timebase.NoPTS {
			pkt.DTS = int64(float64(pkt.DTS) * st.cfg.TSScale)
		}
	}

	// timestamps accumulated by prior plays of a looped input
	loopOffset := timebase.RescaleQ(d.duration, d.durationTB, pkt.TimeBase)
	if pkt.PTS != timebase.NoPTS {
		pkt.PTS += loopOffset
		// audio decoders take precedence for estimating the file
		// duration
		pktDuration := pkt.Duration
		if d.haveAudioDec {
			pktDuration = 0
		}
		st.maxPTS = max(st.maxPTS, pkt.PTS+pktDuration)
		st.minPTS = min(st.minPTS, pkt.PTS)
	}
	if pkt.DTS != timebase.NoPTS {
		pkt.DTS += loopOffset
	}
	if pkt.Duration > 0 {
		st.lastPktDuration = pkt.Duration
	}

	if d.DebugTS {
		d.dumpTS(ctx, "demuxer", st, pkt)
	}

	d.tsDiscontinuityProcess(ctx, st, pkt)
	d.dtsUpdate(st, pkt)

	if d.DebugTS {
		d.dumpTS(ctx, "demuxer+tsfixup", st, pkt)
	}
}

// wrapCorrection subtracts one wrap period from timestamps that sit a
// half-period past the container start; it runs until the first
// in-range packet is seen.
func (d *Demuxer) wrapCorrection(st *inputStream, pkt *packet.Packet) {
	startTime := d.startTimeEffective
	if st.wrapCorrectionDone || startTime == timebase.NoPTS ||
		st.params.PTSWrapBits <= 0 || st.params.PTSWrapBits >= 64 {
		return
	}

	stime := timebase.RescaleQ(startTime, timebase.TimeBaseQ, pkt.TimeBase)
	stime2 := stime + (int64(1) << st.params.PTSWrapBits)
	st.wrapCorrectionDone = true

	if stime2 > stime && pkt.DTS != timebase.NoPTS &&
		pkt.DTS > stime+(int64(1)<<(st.params.PTSWrapBits-1)) {
		pkt.DTS -= int64(1) << st.params.PTSWrapBits
		st.wrapCorrectionDone = false
	}
	if stime2 > stime && pkt.PTS != timebase.NoPTS &&
		pkt.PTS > stime+(int64(1)<<(st.params.PTSWrapBits-1)) {
		pkt.PTS -= int64(1) << st.params.PTSWrapBits
		st.wrapCorrectionDone = false
	}
}

func (d *Demuxer) tsDiscontinuityProcess(ctx context.Context, st *inputStream, pkt *packet.Packet) {
	offset := timebase.RescaleQ(d.tsOffsetDiscont, timebase.TimeBaseQ, pkt.TimeBase)

	// apply the offset established by previously-detected jumps
	if pkt.DTS != timebase.NoPTS {
		pkt.DTS += offset
	}
	if pkt.PTS != timebase.NoPTS {
		pkt.PTS += offset
	}

	if pkt.DTS != timebase.NoPTS &&
		(st.params.MediaType == types.MediaTypeAudio || st.params.MediaType == types.MediaTypeVideo) {
		d.tsDiscontinuityDetect(ctx, st, pkt)
	}
}

func (d *Demuxer) tsDiscontinuityDetect(ctx context.Context, st *inputStream, pkt *packet.Packet) {
	fmtIsDiscont := d.reader.FormatFlags().Has(avio.FormatTSDiscont)
	disableCorrection := d.CopyTS
	pktDTS := timebase.RescaleQ(pkt.DTS, pkt.TimeBase, timebase.TimeBaseQ)

	// with copy-ts a jump close to one wrap period is still corrected
	if d.CopyTS && st.nextDTS != timebase.NoPTS && fmtIsDiscont &&
		st.params.PTSWrapBits > 0 && st.params.PTSWrapBits < 60 {
		wrapDTS := timebase.RescaleQ(
			pkt.DTS+(int64(1)<<st.params.PTSWrapBits), pkt.TimeBase, timebase.TimeBaseQ)
		if absInt64(wrapDTS-st.nextDTS) < absInt64(pktDTS-st.nextDTS)/10 {
			disableCorrection = false
		}
	}

	deltaThreshold := int64(d.DTSDeltaThreshold * float64(timebase.TimeBaseDen))
	errorThreshold := int64(d.DTSErrorThreshold * float64(timebase.TimeBaseDen))

	switch {
	case st.nextDTS != timebase.NoPTS && !disableCorrection:
		delta := pktDTS - st.nextDTS
		if fmtIsDiscont {
			if absInt64(delta) > deltaThreshold ||
				(st.dts != timebase.NoPTS && pktDTS+timebase.TimeBaseDen/10 < st.dts) {
				d.tsOffsetDiscont -= delta
				logger.Warnf(ctx,
					"%s: timestamp discontinuity on stream %d (dts=%d): %d, new offset=%d",
					d.reader, st.params.Index, pkt.DTS, delta, d.tsOffset+d.tsOffsetDiscont)
				pkt.DTS -= timebase.RescaleQ(delta, timebase.TimeBaseQ, pkt.TimeBase)
				if pkt.PTS != timebase.NoPTS {
					pkt.PTS -= timebase.RescaleQ(delta, timebase.TimeBaseQ, pkt.TimeBase)
				}
			}
		} else {
			if absInt64(delta) > errorThreshold {
				logger.Warnf(ctx, "%s: dts %d on stream %d is invalid (expected around %d), dropping it",
					d.reader, pkt.DTS, st.params.Index, st.nextDTS)
				pkt.DTS = timebase.NoPTS
			}
			if pkt.PTS != timebase.NoPTS {
				pktPTS := timebase.RescaleQ(pkt.PTS, pkt.TimeBase, timebase.TimeBaseQ)
				if absInt64(pktPTS-st.nextDTS) > errorThreshold {
					logger.Warnf(ctx, "%s: pts %d on stream %d is invalid, dropping it",
						d.reader, pkt.PTS, st.params.Index)
					pkt.PTS = timebase.NoPTS
				}
			}
		}
	case st.nextDTS == timebase.NoPTS && !d.CopyTS && fmtIsDiscont &&
		d.lastTS != timebase.NoPTS:
		// correct the very first dts of a stream against the file-wide
		// last timestamp
		delta := pktDTS - d.lastTS
		if absInt64(delta) > deltaThreshold {
			d.tsOffsetDiscont -= delta
			logger.Debugf(ctx, "%s: inter-stream discontinuity on stream %d: %d, new offset=%d",
				d.reader, st.params.Index, delta, d.tsOffset+d.tsOffsetDiscont)
			pkt.DTS -= timebase.RescaleQ(delta, timebase.TimeBaseQ, pkt.TimeBase)
			if pkt.PTS != timebase.NoPTS {
				pkt.PTS -= timebase.RescaleQ(delta, timebase.TimeBaseQ, pkt.TimeBase)
			}
		}
	}

	if pkt.DTS != timebase.NoPTS {
		d.lastTS = timebase.RescaleQ(pkt.DTS, pkt.TimeBase, timebase.TimeBaseQ)
	} else {
		d.lastTS = timebase.NoPTS
	}
}

// dtsUpdate maintains the per-stream dts estimate and the prediction
// of the next packet's dts.
func (d *Demuxer) dtsUpdate(st *inputStream, pkt *packet.Packet) {
	if !st.sawFirstTS {
		if st.params.AvgFrameRate.IsValid() && st.params.AvgFrameRate.Num != 0 {
			// reordered video starts VideoDelay frames early
			st.dts = int64(-float64(st.params.VideoDelay) * float64(timebase.TimeBaseDen) /
				st.params.AvgFrameRate.Float64())
		} else {
			st.dts = 0
		}
		st.firstDTS = st.dts
		if pkt.PTS != timebase.NoPTS {
			st.dts += timebase.RescaleQ(pkt.PTS, pkt.TimeBase, timebase.TimeBaseQ)
			st.firstDTS = st.dts
		}
		st.sawFirstTS = true
	}

	if st.nextDTS == timebase.NoPTS {
		st.nextDTS = st.dts
	}
	if pkt.DTS != timebase.NoPTS {
		st.dts = timebase.RescaleQ(pkt.DTS, pkt.TimeBase, timebase.TimeBaseQ)
		st.nextDTS = st.dts
	}
	st.dts = st.nextDTS

	switch st.params.MediaType {
	case types.MediaTypeAudio:
		if st.params.SampleRate > 0 && st.params.FrameSize > 0 {
			st.nextDTS += int64(timebase.TimeBaseDen) * int64(st.params.FrameSize) /
				int64(st.params.SampleRate)
		} else if pkt.Duration > 0 {
			st.nextDTS += timebase.RescaleQ(pkt.Duration, pkt.TimeBase, timebase.TimeBaseQ)
		}
	case types.MediaTypeVideo:
		switch {
		case st.cfg.Framerate.IsValid() && st.cfg.Framerate.Num != 0:
			// forced framerate advances one frame per packet
			next := timebase.RescaleQ(st.nextDTS, timebase.TimeBaseQ, st.cfg.Framerate.Inv())
			st.nextDTS = timebase.RescaleQ(next+1, st.cfg.Framerate.Inv(), timebase.TimeBaseQ)
		case pkt.Duration > 0:
			st.nextDTS += timebase.RescaleQ(pkt.Duration, pkt.TimeBase, timebase.TimeBaseQ)
		case st.params.Framerate.IsValid() && st.params.Framerate.Num != 0:
			fieldRate := st.params.Framerate.Mul(timebase.New(2, 1))
			st.nextDTS += timebase.RescaleQ(2, fieldRate.Inv(), timebase.TimeBaseQ)
		}
	}
}

// readrateSleep stalls the read loop until wall clock catches up with
// the stream time at the configured rate, minus the initial burst.
func (d *Demuxer) readrateSleep(ctx context.Context) {
	var fileStart int64
	if d.CopyTS {
		if d.startTimeEffective != timebase.NoPTS && !d.StartAtZero {
			fileStart += d.startTimeEffective
		}
		if d.StartTime.IsSet() {
			fileStart += d.StartTime.Get().Microseconds()
		}
	}
	burstUntil := int64(float64(timebase.TimeBaseDen) * d.ReadRateInitialBurst)

	for _, st := range d.streams {
		if st.nbPackets == 0 || st.dts == timebase.NoPTS {
			continue
		}
		tsOffset := fileStart
		if st.firstDTS != timebase.NoPTS && st.firstDTS > tsOffset {
			tsOffset = st.firstDTS
		}
		elapsed := int64(float64(time.Since(d.wallclockStart).Microseconds()) * d.ReadRate)
		now := elapsed + tsOffset
		if st.dts-burstUntil > now {
			delta := time.Duration(st.dts-burstUntil-now) * time.Microsecond
			select {
			case <-time.After(delta):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Demuxer) dumpTS(ctx context.Context, tag string, st *inputStream, pkt *packet.Packet) {
	logger.Debugf(ctx, "%s -> stream:%d type:%s pkt_pts:%s pkt_pts_time:%s pkt_dts:%s pkt_dts_time:%s duration:%d tb:%s",
		tag, st.params.Index, st.params.MediaType,
		tsToString(pkt.PTS), tsToTimeString(pkt.PTS, pkt.TimeBase),
		tsToString(pkt.DTS), tsToTimeString(pkt.DTS, pkt.TimeBase),
		pkt.Duration, pkt.TimeBase)
}

func tsToString(ts int64) string {
	if ts == timebase.NoPTS {
		return "NOPTS"
	}
	return fmt.Sprintf("%d", ts)
}

func tsToTimeString(ts int64, tb timebase.Rational) string {
	if ts == timebase.NoPTS || !tb.IsValid() {
		return "NOPTS"
	}
	return fmt.Sprintf("%.6f", float64(ts)*tb.Float64())
}

func absInt64(v int64) int64 {
	if v < 0 {
		if v == math.MinInt64 {
			return math.MaxInt64
		}
		return -v
	}
	return v
}
