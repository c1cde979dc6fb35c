package timebase

import (
	"math"
	"math/bits"
)

// NoPTS marks an unknown timestamp. It is distinct from every
// representable instant.
const NoPTS = int64(math.MinInt64)

// TimeBaseDen is the denominator of the canonical internal time base
// used for cross-stream scheduling math (microseconds).
const TimeBaseDen = 1_000_000

// TimeBaseQ is the canonical internal time base, 1/1000000 seconds per tick.
var TimeBaseQ = Rational{Num: 1, Den: TimeBaseDen}

// Rounding selects how Rescale resolves inexact divisions.
type Rounding int

const (
	RoundZero    Rounding = 0 // toward zero
	RoundInf     Rounding = 1 // away from zero
	RoundDown    Rounding = 2 // toward -infinity
	RoundUp      Rounding = 3 // toward +infinity
	RoundNearInf Rounding = 5 // nearest, halfway away from zero

	// RoundPassMinMax is a flag: NoPTS and math.MaxInt64 pass through
	// unchanged instead of being rescaled.
	RoundPassMinMax Rounding = 8192
)

// Rescale converts a timestamp between time bases: t * from / to,
// rounded as requested. NoPTS passes through when RoundPassMinMax is
// set; results outside int64 saturate instead of wrapping.
func Rescale(t int64, from, to Rational, rnd Rounding) int64 {
	b := int64(from.Num) * int64(to.Den)
	c := int64(from.Den) * int64(to.Num)
	return RescaleRnd(t, b, c, rnd)
}

// RescaleQ is Rescale with the default rounding (nearest, away from zero).
func RescaleQ(t int64, from, to Rational) int64 {
	return Rescale(t, from, to, RoundNearInf)
}

// RescaleRnd computes a*b/c with the requested rounding, using 128-bit
// intermediates. Out-of-range results saturate to math.MinInt64 or
// math.MaxInt64.
func RescaleRnd(a, b, c int64, rnd Rounding) int64 {
	if c <= 0 || b < 0 {
		return math.MinInt64
	}
	if rnd&RoundPassMinMax != 0 {
		if a == math.MinInt64 || a == math.MaxInt64 {
			return a
		}
		rnd -= RoundPassMinMax
	}
	switch rnd {
	case RoundZero, RoundInf, RoundDown, RoundUp, RoundNearInf:
	default:
		return math.MinInt64
	}

	if a < 0 {
		na := a
		if na == math.MinInt64 {
			na = math.MinInt64 + 1
		}
		// mirror the rounding direction for the negated value
		v := RescaleRnd(-na, b, c, rnd^((rnd>>1)&1))
		if v == math.MaxInt64 || v == math.MinInt64 {
			return math.MinInt64
		}
		return -v
	}

	var r uint64
	switch {
	case rnd == RoundNearInf:
		r = uint64(c) / 2
	case rnd&1 != 0: // RoundInf or RoundUp for non-negative a
		r = uint64(c) - 1
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	lo, carry := bits.Add64(lo, r, 0)
	hi += carry
	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(q)
}

// Compare orders timestamp a under tb_a against b under tb_b:
// -1, 0 or 1. The cross-multiplication saturates instead of
// overflowing.
func Compare(tsA int64, tbA Rational, tsB int64, tbB Rational) int {
	a := int64(tbA.Num) * int64(tbB.Den)
	b := int64(tbB.Num) * int64(tbA.Den)
	if absInt64(tsA) <= math.MaxInt32 && absInt64(tsB) <= math.MaxInt32 &&
		a <= math.MaxInt32 && b <= math.MaxInt32 {
		switch {
		case tsA*a < tsB*b:
			return -1
		case tsA*a > tsB*b:
			return 1
		}
		return 0
	}
	if RescaleRnd(tsA, a, b, RoundDown) < tsB {
		return -1
	}
	if RescaleRnd(tsB, b, a, RoundDown) < tsA {
		return 1
	}
	return 0
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

// RescaleDelta rescales a (usually audio) timestamp from inTB to outTB
// while keeping successive calls contiguous in sample space. last is
// the per-stream accumulator, held in fsTB units; callers reset it to
// NoPTS when the stream has a gap. duration is the sample count of the
// current chunk under fsTB.
func RescaleDelta(inTB Rational, inTS int64, fsTB Rational, duration int, last *int64, outTB Rational) int64 {
	if inTS == NoPTS || duration < 0 {
		return NoPTS
	}

	coarse := *last == NoPTS || duration == 0 ||
		int64(inTB.Num)*int64(outTB.Den) <= int64(outTB.Num)*int64(inTB.Den)
	if !coarse {
		a := Rescale(2*inTS-1, inTB, fsTB, RoundDown) >> 1
		b := (Rescale(2*inTS+1, inTB, fsTB, RoundUp) + 1) >> 1
		if *last >= 2*a-b && *last <= 2*b-a {
			this := clipInt64(*last, a, b)
			*last = this + int64(duration)
			return Rescale(this, fsTB, outTB, RoundNearInf)
		}
	}

	*last = Rescale(inTS, inTB, fsTB, RoundNearInf) + int64(duration)
	return Rescale(inTS, inTB, outTB, RoundNearInf)
}

func clipInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AddStable adds inc (in incTB units) to ts (in tsTB units) so that
// repeated additions do not accumulate drift.
func AddStable(tsTB Rational, ts int64, incTB Rational, inc int64) int64 {
	if inc != 1 {
		incTB = incTB.Mul(Rational{Num: int(inc), Den: 1})
	}

	m := int64(incTB.Num) * int64(tsTB.Den)
	d := int64(incTB.Den) * int64(tsTB.Num)

	if m%d == 0 && ts <= math.MaxInt64-m/d {
		return ts + m/d
	}
	if m < d {
		return ts
	}

	old := RescaleQ(ts, tsTB, incTB)
	oldTS := RescaleQ(old, incTB, tsTB)
	if old == math.MaxInt64 || old == NoPTS || oldTS == NoPTS {
		return ts
	}
	return RescaleQ(old+1, incTB, tsTB) + (ts - oldTS)
}
