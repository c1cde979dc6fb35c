package timebase

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRescaleRounding(t *testing.T) {
	tests := []struct {
		name     string
		a, b, c  int64
		rnd      Rounding
		expected int64
	}{
		{"exact", 100, 1, 1, RoundNearInf, 100},
		{"near_down", 10, 1, 3, RoundNearInf, 3},
		{"near_up", 10, 2, 3, RoundNearInf, 7},
		{"zero_truncates", 10, 2, 3, RoundZero, 6},
		{"inf_expands", 10, 2, 3, RoundInf, 7},
		{"down", 10, 2, 3, RoundDown, 6},
		{"up", 10, 2, 3, RoundUp, 7},
		{"negative_near", -10, 1, 3, RoundNearInf, -3},
		{"negative_down", -10, 2, 3, RoundDown, -7},
		{"negative_up", -10, 2, 3, RoundUp, -6},
		{"negative_zero", -10, 2, 3, RoundZero, -6},
		{"big_exact", 1 << 60, 1000, 1000, RoundNearInf, 1 << 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, RescaleRnd(tt.a, tt.b, tt.c, tt.rnd))
		})
	}
}

func TestRescalePassMinMax(t *testing.T) {
	tb1 := Rational{1, 1000}
	tb2 := Rational{1, 90000}
	require.Equal(t, NoPTS, Rescale(NoPTS, tb1, tb2, RoundNearInf|RoundPassMinMax))
	require.Equal(t, int64(math.MaxInt64), Rescale(math.MaxInt64, tb1, tb2, RoundNearInf|RoundPassMinMax))
	require.Equal(t, int64(90), Rescale(1, tb1, tb2, RoundNearInf|RoundPassMinMax))
}

func TestRescaleSaturates(t *testing.T) {
	// 2^62 * 90000 does not fit in int64; result must saturate, not wrap.
	require.Equal(t, int64(math.MaxInt64), Rescale(1<<62, Rational{1, 1}, Rational{1, 90000}, RoundNearInf))
}

func TestRescaleRoundTrip(t *testing.T) {
	a := Rational{1, 15000}
	b := Rational{1, 90000}
	for _, ts := range []int64{0, 1, 499, 500, 49500, -333, 1 << 40} {
		got := Rescale(Rescale(ts, a, b, RoundNearInf), b, a, RoundNearInf)
		require.InDelta(t, ts, got, 1, "ts=%d", ts)
	}
	// non-multiple time bases round-trip within one unit of the source base
	c := Rational{1001, 30000}
	d := Rational{1, 1000000}
	for _, ts := range []int64{0, 1, 2, 1000, 123456} {
		got := Rescale(Rescale(ts, c, d, RoundNearInf), d, c, RoundNearInf)
		require.InDelta(t, ts, got, 1, "ts=%d", ts)
	}
}

func TestCompare(t *testing.T) {
	require.Equal(t, 0, Compare(1, Rational{1, 1000}, 90, Rational{1, 90000}))
	require.Equal(t, -1, Compare(1, Rational{1, 1000}, 91, Rational{1, 90000}))
	require.Equal(t, 1, Compare(2, Rational{1, 1000}, 91, Rational{1, 90000}))
	// values beyond the 32-bit fast path
	require.Equal(t, -1, Compare(1<<40, Rational{1, 90000}, 1<<40, Rational{1, 48000}))
	require.Equal(t, 0, Compare(0, Rational{1, 90000}, 0, Rational{1, 48000}))
}

func TestAddStable(t *testing.T) {
	tb := Rational{1, 90000}
	// adding 1/30 s to a 1/90000 clock 30 times advances exactly one second
	ts := int64(0)
	for i := 0; i < 30; i++ {
		ts = AddStable(tb, ts, Rational{1, 30}, 1)
	}
	require.Equal(t, int64(90000), ts)

	// an increment finer than one tick must not drift over many calls
	ts = 0
	for i := 0; i < 1000; i++ {
		ts = AddStable(Rational{1, 1000}, ts, Rational{1, 3000000}, 1)
	}
	// 1000/3000000 s = 1/3 ms
	require.InDelta(t, int64(0), ts, 1)
}

func TestRescaleDeltaContiguous(t *testing.T) {
	// 1024-sample frames at 44100 Hz arriving with timestamps in 1/1000;
	// the rescaled output must stay contiguous in sample space.
	inTB := Rational{1, 1000}
	fsTB := Rational{1, 44100}
	last := NoPTS
	var prevOut int64
	for i := 0; i < 50; i++ {
		inTS := Rescale(int64(i)*1024, fsTB, inTB, RoundNearInf)
		out := RescaleDelta(inTB, inTS, fsTB, 1024, &last, fsTB)
		if i > 0 {
			require.Equal(t, prevOut+1024, out, "frame %d", i)
		}
		prevOut = out
	}
}

func TestRescaleDeltaResetOnGap(t *testing.T) {
	inTB := Rational{1, 1000}
	fsTB := Rational{1, 48000}
	last := NoPTS
	out0 := RescaleDelta(inTB, 0, fsTB, 1024, &last, fsTB)
	require.Equal(t, int64(0), out0)
	// caller detected a gap: reset state, jump forward
	last = NoPTS
	out1 := RescaleDelta(inTB, 10000, fsTB, 1024, &last, fsTB)
	require.Equal(t, int64(480000), out1)
}

func TestRationalReduce(t *testing.T) {
	require.Equal(t, Rational{1, 2}, New(2, 4))
	require.Equal(t, Rational{-1, 2}, New(2, -4))
	require.True(t, Rational{Num: 2, Den: 4}.Equal(Rational{Num: 1, Den: 2}))
	require.False(t, Rational{Num: 1, Den: 3}.Equal(Rational{Num: 1, Den: 2}))
	require.Equal(t, Rational{3, 1}, Rational{1, 2}.Mul(Rational{6, 1}))
	require.Equal(t, Rational{1001, 30000}, New(30000, 1001).Inv())
}

func TestFromString(t *testing.T) {
	r, err := FromString("30000/1001")
	require.NoError(t, err)
	require.Equal(t, Rational{30000, 1001}, *r)
	r, err = FromString("25")
	require.NoError(t, err)
	require.Equal(t, Rational{25, 1}, *r)
	_, err = FromString("")
	require.Error(t, err)
	_, err = FromString("1/0")
	require.Error(t, err)
}
