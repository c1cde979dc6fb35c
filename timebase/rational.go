// Package timebase implements rational time bases and the integer
// timestamp algebra used throughout the pipeline: rescaling with
// explicit rounding, saturating cross-timebase comparison, and the
// stateful helpers needed for contiguous audio timestamps.
package timebase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Rational is a time base: Num/Den seconds per tick. A Rational built
// through New is reduced and has Den > 0.
type Rational struct {
	Num int
	Den int
}

// New returns the reduced form of num/den. The sign is carried by Num.
func New(num, den int) Rational {
	if den < 0 {
		num, den = -num, -den
	}
	if g := gcdInt(abs(num), den); g > 1 {
		num /= g
		den /= g
	}
	return Rational{Num: num, Den: den}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func gcdInt(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Gcd returns the greatest common divisor of |a| and |b|.
func Gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (r Rational) IsValid() bool {
	return r.Num != 0 && r.Den > 0
}

// Equal reports whether two time bases denote the same tick duration;
// they are compared in reduced form.
func (r Rational) Equal(other Rational) bool {
	a := New(r.Num, r.Den)
	b := New(other.Num, other.Den)
	return a == b
}

func (r Rational) Inv() Rational {
	return New(r.Den, r.Num)
}

func (r Rational) Mul(other Rational) Rational {
	return New(r.Num*other.Num, r.Den*other.Den)
}

func (r Rational) Div(other Rational) Rational {
	return New(r.Num*other.Den, r.Den*other.Num)
}

func (r Rational) Float64() float64 {
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func FromString(s string) (*Rational, error) {
	var r Rational
	switch {
	case len(s) == 0:
		return nil, fmt.Errorf("unable to parse Rational from empty string")
	case strings.Contains(s, "/"):
		if _, err := fmt.Sscanf(s, "%d/%d", &r.Num, &r.Den); err != nil {
			return nil, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
		r = FromFloat64(v)
	}
	if r.Den == 0 {
		return nil, fmt.Errorf("denominator cannot be zero")
	}
	return &r, nil
}

// FromFloat64 approximates a frame rate as a rational, recognizing the
// NTSC x*1000/1001 family.
func FromFloat64(v float64) Rational {
	if float64(int(v)) == v {
		return Rational{Num: int(v), Den: 1}
	}
	ntsc := New(int(v*1001.0/1000.0+0.5)*1000, 1001)
	if diff := ntsc.Float64() - v; diff < 1e-2 && diff > -1e-2 {
		return ntsc
	}
	return New(int(v*1000000), 1000000)
}

func (r Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Rational) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unable to unmarshal Rational from JSON '%s': %w", b, err)
	}
	v, err := FromString(s)
	if err != nil {
		return fmt.Errorf("unable to unmarshal Rational from string %q: %w", s, err)
	}
	*r = *v
	return nil
}
