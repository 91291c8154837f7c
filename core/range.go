package core

import "fmt"

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) Contains(off uint64) bool { return off >= r.Start && off < r.End }

func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// Intersect returns the overlap of r and o, empty if they do not overlap.
func (r Range) Intersect(o Range) Range {
	s, e := r.Start, r.End
	if o.Start > s {
		s = o.Start
	}
	if o.End < e {
		e = o.End
	}
	if e < s {
		e = s
	}
	return Range{s, e}
}

func (r Range) String() string { return fmt.Sprintf("%d..%d", r.Start, r.End) }

func (r Range) IsAligned(bs uint64) bool { return r.Start%bs == 0 && r.End%bs == 0 }

func RoundDown(v, bs uint64) uint64 { return v - v%bs }

// RoundUp returns v rounded up to bs, and false on overflow.
func RoundUp(v, bs uint64) (uint64, bool) {
	rem := v % bs
	if rem == 0 {
		return v, true
	}
	n := v + (bs - rem)
	if n < v {
		return 0, false
	}
	return n, true
}

// MustRoundUp is RoundUp for values already known to be far from overflow.
func MustRoundUp(v, bs uint64) uint64 {
	n, ok := RoundUp(v, bs)
	if !ok {
		panic(fmt.Sprintf("round up overflow: %d/%d", v, bs))
	}
	return n
}

// CheckedAdd returns a+b or ERR_TOO_BIG.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a+b < a {
		return 0, Errorf(ERR_TOO_BIG, "%d + %d overflows", a, b)
	}
	return a + b, nil
}
