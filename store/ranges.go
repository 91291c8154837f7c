package store

import (
	"sort"
	"sync"

	"github.com/orcastor/extentfs/core"
)

// RangeTracker is the in-memory set of attribute ranges backed by
// Overwrite or OverwritePartial extents. It is derived from applied extent
// mutations and never persisted.
type RangeTracker struct {
	mu     sync.Mutex
	ranges []core.Range // sorted, disjoint, coalesced
}

func NewRangeTracker() *RangeTracker { return &RangeTracker{} }

// ApplyRange adds r to the set.
func (t *RangeTracker) ApplyRange(r core.Range) {
	if r.Empty() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].End >= r.Start })
	j := i
	for j < len(t.ranges) && t.ranges[j].Start <= r.End {
		if t.ranges[j].Start < r.Start {
			r.Start = t.ranges[j].Start
		}
		if t.ranges[j].End > r.End {
			r.End = t.ranges[j].End
		}
		j++
	}
	out := make([]core.Range, 0, len(t.ranges)-(j-i)+1)
	out = append(out, t.ranges[:i]...)
	out = append(out, r)
	t.ranges = append(out, t.ranges[j:]...)
}

// RemoveRange drops r from the set, splitting a range it lands inside.
func (t *RangeTracker) RemoveRange(r core.Range) {
	if r.Empty() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Range, 0, len(t.ranges)+1)
	for _, tr := range t.ranges {
		if tr.End <= r.Start || tr.Start >= r.End {
			out = append(out, tr)
			continue
		}
		if tr.Start < r.Start {
			out = append(out, core.Range{Start: tr.Start, End: r.Start})
		}
		if tr.End > r.End {
			out = append(out, core.Range{Start: r.End, End: tr.End})
		}
	}
	t.ranges = out
}

// Truncate drops everything at or past the block holding size. It reports
// whether any range is left.
func (t *RangeTracker) Truncate(size, bs uint64) bool {
	limit := core.MustRoundUp(size, bs)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.ranges[:0]
	for _, r := range t.ranges {
		if r.Start >= limit {
			break
		}
		if r.End > limit {
			r.End = limit
		}
		out = append(out, r)
	}
	t.ranges = out
	return len(t.ranges) > 0
}

func (t *RangeTracker) Clear() {
	t.mu.Lock()
	t.ranges = nil
	t.mu.Unlock()
}

func (t *RangeTracker) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges) == 0
}

func (t *RangeTracker) Ranges() []core.Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Range(nil), t.ranges...)
}

// Split divides r into the parts covered by tracked ranges and the rest,
// both in ascending order.
func (t *RangeTracker) Split(r core.Range) (overwrite, cow []core.Range) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := r.Start
	for _, tr := range t.ranges {
		if tr.End <= pos {
			continue
		}
		if tr.Start >= r.End {
			break
		}
		if tr.Start > pos {
			cow = append(cow, core.Range{Start: pos, End: tr.Start})
			pos = tr.Start
		}
		end := tr.End
		if end > r.End {
			end = r.End
		}
		overwrite = append(overwrite, core.Range{Start: pos, End: end})
		pos = end
	}
	if pos < r.End {
		cow = append(cow, core.Range{Start: pos, End: r.End})
	}
	return overwrite, cow
}
