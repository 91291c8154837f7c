package store

import (
	"sort"
	"sync"

	"github.com/orcastor/extentfs/core"
)

// freeRun is a run of free device bytes.
type freeRun struct {
	start, count uint64
}

// Allocator hands out device ranges best-fit from a set of coalesced free
// runs. Allocations are reserved immediately and become permanent when the
// owning transaction commits; deallocations only become reusable after
// commit.
type Allocator struct {
	mu        sync.Mutex
	bs        uint64
	free      []freeRun // sorted by start, coalesced
	allocated uint64
	reserved  uint64
	maxExtent uint64
}

func NewAllocator(bs, deviceSize, maxExtent uint64) *Allocator {
	a := &Allocator{bs: bs, maxExtent: maxExtent}
	if deviceSize > 0 {
		a.free = []freeRun{{start: 0, count: deviceSize}}
	}
	return a
}

// findBestFit returns the smallest run >= n, or the largest run when none
// is big enough.
func (a *Allocator) findBestFit(n uint64) int {
	best, largest := -1, -1
	for i, run := range a.free {
		if run.count >= n && (best < 0 || run.count < a.free[best].count) {
			best = i
		}
		if largest < 0 || run.count > a.free[largest].count {
			largest = i
		}
	}
	if best >= 0 {
		return best
	}
	return largest
}

// takeFromRun consumes up to n bytes from the head of run idx.
func (a *Allocator) takeFromRun(idx int, n uint64) core.Range {
	run := a.free[idx]
	if n > run.count {
		n = run.count
	}
	r := core.Range{Start: run.start, End: run.start + n}
	if n == run.count {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	} else {
		a.free[idx] = freeRun{start: run.start + n, count: run.count - n}
	}
	return r
}

func (a *Allocator) addFree(r core.Range) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= r.Start })
	a.free = append(a.free, freeRun{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = freeRun{start: r.Start, count: r.Len()}
	// 和前后相邻的run合并
	if i+1 < len(a.free) && a.free[i].start+a.free[i].count == a.free[i+1].start {
		a.free[i].count += a.free[i+1].count
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].start+a.free[i-1].count == a.free[i].start {
		a.free[i-1].count += a.free[i].count
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// carve removes r from the free runs; used by replay.
func (a *Allocator) carve(r core.Range) error {
	for i, run := range a.free {
		if run.start <= r.Start && r.End <= run.start+run.count {
			a.free = append(a.free[:i], a.free[i+1:]...)
			if run.start < r.Start {
				a.addFree(core.Range{Start: run.start, End: r.Start})
			}
			if r.End < run.start+run.count {
				a.addFree(core.Range{Start: r.End, End: run.start + run.count})
			}
			return nil
		}
	}
	return core.Errorf(core.ERR_INCONSISTENT, "allocation %v overlaps allocated space", r)
}

// Allocate reserves up to n bytes (rounded up to the block size) for txn.
// The returned range may be shorter than requested.
func (a *Allocator) Allocate(txn *Transaction, owner, n uint64) (core.Range, error) {
	n, ok := core.RoundUp(n, a.bs)
	if !ok || n == 0 {
		return core.Range{}, core.Errorf(core.ERR_INVALID_ARGS, "allocate %d bytes", n)
	}
	if a.maxExtent > 0 && n > a.maxExtent {
		n = a.maxExtent
	}
	a.mu.Lock()
	idx := a.findBestFit(n)
	if idx < 0 {
		a.mu.Unlock()
		return core.Range{}, core.Errorf(core.ERR_NO_SPACE, "allocate %d bytes", n)
	}
	r := a.takeFromRun(idx, n)
	a.reserved += r.Len()
	a.mu.Unlock()

	txn.addAllocatorMutation(&AllocatorMutation{Op: AllocatorAllocate, Owner: owner, Range: r})
	core.BytesAllocated(r.Len())
	return r, nil
}

// Deallocate frees r once txn commits.
func (a *Allocator) Deallocate(txn *Transaction, owner uint64, r core.Range) error {
	if r.Empty() || !r.IsAligned(a.bs) {
		return core.Errorf(core.ERR_INCONSISTENT, "deallocate bad range %v", r)
	}
	txn.addAllocatorMutation(&AllocatorMutation{Op: AllocatorDeallocate, Owner: owner, Range: r})
	return nil
}

func (a *Allocator) commit(muts []*AllocatorMutation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range muts {
		switch m.Op {
		case AllocatorAllocate:
			a.reserved -= m.Range.Len()
			a.allocated += m.Range.Len()
		case AllocatorDeallocate:
			a.addFree(m.Range)
			a.allocated -= m.Range.Len()
			core.BytesDeallocated(m.Range.Len())
		}
	}
}

// discard returns reservations of a transaction that will never commit.
func (a *Allocator) discard(muts []*AllocatorMutation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range muts {
		if m.Op == AllocatorAllocate {
			a.reserved -= m.Range.Len()
			a.addFree(m.Range)
		}
	}
}

func (a *Allocator) replay(m *AllocatorMutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch m.Op {
	case AllocatorAllocate:
		if err := a.carve(m.Range); err != nil {
			return err
		}
		a.allocated += m.Range.Len()
	case AllocatorDeallocate:
		a.addFree(m.Range)
		a.allocated -= m.Range.Len()
	}
	return nil
}

// AllocatedBytes is the committed total.
func (a *Allocator) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, r := range a.free {
		n += r.count
	}
	return n
}

// MarkAllocated reserves the exact device range r for txn, failing if any
// of it is already in use.
func (a *Allocator) MarkAllocated(txn *Transaction, owner uint64, r core.Range) error {
	if r.Empty() || !r.IsAligned(a.bs) {
		return core.Errorf(core.ERR_INVALID_ARGS, "mark allocated %v", r)
	}
	a.mu.Lock()
	err := a.carve(r)
	if err == nil {
		a.reserved += r.Len()
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	txn.addAllocatorMutation(&AllocatorMutation{Op: AllocatorAllocate, Owner: owner, Range: r})
	core.BytesAllocated(r.Len())
	return nil
}
