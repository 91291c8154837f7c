package store

import "github.com/orcastor/extentfs/core"

// TrimMode selects which extents TrimSome removes.
type TrimMode struct {
	FromOffset uint64
	// All also removes the attribute record once its extents are gone.
	All bool
}

func TrimFromOffset(off uint64) TrimMode { return TrimMode{FromOffset: off} }

func TrimAll() TrimMode { return TrimMode{All: true} }

type TrimResult int

const (
	TrimDone TrimResult = iota
	TrimIncomplete
)

// TrimSome deletes extents of (oid, attr) at or beyond the block-rounded
// offset, deallocating their device space. It returns TrimIncomplete once
// txn reaches the mutation threshold; the caller commits and calls again.
func (s *Store) TrimSome(c core.Ctx, txn *Transaction, oid, attr uint64, mode TrimMode) (TrimResult, error) {
	var aligned uint64
	if !mode.All {
		var ok bool
		if aligned, ok = core.RoundUp(mode.FromOffset, s.bs); !ok {
			return TrimDone, core.Errorf(core.ERR_TOO_BIG, "trim from %d", mode.FromOffset)
		}
	}
	var deallocated uint64
	cur := s.index.Query(ExtentSearchKey(oid, attr, aligned))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(oid, attr); it = cur.Get() {
		if err := c.Err(); err != nil {
			return TrimIncomplete, err
		}
		ev := it.Value.(ExtentValue)
		r := it.Key.Range
		if ev.Present {
			start := r.Start
			if start < aligned {
				start = aligned
			}
			if !r.IsAligned(s.bs) {
				return TrimDone, core.Errorf(core.ERR_INCONSISTENT, "misaligned extent %v", r)
			}
			dr := core.Range{Start: ev.DeviceOffset + (start - r.Start), End: ev.DeviceOffset + (r.End - r.Start)}
			if err := s.alloc.Deallocate(txn, s.id, dr); err != nil {
				return TrimDone, err
			}
			deallocated += dr.Len()
			txn.Add(MergeExtent(oid, attr, core.Range{Start: start, End: r.End}, DeletedExtent()))
			if txn.Len() >= s.opts.MutationThreshold {
				if err := s.updateAllocatedSize(txn, oid, 0, deallocated); err != nil {
					return TrimDone, err
				}
				core.TrimPass(false)
				return TrimIncomplete, nil
			}
		}
		cur.Advance()
	}
	if mode.All {
		txn.Add(ReplaceOrInsert(AttributeKey(oid, attr), NoneValue{}))
	}
	if err := s.updateAllocatedSize(txn, oid, 0, deallocated); err != nil {
		return TrimDone, err
	}
	core.TrimPass(true)
	return TrimDone, nil
}
