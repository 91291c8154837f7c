package store

import "github.com/orcastor/extentfs/core"

type switchSpan struct {
	r     core.Range
	dev   uint64
	keyID uint64
}

// Allocate makes every block of r writable in place. Blocks already backed
// by Raw or Cow extents are switched to Overwrite where they lie; unbacked
// blocks get new OverwritePartial extents. The size grows to r.End if it
// was smaller. Large ranges are committed in several transactions; each
// one is consistent on its own, so a failed call can simply be retried.
func (h *DataObjectHandle) Allocate(c core.Ctx, r core.Range) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	if r.Empty() {
		return nil
	}
	start := core.RoundDown(r.Start, h.bs)
	end, ok := core.RoundUp(r.End, h.bs)
	if !ok {
		return core.Errorf(core.ERR_TOO_BIG, "allocate %v", r)
	}
	txn, err := h.NewTransaction(c)
	if err != nil {
		return err
	}
	defer txn.Discard()
	size, err := h.txnGetSize(txn)
	if err != nil {
		return err
	}
	// 末尾块会被原地切换，size之后的旧字节要先清掉
	if size%h.bs != 0 && r.End > size && end > core.RoundDown(size, h.bs) {
		if err := h.zeroTail(c, txn, size); err != nil {
			return err
		}
		if err := txn.CommitAndContinue(c); err != nil {
			return err
		}
	}

	var toSwitch []switchSpan
	var toAllocate []core.Range
	pos := start
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, start))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.Start < end; it = cur.Get() {
		er, ev := it.Key.Range, it.Value.(ExtentValue)
		cur.Advance()
		if !ev.Present {
			// a deleted extent stays part of the gap being collected
			continue
		}
		if !er.IsAligned(h.bs) {
			return core.Errorf(core.ERR_INCONSISTENT, "misaligned extent %v", er)
		}
		if er.Start > pos {
			toAllocate = append(toAllocate, core.Range{Start: pos, End: er.Start})
		}
		piece := er.Intersect(core.Range{Start: pos, End: end})
		if !ev.Mode.IsOverwrite() {
			toSwitch = append(toSwitch, switchSpan{
				r:     piece,
				dev:   ev.DeviceOffset + (piece.Start - er.Start),
				keyID: ev.KeyID,
			})
		}
		pos = piece.End
	}
	if pos < end {
		toAllocate = append(toAllocate, core.Range{Start: pos, End: end})
	}

	// size goes first so a partial commit never leaves overwrite extents past it
	newSize := size
	if r.End > newSize {
		newSize = r.End
	}
	if err := h.stageAttribute(txn, newSize, true); err != nil {
		return err
	}

	var allocated uint64
	maybeContinue := func() error {
		if txn.Len() < h.s.opts.AllocateMaxTxnSize {
			return nil
		}
		if err := h.s.updateAllocatedSize(txn, h.oid, allocated, 0); err != nil {
			return err
		}
		allocated = 0
		return txn.CommitAndContinue(c)
	}
	for _, sw := range toSwitch {
		txn.AddWithObject(MergeExtent(h.oid, h.attr, sw.r, NewInitializedOverwriteExtent(sw.dev, sw.keyID)), h)
		if err := maybeContinue(); err != nil {
			return err
		}
	}
	for _, rem := range toAllocate {
		for !rem.Empty() {
			dr, err := h.s.alloc.Allocate(txn, h.s.id, rem.Len())
			if err != nil {
				return core.Wrapf(err, "allocate %d %v", h.oid, rem)
			}
			fr := core.Range{Start: rem.Start, End: rem.Start + dr.Len()}
			txn.AddWithObject(MergeExtent(h.oid, h.attr, fr, NewBlankOverwriteExtent(dr.Start, dr.Len()/h.bs, h.keyID)), h)
			allocated += dr.Len()
			rem.Start = fr.End
			if err := maybeContinue(); err != nil {
				return err
			}
		}
	}
	if err := h.s.updateAllocatedSize(txn, h.oid, allocated, 0); err != nil {
		return err
	}
	_, err = txn.Commit(c)
	return err
}

// stageAttribute stages the data attribute record with the given size and
// overwrite flag.
func (h *DataObjectHandle) stageAttribute(txn *Transaction, size uint64, hasOverwrite bool) error {
	key := AttributeKey(h.oid, h.attr)
	v, ok := h.s.stagedOrCommitted(txn, key)
	if !ok {
		return core.Errorf(core.ERR_NOT_FOUND, "attribute %d/%d", h.oid, h.attr)
	}
	if _, ok := v.(AttributeValue); !ok {
		return core.Errorf(core.ERR_INCONSISTENT, "unexpected object value %T", v)
	}
	txn.AddWithObject(ReplaceOrInsert(key, AttributeValue{Size: size, HasOverwriteExtents: hasOverwrite}), h)
	return nil
}

// PreallocateRange backs the block aligned fileRange with Raw extents and
// returns the device ranges now behind it, existing and new, in order.
// fileRange.Start is advanced past whatever was handled; once the mutation
// threshold is reached the call returns early and the caller commits and
// calls again with the rest.
func (h *DataObjectHandle) PreallocateRange(c core.Ctx, txn *Transaction, fileRange *core.Range) ([]core.Range, error) {
	if !fileRange.IsAligned(h.bs) {
		return nil, core.Errorf(core.ERR_INVALID_ARGS, "unaligned preallocate range %v", *fileRange)
	}
	if h.encrypted() {
		return nil, core.Errorf(core.ERR_NOT_SUPPORTED, "preallocate on encrypted object %d", h.oid)
	}
	if err := h.checkWritable(); err != nil {
		return nil, err
	}
	var ranges []core.Range
	var allocated uint64
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, fileRange.Start))
	for !fileRange.Empty() {
		it := cur.Get()
		for it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.End <= fileRange.Start {
			cur.Advance()
			it = cur.Get()
		}
		gapEnd := fileRange.End
		if it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.Start < fileRange.End {
			er, ev := it.Key.Range, it.Value.(ExtentValue)
			switch {
			case er.Start > fileRange.Start:
				gapEnd = er.Start
			case ev.Present:
				end := er.End
				if end > fileRange.End {
					end = fileRange.End
				}
				dev := ev.DeviceOffset + (fileRange.Start - er.Start)
				ranges = append(ranges, core.Range{Start: dev, End: dev + (end - fileRange.Start)})
				fileRange.Start = end
				continue
			default:
				if er.End < gapEnd {
					gapEnd = er.End
				}
			}
		}
		dr, err := h.s.alloc.Allocate(txn, h.s.id, gapEnd-fileRange.Start)
		if err != nil {
			return ranges, core.Wrapf(err, "preallocate %d", h.oid)
		}
		fr := core.Range{Start: fileRange.Start, End: fileRange.Start + dr.Len()}
		txn.Add(MergeExtent(h.oid, h.attr, fr, NewRawExtent(dr.Start, 0)))
		ranges = append(ranges, dr)
		allocated += dr.Len()
		fileRange.Start = fr.End
		if txn.Len() > h.s.opts.MutationThreshold {
			break
		}
	}
	size, err := h.txnGetSize(txn)
	if err != nil {
		return ranges, err
	}
	if fileRange.Start > core.MustRoundUp(size, h.bs) {
		if err := h.txnUpdateSize(txn, fileRange.Start); err != nil {
			return ranges, err
		}
	}
	return ranges, h.s.updateAllocatedSize(txn, h.oid, allocated, 0)
}

// Extend points the unbacked, block aligned fileRange at the caller chosen
// device range devRange as a Raw extent.
func (h *DataObjectHandle) Extend(c core.Ctx, txn *Transaction, fileRange, devRange core.Range) error {
	if !fileRange.IsAligned(h.bs) || !devRange.IsAligned(h.bs) || fileRange.Len() != devRange.Len() || fileRange.Empty() {
		return core.Errorf(core.ERR_INVALID_ARGS, "extend %v -> %v", fileRange, devRange)
	}
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, fileRange.Start))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.Start < fileRange.End; it = cur.Get() {
		if it.Value.(ExtentValue).Present {
			return core.Errorf(core.ERR_ALREADY_EXISTS, "extend %v overlaps extent %v", fileRange, it.Key.Range)
		}
		cur.Advance()
	}
	if err := h.s.alloc.MarkAllocated(txn, h.s.id, devRange); err != nil {
		return err
	}
	txn.Add(MergeExtent(h.oid, h.attr, fileRange, NewRawExtent(devRange.Start, h.keyID)))
	size, err := h.txnGetSize(txn)
	if err != nil {
		return err
	}
	if fileRange.End > size {
		if err := h.txnUpdateSize(txn, fileRange.End); err != nil {
			return err
		}
	}
	return h.s.updateAllocatedSize(txn, h.oid, devRange.Len(), 0)
}

// IsAllocated reports whether the block aligned offset start is backed and
// how many bytes from start share that answer, up to the file size.
func (h *DataObjectHandle) IsAllocated(c core.Ctx, start uint64) (bool, uint64, error) {
	if start%h.bs != 0 {
		return false, 0, core.Errorf(core.ERR_INVALID_ARGS, "unaligned offset %d", start)
	}
	size := h.GetSize()
	if start > size {
		return false, 0, core.Errorf(core.ERR_OUT_OF_RANGE, "offset %d past size %d", start, size)
	}
	if start == size {
		return false, 0, nil
	}
	var allocated, known, stopped bool
	pos := start
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, start))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.Start < size; it = cur.Get() {
		if err := c.Err(); err != nil {
			return false, 0, err
		}
		er, ev := it.Key.Range, it.Value.(ExtentValue)
		if er.Start > pos {
			if known && allocated {
				stopped = true
				break
			}
			known, allocated = true, false
		}
		if known && ev.Present != allocated {
			if er.Start > pos {
				pos = er.Start
			}
			stopped = true
			break
		}
		known, allocated = true, ev.Present
		pos = er.End
		cur.Advance()
	}
	if !stopped && !allocated {
		pos = size
	}
	if pos > size {
		pos = size
	}
	return allocated, pos - start, nil
}
