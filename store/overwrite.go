package store

import (
	"golang.org/x/sync/errgroup"

	"github.com/orcastor/extentfs/core"
)

type OverwriteOptions struct {
	// AllowAllocations lets Overwrite back unbacked blocks with new Raw
	// extents instead of failing with ERR_NOT_PREALLOCATED.
	AllowAllocations bool
	// BarrierOnFirstWrite issues a device barrier before any data write.
	BarrierOnFirstWrite bool
}

// writeInPlace writes data at dev for the attribute bytes starting at
// logical offset off.
func (h *StoreObjectHandle) writeInPlace(c core.Ctx, g *errgroup.Group, attr, off, dev, keyID uint64, data []byte) ([]uint64, error) {
	out, sums, err := h.prepareBlocks(attr, off, keyID, data)
	if err != nil {
		return nil, err
	}
	g.Go(func() error {
		if err := h.s.dev.WriteAt(c, dev, out); err != nil {
			return err
		}
		core.BytesWritten("overwrite", len(out))
		return nil
	})
	return sums, nil
}

// Overwrite writes buf at offset into the blocks' existing device
// locations. offset and len(buf) must be block aligned. Covering extents
// must be Raw or Overwrite; unbacked blocks fail unless AllowAllocations
// is set. OverwritePartial extents, as left by Allocate, fail with
// ERR_INCONSISTENT: their bitmaps are only updated by MultiOverwrite, which
// WriteRanges and WriteOrAppend route them to. Writing past the end grows
// the file.
func (h *DataObjectHandle) Overwrite(c core.Ctx, offset uint64, buf []byte, opts OverwriteOptions) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	if offset%h.bs != 0 || uint64(len(buf))%h.bs != 0 {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned overwrite %d+%d", offset, len(buf))
	}
	if len(buf) == 0 {
		return nil
	}
	end, err := core.CheckedAdd(offset, uint64(len(buf)))
	if err != nil {
		return err
	}

	var txn *Transaction
	size := h.GetSize()
	if opts.AllowAllocations || end > size {
		if txn, err = h.NewTransaction(c); err != nil {
			return err
		}
		defer txn.Discard()
		if size, err = h.txnGetSize(txn); err != nil {
			return err
		}
		if end > size {
			// the old tail block is rewritten below when the write starts at or before it
			if err := h.grow(c, txn, size, end, core.RoundDown(size, h.bs) >= offset); err != nil {
				return err
			}
		}
	}
	if opts.BarrierOnFirstWrite {
		h.s.dev.Barrier()
	}

	g, gc := errgroup.WithContext(c)
	fail := func(err error) error {
		g.Wait()
		return err
	}
	var allocated uint64
	pos := offset
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, offset))
	for pos < end {
		it := cur.Get()
		for it != nil && it.Key.IsExtentOf(h.oid, h.attr) && it.Key.Range.End <= pos {
			cur.Advance()
			it = cur.Get()
		}
		if it != nil && (!it.Key.IsExtentOf(h.oid, h.attr) || it.Key.Range.Start >= end) {
			it = nil
		}
		if it != nil && it.Key.Range.Start <= pos && it.Value.(ExtentValue).Present {
			er, ev := it.Key.Range, it.Value.(ExtentValue)
			if ev.Mode.Kind != ModeRaw && ev.Mode.Kind != ModeOverwrite {
				return fail(core.Errorf(core.ERR_INCONSISTENT, "wrong extent mode %v at %d/%d %v", ev.Mode.Kind, h.oid, h.attr, er))
			}
			if !er.IsAligned(h.bs) {
				return fail(core.Errorf(core.ERR_INCONSISTENT, "misaligned extent %v", er))
			}
			n := er.End
			if n > end {
				n = end
			}
			if _, err := h.writeInPlace(gc, g, h.attr, pos, ev.DeviceOffset+(pos-er.Start), ev.KeyID, buf[pos-offset:n-offset]); err != nil {
				return fail(err)
			}
			pos = n
			continue
		}

		if !opts.AllowAllocations {
			return fail(core.Errorf(core.ERR_NOT_PREALLOCATED, "overwrite %d/%d at %d", h.oid, h.attr, pos))
		}
		gapEnd := end
		if it != nil {
			if er := it.Key.Range; er.Start > pos {
				gapEnd = er.Start
			} else if er.End < gapEnd {
				// deleted extent covering pos
				gapEnd = er.End
			}
		}
		dr, err := h.s.alloc.Allocate(txn, h.s.id, gapEnd-pos)
		if err != nil {
			return fail(core.Wrapf(err, "overwrite %d at %d", h.oid, pos))
		}
		fr := core.Range{Start: pos, End: pos + dr.Len()}
		txn.Add(MergeExtent(h.oid, h.attr, fr, NewRawExtent(dr.Start, h.keyID)))
		allocated += dr.Len()
		if _, err := h.writeInPlace(gc, g, h.attr, pos, dr.Start, h.keyID, buf[pos-offset:fr.End-offset]); err != nil {
			return fail(err)
		}
		pos = fr.End
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if txn == nil {
		return nil
	}
	if err := h.s.updateAllocatedSize(txn, h.oid, allocated, 0); err != nil {
		return err
	}
	_, err = txn.Commit(c)
	return err
}

type pendingBitmap struct {
	r  core.Range
	ev ExtentValue
}

// MultiOverwrite writes buf, laid out as the concatenation of the block
// aligned ranges, in place into Overwrite and OverwritePartial extents.
// Blocks written for the first time get their bitmap bit set; an extent
// whose bitmap fills up becomes Overwrite.
func (h *DataObjectHandle) MultiOverwrite(c core.Ctx, txn *Transaction, ranges []core.Range, buf []byte) error {
	g, gc := errgroup.WithContext(c)
	fail := func(err error) error {
		g.Wait()
		return err
	}
	var order []ObjectKey
	pending := make(map[ObjectKey]*pendingBitmap)
	pos := uint64(0)
	for _, r := range ranges {
		if !r.IsAligned(h.bs) {
			return fail(core.Errorf(core.ERR_INVALID_ARGS, "unaligned overwrite range %v", r))
		}
		at := r.Start
		cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, r.Start))
		for at < r.End {
			it := cur.Get()
			if it == nil || !it.Key.IsExtentOf(h.oid, h.attr) || it.Key.Range.Start > at {
				return fail(core.Errorf(core.ERR_NOT_PREALLOCATED, "overwrite %d/%d at %d", h.oid, h.attr, at))
			}
			cur.Advance()
			er := it.Key.Range
			ev := it.Value.(ExtentValue)
			key := ExtentKey(h.oid, h.attr, er)
			if p, ok := pending[key]; ok {
				ev = p.ev
			} else if m := txn.Get(key); m != nil {
				if staged, ok := m.Value.(ExtentValue); ok {
					ev = staged
				}
			}
			if !ev.Present {
				return fail(core.Errorf(core.ERR_NOT_PREALLOCATED, "overwrite %d/%d at %d", h.oid, h.attr, at))
			}
			if !ev.Mode.IsOverwrite() {
				return fail(core.Errorf(core.ERR_INCONSISTENT, "wrong extent mode %v at %d/%d %v", ev.Mode.Kind, h.oid, h.attr, er))
			}
			n := er.End
			if n > r.End {
				n = r.End
			}
			first := false
			if ev.Mode.Kind == ModeOverwritePartial {
				p, ok := pending[key]
				if !ok {
					nev := ev
					nev.Mode.Bitmap = ev.Mode.Bitmap.Clone()
					p = &pendingBitmap{r: er, ev: nev}
					pending[key] = p
					order = append(order, key)
				}
				for b := (at - er.Start) / h.bs; b < (n-er.Start)/h.bs; b++ {
					if !p.ev.Mode.Bitmap.Get(b) {
						p.ev.Mode.Bitmap.Set(b)
						first = true
					}
				}
			}
			dev := ev.DeviceOffset + (at - er.Start)
			sums, err := h.writeInPlace(gc, g, h.attr, at, dev, ev.KeyID, buf[pos:pos+(n-at)])
			if err != nil {
				return fail(err)
			}
			txn.addChecksums(core.Range{Start: dev, End: dev + (n - at)}, sums, first)
			pos += n - at
			at = n
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, key := range order {
		p := pending[key]
		if p.ev.Mode.Bitmap.All() {
			p.ev.Mode = ExtentMode{Kind: ModeOverwrite}
		}
		txn.AddWithObject(MergeExtent(h.oid, h.attr, p.r, p.ev), h)
	}
	return nil
}

// WriteRanges writes dirty, block aligned ranges of the file: parts inside
// overwrite extents in place, the rest copy-on-write, then raises the size
// to newSize if that is larger.
func (h *DataObjectHandle) WriteRanges(c core.Ctx, ranges []core.Range, buf []byte, newSize uint64) error {
	if err := h.checkWritable(); err != nil {
		return err
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
	if newSize > size {
		tail := core.RoundDown(size, h.bs)
		covered := false
		for _, r := range ranges {
			if r.Start <= tail && tail < r.End {
				covered = true
			}
		}
		if err := h.grow(c, txn, size, newSize, covered); err != nil {
			return err
		}
	}
	for _, r := range ranges {
		if !r.IsAligned(h.bs) {
			return core.Errorf(core.ERR_INVALID_ARGS, "unaligned write range %v", r)
		}
	}
	if err := h.writeAligned(c, txn, ranges, buf); err != nil {
		return err
	}
	_, err = txn.Commit(c)
	return err
}

// writeAligned writes buf, laid out as the concatenation of the block
// aligned ranges, in place where the tracker has overwrite extents and
// copy-on-write everywhere else.
func (h *DataObjectHandle) writeAligned(c core.Ctx, txn *Transaction, ranges []core.Range, buf []byte) error {
	var ovRanges, cowRanges []core.Range
	var ovBuf, cowBuf []byte
	pos := uint64(0)
	for _, r := range ranges {
		ov, cow := h.overwriteRanges.Split(r)
		for _, x := range ov {
			ovRanges = append(ovRanges, x)
			ovBuf = append(ovBuf, buf[pos+(x.Start-r.Start):pos+(x.End-r.Start)]...)
		}
		for _, x := range cow {
			cowRanges = append(cowRanges, x)
			cowBuf = append(cowBuf, buf[pos+(x.Start-r.Start):pos+(x.End-r.Start)]...)
		}
		pos += r.Len()
	}
	if len(ovRanges) > 0 {
		if err := h.MultiOverwrite(c, txn, ovRanges, ovBuf); err != nil {
			return err
		}
	}
	if len(cowRanges) > 0 {
		return h.multiWrite(c, txn, h.attr, cowRanges, cowBuf)
	}
	return nil
}
