package store

import (
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/orcastor/extentfs/core"
)

// StoreObjectHandle holds the attribute level I/O shared by every kind of
// object: extent aware reads, copy-on-write writes and side attributes.
type StoreObjectHandle struct {
	s     *Store
	oid   uint64
	keyID uint64
	bs    uint64
}

func (h *StoreObjectHandle) ObjectID() uint64 { return h.oid }

func (h *StoreObjectHandle) Store() *Store { return h.s }

func (h *StoreObjectHandle) BlockSize() uint64 { return h.bs }

func (h *StoreObjectHandle) encrypted() bool { return h.keyID != 0 }

func checksumBlocks(buf []byte, bs uint64) []uint64 {
	sums := make([]uint64, 0, uint64(len(buf))/bs)
	for pos := uint64(0); pos < uint64(len(buf)); pos += bs {
		sums = append(sums, xxh3.Hash(buf[pos:pos+bs]))
	}
	return sums
}

// prepareBlocks returns what goes on the device for data at logical offset
// off, plus per-block checksums of it.
func (h *StoreObjectHandle) prepareBlocks(attr, off, keyID uint64, data []byte) ([]byte, []uint64, error) {
	out := data
	if keyID != 0 {
		out = append([]byte(nil), data...)
		if err := h.s.cipher.Apply(keyID, h.oid, attr, off, h.bs, out); err != nil {
			return nil, nil, err
		}
	}
	return out, checksumBlocks(out, h.bs), nil
}

// readAndDecrypt reads one extent piece and turns device bytes back into
// attribute bytes.
func (h *StoreObjectHandle) readAndDecrypt(c core.Ctx, attr uint64, er core.Range, ev ExtentValue, piece core.Range, dst []byte) error {
	delta := piece.Start - er.Start
	if err := h.s.dev.ReadAt(c, ev.DeviceOffset+delta, dst); err != nil {
		return err
	}
	if h.s.opts.VerifyChecksums && ev.Mode.Kind == ModeCow && len(ev.Mode.Checksums) > 0 {
		first := delta / h.bs
		for i, pos := first, uint64(0); pos < uint64(len(dst)); i, pos = i+1, pos+h.bs {
			if i >= uint64(len(ev.Mode.Checksums)) || xxh3.Hash(dst[pos:pos+h.bs]) != ev.Mode.Checksums[i] {
				return core.Errorf(core.ERR_INCONSISTENT, "checksum mismatch at %d/%d offset %d", h.oid, attr, piece.Start+pos)
			}
		}
	}
	if ev.KeyID != 0 {
		if h.s.cipher == nil {
			return core.Errorf(core.ERR_NOT_SUPPORTED, "extent %v is encrypted and the store has no keys", er)
		}
		if err := h.s.cipher.Apply(ev.KeyID, h.oid, attr, piece.Start, h.bs, dst); err != nil {
			return err
		}
	}
	// OverwritePartial里未初始化的块读出来是0
	if ev.Mode.Kind == ModeOverwritePartial {
		for pos := uint64(0); pos < uint64(len(dst)); pos += h.bs {
			if !ev.Mode.Bitmap.Get((delta + pos) / h.bs) {
				clear(dst[pos : pos+h.bs])
			}
		}
	}
	return nil
}

// readUnchecked fills buf from the attribute starting at block aligned
// offset off. Holes read as zeros. No size clamping, no verity.
func (h *StoreObjectHandle) readUnchecked(c core.Ctx, attr, off uint64, buf []byte) error {
	if off%h.bs != 0 || uint64(len(buf))%h.bs != 0 {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned read %d+%d", off, len(buf))
	}
	clear(buf)
	want := core.Range{Start: off, End: off + uint64(len(buf))}
	g, gc := errgroup.WithContext(c)
	cur := h.s.index.Query(ExtentSearchKey(h.oid, attr, off))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, attr) && it.Key.Range.Start < want.End; it = cur.Get() {
		er, ev := it.Key.Range, it.Value.(ExtentValue)
		cur.Advance()
		if !ev.Present {
			continue
		}
		if !er.IsAligned(h.bs) {
			g.Wait()
			return core.Errorf(core.ERR_INCONSISTENT, "misaligned extent %v", er)
		}
		piece := er.Intersect(want)
		dst := buf[piece.Start-off : piece.End-off]
		g.Go(func() error {
			return h.readAndDecrypt(gc, attr, er, ev, piece, dst)
		})
	}
	return g.Wait()
}

// deallocateOldExtents frees the device space currently backing r.
func (h *StoreObjectHandle) deallocateOldExtents(txn *Transaction, attr uint64, r core.Range) (uint64, error) {
	var freed uint64
	cur := h.s.index.Query(ExtentSearchKey(h.oid, attr, r.Start))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, attr) && it.Key.Range.Start < r.End; it = cur.Get() {
		er, ev := it.Key.Range, it.Value.(ExtentValue)
		cur.Advance()
		if !ev.Present {
			continue
		}
		if !er.IsAligned(h.bs) {
			return freed, core.Errorf(core.ERR_INCONSISTENT, "misaligned extent %v", er)
		}
		ov := er.Intersect(r)
		dr := core.Range{Start: ev.DeviceOffset + (ov.Start - er.Start), End: ev.DeviceOffset + (ov.End - er.Start)}
		if err := h.s.alloc.Deallocate(txn, h.s.id, dr); err != nil {
			return freed, err
		}
		freed += dr.Len()
	}
	return freed, nil
}

// multiWrite writes buf, laid out as the concatenation of the block
// aligned ranges, to freshly allocated space and points the ranges at it.
// It never changes the attribute size.
func (h *StoreObjectHandle) multiWrite(c core.Ctx, txn *Transaction, attr uint64, ranges []core.Range, buf []byte) error {
	g, gc := errgroup.WithContext(c)
	var allocated, freed uint64
	pos := uint64(0)
	fail := func(err error) error {
		g.Wait()
		return err
	}
	for _, r := range ranges {
		if !r.IsAligned(h.bs) {
			return fail(core.Errorf(core.ERR_INVALID_ARGS, "unaligned write range %v", r))
		}
		n, err := h.deallocateOldExtents(txn, attr, r)
		if err != nil {
			return fail(err)
		}
		freed += n
		rem := r
		for !rem.Empty() {
			dr, err := h.s.alloc.Allocate(txn, h.s.id, rem.Len())
			if err != nil {
				return fail(core.Wrapf(err, "write %d/%d %v", h.oid, attr, rem))
			}
			fr := core.Range{Start: rem.Start, End: rem.Start + dr.Len()}
			out, sums, err := h.prepareBlocks(attr, fr.Start, h.keyID, buf[pos:pos+fr.Len()])
			if err != nil {
				return fail(err)
			}
			pos += fr.Len()
			allocated += dr.Len()
			txn.Add(MergeExtent(h.oid, attr, fr, NewCowExtent(dr.Start, sums, h.keyID)))
			txn.addChecksums(dr, sums, false)
			devOff := dr.Start
			g.Go(func() error {
				if err := h.s.dev.WriteAt(gc, devOff, out); err != nil {
					return err
				}
				core.BytesWritten("cow", len(out))
				return nil
			})
			rem.Start = fr.End
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return h.s.updateAllocatedSize(txn, h.oid, allocated, freed)
}

// alignBuffer widens data at off to whole blocks, reading back the head and
// tail blocks. Bytes at or past limit, the current attribute size, are
// zero in the result.
func (h *StoreObjectHandle) alignBuffer(c core.Ctx, attr, off uint64, data []byte, limit uint64) (core.Range, []byte, error) {
	end, err := core.CheckedAdd(off, uint64(len(data)))
	if err != nil {
		return core.Range{}, nil, err
	}
	start := core.RoundDown(off, h.bs)
	aend, ok := core.RoundUp(end, h.bs)
	if !ok {
		return core.Range{}, nil, core.Errorf(core.ERR_TOO_BIG, "write end %d", end)
	}
	tb := make([]byte, aend-start)
	headRead := false
	if off != start && start < limit {
		if err := h.readUnchecked(c, attr, start, tb[:h.bs]); err != nil {
			return core.Range{}, nil, err
		}
		headRead = true
	}
	tailStart := aend - h.bs
	if end != aend && tailStart < limit && !(headRead && tailStart == start) {
		if err := h.readUnchecked(c, attr, tailStart, tb[tailStart-start:]); err != nil {
			return core.Range{}, nil, err
		}
	}
	if limit < off {
		from := limit
		if from < start {
			from = start
		}
		clear(tb[from-start : off-start])
	}
	tailFrom := end
	if limit > tailFrom {
		tailFrom = limit
	}
	if tailFrom < aend {
		clear(tb[tailFrom-start:])
	}
	copy(tb[off-start:], data)
	return core.Range{Start: start, End: aend}, tb, nil
}

// txnWriteAttr writes data at off of attr through the copy-on-write path.
func (h *StoreObjectHandle) txnWriteAttr(c core.Ctx, txn *Transaction, attr, off uint64, data []byte, limit uint64) error {
	if len(data) == 0 {
		return nil
	}
	r, tb, err := h.alignBuffer(c, attr, off, data, limit)
	if err != nil {
		return err
	}
	return h.multiWrite(c, txn, attr, []core.Range{r}, tb)
}

// writeNewAttrInBatches writes data to an attribute that does not exist
// yet, committing every batch but the last. When more than one batch is
// needed the attribute is put in the graveyard first, so a crash leaves
// something the graveyard can clean up.
func (h *StoreObjectHandle) writeNewAttrInBatches(c core.Ctx, txn *Transaction, attr uint64, data []byte, batch uint64) error {
	if uint64(len(data)) > batch {
		h.s.AddAttributeToGraveyard(txn, h.oid, attr)
	}
	if len(data) == 0 {
		txn.Add(ReplaceOrInsert(AttributeKey(h.oid, attr), AttributeValue{}))
		return nil
	}
	for off := uint64(0); off < uint64(len(data)); off += batch {
		end := off + batch
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if err := h.txnWriteAttr(c, txn, attr, off, data[off:end], off); err != nil {
			return err
		}
		txn.Add(ReplaceOrInsert(AttributeKey(h.oid, attr), AttributeValue{Size: end}))
		if end < uint64(len(data)) {
			if err := txn.CommitAndContinue(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadAttr returns the whole of attr, nil if it does not exist.
func (h *StoreObjectHandle) ReadAttr(c core.Ctx, attr uint64) ([]byte, error) {
	size, err := h.s.attributeSize(nil, h.oid, attr)
	if core.Is(err, core.ERR_NOT_FOUND) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	buf := make([]byte, core.MustRoundUp(size, h.bs))
	if err := h.readUnchecked(c, attr, 0, buf); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// WriteAttr replaces the contents of attr with data and trims whatever the
// old value had past the new end.
func (h *StoreObjectHandle) WriteAttr(c core.Ctx, attr uint64, data []byte) error {
	if attr == core.DEFAULT_DATA_ATTRIBUTE_ID {
		return core.Errorf(core.ERR_INVALID_ARGS, "WriteAttr on the data attribute")
	}
	txn, err := h.s.NewTransaction(c, h.s.lockKey(h.oid, attr))
	if err != nil {
		return err
	}
	defer txn.Discard()
	oldSize, err := h.s.attributeSize(txn, h.oid, attr)
	if err != nil && !core.Is(err, core.ERR_NOT_FOUND) {
		return err
	}
	if err := h.txnWriteAttr(c, txn, attr, 0, data, 0); err != nil {
		return err
	}
	txn.Add(ReplaceOrInsert(AttributeKey(h.oid, attr), AttributeValue{Size: uint64(len(data))}))
	if oldSize > uint64(len(data)) {
		if err := txn.CommitAndContinue(c); err != nil {
			return err
		}
		for {
			res, err := h.s.TrimSome(c, txn, h.oid, attr, TrimFromOffset(uint64(len(data))))
			if err != nil {
				return err
			}
			if res == TrimDone {
				break
			}
			if err := txn.CommitAndContinue(c); err != nil {
				return err
			}
		}
	}
	_, err = txn.Commit(c)
	return err
}

// Zero punches a block aligned hole in attr.
func (h *StoreObjectHandle) Zero(c core.Ctx, txn *Transaction, attr uint64, r core.Range) error {
	return h.zero(c, txn, attr, r, nil)
}

func (h *StoreObjectHandle) zero(c core.Ctx, txn *Transaction, attr uint64, r core.Range, obj AssociatedObject) error {
	if !r.IsAligned(h.bs) {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned zero range %v", r)
	}
	if r.Empty() {
		return nil
	}
	freed, err := h.deallocateOldExtents(txn, attr, r)
	if err != nil {
		return err
	}
	txn.AddWithObject(MergeExtent(h.oid, attr, r, DeletedExtent()), obj)
	return h.s.updateAllocatedSize(txn, h.oid, 0, freed)
}
