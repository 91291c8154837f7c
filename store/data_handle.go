package store

import (
	"sync/atomic"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/verity"
)

// DataObjectHandle is an open file: its data attribute, the cached size,
// the overwrite range tracker and the fsverity state.
//
// The cached size only changes when a committed attribute mutation reaches
// DidApplyMutation. Code that runs inside a transaction reads the size
// through txnGetSize, which sees staged mutations first.
type DataObjectHandle struct {
	StoreObjectHandle
	attr            uint64
	size            atomic.Uint64
	fsverity        fsverityState
	overwriteRanges *RangeTracker
}

func newDataObjectHandle(s *Store, oid, keyID uint64) *DataObjectHandle {
	return &DataObjectHandle{
		StoreObjectHandle: StoreObjectHandle{s: s, oid: oid, keyID: keyID, bs: s.bs},
		attr:              core.DEFAULT_DATA_ATTRIBUTE_ID,
		overwriteRanges:   NewRangeTracker(),
	}
}

// OpenObject returns the handle for a file object, seeding the size and
// fsverity state from the last committed records.
func (s *Store) OpenObject(c core.Ctx, oid uint64) (*DataObjectHandle, error) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	if h, ok := s.handles[oid]; ok {
		return h, nil
	}
	v, ok := s.index.Find(ObjectRecordKey(oid))
	if !ok {
		return nil, core.Errorf(core.ERR_NOT_FOUND, "object %d", oid)
	}
	rec, ok := v.(ObjectRecordValue)
	if !ok {
		return nil, core.Errorf(core.ERR_INCONSISTENT, "object %d has value %T", oid, v)
	}
	if rec.Kind != ObjectFile {
		return nil, core.Errorf(core.ERR_NOT_FILE, "object %d", oid)
	}
	av, ok := s.index.Find(AttributeKey(oid, core.DEFAULT_DATA_ATTRIBUTE_ID))
	if !ok {
		return nil, core.Errorf(core.ERR_NOT_FOUND, "object %d has no data attribute", oid)
	}
	h := newDataObjectHandle(s, oid, rec.KeyID)
	switch x := av.(type) {
	case AttributeValue:
		h.size.Store(x.Size)
		if x.HasOverwriteExtents {
			h.rebuildOverwriteRanges()
		}
	case VerifiedAttributeValue:
		h.size.Store(x.Size)
		leaves, err := h.ReadAttr(c, core.FSVERITY_MERKLE_ATTRIBUTE_ID)
		if err != nil {
			return nil, core.Wrapf(err, "read merkle leaves of %d", oid)
		}
		hasher, err := verity.NewHasher(x.Descriptor.Algorithm, x.Descriptor.Salt, int(s.bs))
		if err != nil {
			return nil, err
		}
		h.fsverity.setVerified(x.Descriptor, leaves, hasher)
	default:
		return nil, core.Errorf(core.ERR_INCONSISTENT, "unexpected object value %T", av)
	}
	s.handles[oid] = h
	return h, nil
}

func (h *DataObjectHandle) rebuildOverwriteRanges() {
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, 0))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, h.attr); it = cur.Get() {
		if ev := it.Value.(ExtentValue); ev.Present && ev.Mode.IsOverwrite() {
			h.overwriteRanges.ApplyRange(it.Key.Range)
		}
		cur.Advance()
	}
}

// Close forgets the handle; the next OpenObject reloads it from the index.
func (h *DataObjectHandle) Close() {
	h.s.handlesMu.Lock()
	if h.s.handles[h.oid] == h {
		delete(h.s.handles, h.oid)
	}
	h.s.handlesMu.Unlock()
}

// DidApplyMutation keeps the cached size, the overwrite ranges and the
// fsverity state in step with committed mutations.
func (h *DataObjectHandle) DidApplyMutation(m *ObjectStoreMutation) {
	switch m.Key.Kind {
	case KeyAttribute:
		if m.Key.ObjectID != h.oid || m.Key.AttributeID != h.attr {
			return
		}
		switch v := m.Value.(type) {
		case AttributeValue:
			h.size.Store(v.Size)
		case VerifiedAttributeValue:
			h.size.Store(v.Size)
			h.fsverity.finalize()
			h.overwriteRanges.Clear()
		}
	case KeyExtent:
		if !m.Key.IsExtentOf(h.oid, h.attr) {
			return
		}
		if ev, ok := m.Value.(ExtentValue); ok && ev.Present && ev.Mode.IsOverwrite() {
			h.overwriteRanges.ApplyRange(m.Key.Range)
		} else {
			h.overwriteRanges.RemoveRange(m.Key.Range)
		}
	}
}

// Zero punches a block aligned hole in attr. Holes in the data attribute
// stop being writable in place.
func (h *DataObjectHandle) Zero(c core.Ctx, txn *Transaction, attr uint64, r core.Range) error {
	var obj AssociatedObject
	if attr == h.attr {
		obj = h
	}
	return h.zero(c, txn, attr, r, obj)
}

func (h *DataObjectHandle) lockKey() LockKey { return h.s.lockKey(h.oid, h.attr) }

// NewTransaction starts a transaction holding this file's data attribute lock.
func (h *DataObjectHandle) NewTransaction(c core.Ctx) (*Transaction, error) {
	return h.s.NewTransaction(c, h.lockKey())
}

func (h *DataObjectHandle) GetSize() uint64 { return h.size.Load() }

func (h *DataObjectHandle) OverwriteRanges() []core.Range { return h.overwriteRanges.Ranges() }

// txnGetSize returns the size the data attribute will have once txn commits.
func (h *DataObjectHandle) txnGetSize(txn *Transaction) (uint64, error) {
	return h.s.attributeSize(txn, h.oid, h.attr)
}

// txnUpdateSize stages a new size, keeping the other attribute fields.
func (h *DataObjectHandle) txnUpdateSize(txn *Transaction, size uint64) error {
	key := AttributeKey(h.oid, h.attr)
	v, ok := h.s.stagedOrCommitted(txn, key)
	if !ok {
		return core.Errorf(core.ERR_NOT_FOUND, "attribute %d/%d", h.oid, h.attr)
	}
	switch x := v.(type) {
	case AttributeValue:
		x.Size = size
		txn.AddWithObject(ReplaceOrInsert(key, x), h)
	case VerifiedAttributeValue:
		x.Size = size
		txn.AddWithObject(ReplaceOrInsert(key, x), h)
	default:
		return core.Errorf(core.ERR_INCONSISTENT, "unexpected object value %T", v)
	}
	return nil
}

// setHasOverwriteExtents stages the overwrite flag on the attribute record.
func (h *DataObjectHandle) setHasOverwriteExtents(txn *Transaction, has bool) error {
	key := AttributeKey(h.oid, h.attr)
	v, ok := h.s.stagedOrCommitted(txn, key)
	if !ok {
		return core.Errorf(core.ERR_NOT_FOUND, "attribute %d/%d", h.oid, h.attr)
	}
	x, ok := v.(AttributeValue)
	if !ok {
		return core.Errorf(core.ERR_INCONSISTENT, "unexpected object value %T", v)
	}
	x.HasOverwriteExtents = has
	txn.AddWithObject(ReplaceOrInsert(key, x), h)
	return nil
}

func (h *DataObjectHandle) checkWritable() error {
	if h.fsverity.busy() {
		return core.Errorf(core.ERR_ACCESS_DENIED, "object %d is verified", h.oid)
	}
	return nil
}

// Read copies up to len(buf) bytes at offset into buf and returns how many
// were read; 0 at or past the end of the file. Reads of a verified file
// fail rather than return bytes that do not match the Merkle tree.
func (h *DataObjectHandle) Read(c core.Ctx, offset uint64, buf []byte) (int, error) {
	unlock := h.s.locks.ReadLock(h.lockKey())
	size := h.GetSize()
	if offset >= size || len(buf) == 0 {
		unlock()
		return 0, nil
	}
	n := uint64(len(buf))
	if n > size-offset {
		n = size - offset
	}
	start := core.RoundDown(offset, h.bs)
	end := core.MustRoundUp(offset+n, h.bs)
	tb := make([]byte, end-start)
	err := h.readUnchecked(c, h.attr, start, tb)
	unlock()
	if err != nil {
		return 0, err
	}
	if h.fsverity.isVerified() {
		vend := end
		if vend > size {
			vend = size
		}
		if err := h.VerifyData(start, tb[:vend-start]); err != nil {
			return 0, err
		}
	}
	copy(buf, tb[offset-start:offset-start+n])
	return int(n), nil
}

// Contents reads the whole file, failing with ERR_TOO_BIG past limit.
func (h *DataObjectHandle) Contents(c core.Ctx, limit uint64) ([]byte, error) {
	size := h.GetSize()
	if size > limit {
		return nil, core.Errorf(core.ERR_TOO_BIG, "object %d is %d bytes, limit %d", h.oid, size, limit)
	}
	buf := make([]byte, size)
	n, err := h.Read(c, 0, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteOrAppend writes buf at offset, or at the end of the file when offset
// is negative, and returns the new size.
func (h *DataObjectHandle) WriteOrAppend(c core.Ctx, offset int64, buf []byte) (uint64, error) {
	if err := h.checkWritable(); err != nil {
		return 0, err
	}
	txn, err := h.NewTransaction(c)
	if err != nil {
		return 0, err
	}
	defer txn.Discard()
	var off uint64
	if offset < 0 {
		if off, err = h.txnGetSize(txn); err != nil {
			return 0, err
		}
	} else {
		off = uint64(offset)
	}
	if err := h.TxnWrite(c, txn, off, buf); err != nil {
		return 0, err
	}
	newSize, err := h.txnGetSize(txn)
	if err != nil {
		return 0, err
	}
	if _, err := txn.Commit(c); err != nil {
		return 0, err
	}
	return newSize, nil
}

// TxnWrite writes buf at offset inside txn, growing the file if the write
// ends past it. Blocks backed by overwrite extents are written in place so
// they never go back to copy-on-write; the rest take the copy-on-write path.
func (h *DataObjectHandle) TxnWrite(c core.Ctx, txn *Transaction, offset uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	end, err := core.CheckedAdd(offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	size, err := h.txnGetSize(txn)
	if err != nil {
		return err
	}
	// 新写入落在旧末尾块之后时，旧末尾块里size之后的旧数据要先清零
	if size%h.bs != 0 && core.RoundDown(offset, h.bs) > core.RoundDown(size, h.bs) {
		if err := h.zeroTail(c, txn, size); err != nil {
			return err
		}
	}
	r, tb, err := h.alignBuffer(c, h.attr, offset, buf, size)
	if err != nil {
		return err
	}
	if err := h.writeAligned(c, txn, []core.Range{r}, tb); err != nil {
		return err
	}
	if end > size {
		return h.txnUpdateSize(txn, end)
	}
	return nil
}

// zeroTail rewrites the block holding oldSize with the bytes past oldSize
// cleared.
func (h *DataObjectHandle) zeroTail(c core.Ctx, txn *Transaction, oldSize uint64) error {
	aligned := core.RoundDown(oldSize, h.bs)
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, aligned))
	it := cur.Get()
	if it == nil || !it.Key.IsExtentOf(h.oid, h.attr) || it.Key.Range.Start > aligned {
		return nil
	}
	ev := it.Value.(ExtentValue)
	if !ev.Present {
		return nil
	}
	if ev.Mode.Kind == ModeOverwritePartial && !ev.Mode.Bitmap.Get((aligned-it.Key.Range.Start)/h.bs) {
		return nil
	}
	blk := make([]byte, h.bs)
	if err := h.readUnchecked(c, h.attr, aligned, blk); err != nil {
		return err
	}
	clear(blk[oldSize%h.bs:])
	r := []core.Range{{Start: aligned, End: aligned + h.bs}}
	if ev.Mode.IsOverwrite() {
		return h.MultiOverwrite(c, txn, r, blk)
	}
	return h.multiWrite(c, txn, h.attr, r, blk)
}

// Truncate sets the file size. Shrinking trims the extents past the new end
// across as many transactions as needed; a trim failure after the new size
// is committed is only logged, the graveyard finishes the job later.
func (h *DataObjectHandle) Truncate(c core.Ctx, size uint64) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	txn, err := h.NewTransaction(c)
	if err != nil {
		return err
	}
	defer txn.Discard()
	oldSize, err := h.txnGetSize(txn)
	if err != nil {
		return err
	}
	if size == oldSize {
		return nil
	}
	if size > oldSize {
		if err := h.grow(c, txn, oldSize, size, false); err != nil {
			return err
		}
		_, err = txn.Commit(c)
		return err
	}

	if !h.overwriteRanges.Truncate(size, h.bs) {
		if v, ok := h.s.stagedOrCommitted(txn, AttributeKey(h.oid, h.attr)); ok {
			if av, ok := v.(AttributeValue); ok && av.HasOverwriteExtents {
				if err := h.setHasOverwriteExtents(txn, false); err != nil {
					return err
				}
			}
		}
	}
	needsTrim, err := h.shrink(c, txn, size)
	if err != nil {
		return err
	}
	if !needsTrim {
		_, err = txn.Commit(c)
		return err
	}
	if err := txn.CommitAndContinue(c); err != nil {
		return err
	}
	for {
		res, err := h.s.TrimSome(c, txn, h.oid, h.attr, TrimFromOffset(size))
		if err == nil && res == TrimDone {
			h.s.RemoveFromGraveyard(txn, h.oid, h.attr)
			if _, err = txn.Commit(c); err == nil {
				return nil
			}
		}
		if err == nil {
			err = txn.CommitAndContinue(c)
		}
		if err != nil {
			core.WarnLog("object %d: trim after truncate to %d failed: %v", h.oid, size, err)
			return nil
		}
	}
}

// shrink drops extents past size, in this transaction as far as the
// mutation budget allows, and stages the new size. It reports whether
// trimming must continue in later transactions, in which case a graveyard
// entry has been staged too.
func (h *DataObjectHandle) shrink(c core.Ctx, txn *Transaction, size uint64) (bool, error) {
	res, err := h.s.TrimSome(c, txn, h.oid, h.attr, TrimFromOffset(size))
	if err != nil {
		return false, err
	}
	needsTrim := res == TrimIncomplete
	if needsTrim {
		h.s.AddToGraveyard(txn, h.oid, h.attr)
	}
	return needsTrim, h.txnUpdateSize(txn, size)
}

// grow raises the size from oldSize to newSize without allocating. Any
// trim left over from an earlier shrink is drained first, then the bytes
// past oldSize in its block are zeroed unless the caller is about to
// overwrite that block anyway.
func (h *DataObjectHandle) grow(c core.Ctx, txn *Transaction, oldSize, newSize uint64, skipTail bool) error {
	for {
		res, err := h.s.TrimSome(c, txn, h.oid, h.attr, TrimFromOffset(oldSize))
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
	if h.s.HasGraveyardEntry(h.oid, h.attr) {
		h.s.RemoveFromGraveyard(txn, h.oid, h.attr)
	}
	if oldSize%h.bs != 0 && !skipTail {
		if err := h.zeroTail(c, txn, oldSize); err != nil {
			return err
		}
	}
	return h.txnUpdateSize(txn, newSize)
}

// ObjectProperties describes a file.
type ObjectProperties struct {
	Refs          uint64
	AllocatedSize uint64
	DataSize      uint64
	CreationTime  int64
	ModifyTime    int64
	Verified      bool
	Encrypted     bool
}

func (h *DataObjectHandle) GetProperties() (*ObjectProperties, error) {
	v, ok := h.s.index.Find(ObjectRecordKey(h.oid))
	if !ok {
		return nil, core.Errorf(core.ERR_NOT_FOUND, "object %d", h.oid)
	}
	rec, ok := v.(ObjectRecordValue)
	if !ok || rec.Kind != ObjectFile {
		return nil, core.Errorf(core.ERR_NOT_FILE, "object %d", h.oid)
	}
	return &ObjectProperties{
		Refs:          rec.Refs,
		AllocatedSize: rec.AllocatedSize,
		DataSize:      h.GetSize(),
		CreationTime:  rec.CreationTime,
		ModifyTime:    rec.ModifyTime,
		Verified:      h.fsverity.isVerified(),
		Encrypted:     rec.KeyID != 0,
	}, nil
}

// DeviceExtent maps a logical range of the file to the device.
type DeviceExtent struct {
	Logical core.Range
	Device  core.Range
	Mode    ModeKind
}

// DeviceExtents lists the backed extents of the data attribute in order.
func (h *DataObjectHandle) DeviceExtents() []DeviceExtent {
	var out []DeviceExtent
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, 0))
	for it := cur.Get(); it != nil && it.Key.IsExtentOf(h.oid, h.attr); it = cur.Get() {
		if ev := it.Value.(ExtentValue); ev.Present {
			r := it.Key.Range
			out = append(out, DeviceExtent{
				Logical: r,
				Device:  core.Range{Start: ev.DeviceOffset, End: ev.DeviceOffset + r.Len()},
				Mode:    ev.Mode.Kind,
			})
		}
		cur.Advance()
	}
	return out
}

// Extent returns the extent record covering off, if any.
func (h *DataObjectHandle) Extent(off uint64) (core.Range, ExtentValue, bool) {
	cur := h.s.index.Query(ExtentSearchKey(h.oid, h.attr, off))
	it := cur.Get()
	if it == nil || !it.Key.IsExtentOf(h.oid, h.attr) || it.Key.Range.Start > off {
		return core.Range{}, ExtentValue{}, false
	}
	return it.Key.Range, it.Value.(ExtentValue), true
}
