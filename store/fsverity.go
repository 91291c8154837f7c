package store

import (
	"sync"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/verity"
)

type verityKind uint8

const (
	verityNone verityKind = iota
	verityStarted
	verityPending
	veritySome
)

// fsverityState is None, Started, Pending(descriptor, leaves) or
// Some(descriptor, leaves). Some is terminal.
type fsverityState struct {
	mu     sync.Mutex
	kind   verityKind
	desc   *verity.Descriptor
	leaves []byte
	hasher *verity.Hasher
}

func (f *fsverityState) setStarted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.kind {
	case verityStarted, verityPending:
		return core.Errorf(core.ERR_UNAVAILABLE, "enable verity already in progress")
	case veritySome:
		return core.Errorf(core.ERR_ALREADY_EXISTS, "verity already enabled")
	}
	f.kind = verityStarted
	return nil
}

func (f *fsverityState) setPending(desc *verity.Descriptor, leaves []byte, hasher *verity.Hasher) {
	f.mu.Lock()
	f.kind, f.desc, f.leaves, f.hasher = verityPending, desc, leaves, hasher
	f.mu.Unlock()
}

func (f *fsverityState) setVerified(desc *verity.Descriptor, leaves []byte, hasher *verity.Hasher) {
	f.mu.Lock()
	f.kind, f.desc, f.leaves, f.hasher = veritySome, desc, leaves, hasher
	f.mu.Unlock()
}

// finalize moves Pending to Some; called by the commit hook.
func (f *fsverityState) finalize() {
	f.mu.Lock()
	if f.kind == verityPending {
		f.kind = veritySome
	}
	f.mu.Unlock()
}

// reset drops a failed attempt. Some is never undone.
func (f *fsverityState) reset() {
	f.mu.Lock()
	if f.kind != veritySome {
		f.kind, f.desc, f.leaves, f.hasher = verityNone, nil, nil, nil
	}
	f.mu.Unlock()
}

func (f *fsverityState) busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind != verityNone
}

func (f *fsverityState) isVerified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind == veritySome
}

func (f *fsverityState) verified() (*verity.Descriptor, []byte, *verity.Hasher, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind != veritySome {
		return nil, nil, nil, false
	}
	return f.desc, f.leaves, f.hasher, true
}

// verityReadBlocks is how many blocks EnableVerity reads at a time.
const verityReadBlocks = 64

// EnableVerity hashes the whole file into a Merkle tree, stores the leaf
// digests in the merkle attribute and marks the data attribute verified.
// From then on the file is read only and every read is checked.
func (h *DataObjectHandle) EnableVerity(c core.Ctx, opts verity.VerificationOptions) (err error) {
	if err := h.fsverity.setStarted(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			h.fsverity.reset()
		}
	}()
	hasher, err := verity.NewHasher(opts.Algorithm, opts.Salt, int(h.bs))
	if err != nil {
		return err
	}
	// a previous attempt died half way through writing the leaves
	if h.s.HasGraveyardAttributeEntry(h.oid, core.FSVERITY_MERKLE_ATTRIBUTE_ID) {
		if err := h.s.FlushGraveyard(c); err != nil {
			return err
		}
	}
	txn, err := h.s.NewTransaction(c, h.lockKey(), h.s.lockKey(h.oid, core.FSVERITY_MERKLE_ATTRIBUTE_ID))
	if err != nil {
		return err
	}
	defer txn.Discard()
	size, err := h.txnGetSize(txn)
	if err != nil {
		return err
	}

	b := verity.NewBuilder(hasher)
	chunk := make([]byte, verityReadBlocks*h.bs)
	for off := uint64(0); off < size; off += uint64(len(chunk)) {
		n := uint64(len(chunk))
		if rest := core.MustRoundUp(size-off, h.bs); rest < n {
			n = rest
		}
		if err := h.readUnchecked(c, h.attr, off, chunk[:n]); err != nil {
			return err
		}
		if off+n > size {
			n = size - off
		}
		b.Write(chunk[:n])
	}
	tree := b.Finish()
	leaves := tree.Leaves()

	batch := h.s.opts.WriteAttrBatchSize
	if err := h.writeNewAttrInBatches(c, txn, core.FSVERITY_MERKLE_ATTRIBUTE_ID, leaves, batch); err != nil {
		return err
	}
	if uint64(len(leaves)) > batch {
		h.s.RemoveAttributeFromGraveyard(txn, h.oid, core.FSVERITY_MERKLE_ATTRIBUTE_ID)
	}
	desc := &verity.Descriptor{Algorithm: opts.Algorithm, Salt: append([]byte(nil), opts.Salt...), Root: tree.Root()}
	h.fsverity.setPending(desc, append([]byte(nil), leaves...), hasher)
	txn.AddWithObject(ReplaceOrInsert(AttributeKey(h.oid, h.attr), VerifiedAttributeValue{Size: size, Descriptor: desc}), h)
	if _, err := txn.Commit(c); err != nil {
		return err
	}
	core.DebugLog("object %d: verity enabled, %d leaves, root %x", h.oid, tree.LeafCount(), desc.Root)
	return nil
}

// VerifyData checks buf, the file contents starting at the block aligned
// offset, against the stored leaf digests. Only the last block of the file
// may be short.
func (h *DataObjectHandle) VerifyData(offset uint64, buf []byte) error {
	if offset%h.bs != 0 {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned verify offset %d", offset)
	}
	_, leaves, hasher, ok := h.fsverity.verified()
	if !ok {
		return core.Errorf(core.ERR_INVALID_ARGS, "object %d is not verified", h.oid)
	}
	idx := int(offset / h.bs)
	for pos := uint64(0); pos < uint64(len(buf)); pos, idx = pos+h.bs, idx+1 {
		end := pos + h.bs
		if end > uint64(len(buf)) {
			end = uint64(len(buf))
		}
		if !verity.VerifyBlock(hasher, leaves, idx, buf[pos:end]) {
			core.VerityFailure()
			return core.Errorf(core.ERR_INCONSISTENT, "hash mismatch in object %d at %d", h.oid, offset+pos)
		}
	}
	return nil
}

// GetDescriptor returns the verification options and the root digest, zero
// padded to 64 bytes, of a verified file.
func (h *DataObjectHandle) GetDescriptor() (verity.VerificationOptions, []byte, bool) {
	desc, _, _, ok := h.fsverity.verified()
	if !ok {
		return verity.VerificationOptions{}, nil, false
	}
	return verity.VerificationOptions{Algorithm: desc.Algorithm, Salt: desc.Salt}, verity.PaddedRoot(desc.Root), true
}

func (h *DataObjectHandle) IsVerified() bool { return h.fsverity.isVerified() }
