// Package store maps object attributes onto device extents: the extent
// index, transactions, allocator, journal and the data object handle.
package store

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/orca-zhang/idgen"
	"golang.org/x/sync/singleflight"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/crypt"
	"github.com/orcastor/extentfs/device"
)

type Options struct {
	// MutationThreshold bounds the number of mutations a trim or
	// preallocation adds before asking for commit-and-continue.
	MutationThreshold int
	// AllocateMaxTxnSize is the same bound for Allocate.
	AllocateMaxTxnSize int
	// WriteAttrBatchSize is the number of bytes written to a side attribute
	// per transaction; rounded up to the block size.
	WriteAttrBatchSize uint64
	VerifyChecksums    bool
	// MaxExtentSize caps a single allocation, 0 for no cap.
	MaxExtentSize uint64
	JournalLevel  int
	// CacheBlocks enables a block cache of 16*CacheBlocks blocks.
	CacheBlocks uint16
	Keys        crypt.KeyManager
}

func DefaultOptions() Options {
	return Options{
		MutationThreshold:  200,
		AllocateMaxTxnSize: 256,
		WriteAttrBatchSize: 512 << 10,
		JournalLevel:       3,
	}
}

func OptionsFromConfig(c *core.CoreConfig) Options {
	o := DefaultOptions()
	if c.MutationThreshold > 0 {
		o.MutationThreshold = c.MutationThreshold
	}
	if c.AllocateMaxTxnSize > 0 {
		o.AllocateMaxTxnSize = c.AllocateMaxTxnSize
	}
	if c.WriteAttrBatchSize > 0 {
		o.WriteAttrBatchSize = c.WriteAttrBatchSize
	}
	if c.JournalLevel > 0 {
		o.JournalLevel = c.JournalLevel
	}
	o.VerifyChecksums = c.VerifyChecksums
	o.CacheBlocks = c.CacheBlocks
	return o
}

// Store owns one device and everything stored on it.
type Store struct {
	id      uint64
	dev     device.Device
	bs      uint64
	opts    Options
	index   *Index
	alloc   *Allocator
	journal *Journal
	locks   *LockManager
	ig      *idgen.IDGen
	cipher  *crypt.Cipher

	commitMu sync.Mutex
	sf       singleflight.Group

	handlesMu sync.Mutex
	handles   map[uint64]*DataObjectHandle
}

func newStore(dev device.Device, opts Options) *Store {
	if opts.MutationThreshold <= 0 {
		opts.MutationThreshold = DefaultOptions().MutationThreshold
	}
	if opts.AllocateMaxTxnSize <= 0 {
		opts.AllocateMaxTxnSize = DefaultOptions().AllocateMaxTxnSize
	}
	bs := dev.BlockSize()
	if opts.WriteAttrBatchSize == 0 {
		opts.WriteAttrBatchSize = DefaultOptions().WriteAttrBatchSize
	}
	opts.WriteAttrBatchSize = core.MustRoundUp(opts.WriteAttrBatchSize, bs)
	if opts.CacheBlocks > 0 {
		dev = device.NewCachedDevice(dev, opts.CacheBlocks, time.Minute)
	}
	s := &Store{
		dev:     dev,
		bs:      bs,
		opts:    opts,
		index:   NewIndex(bs),
		alloc:   NewAllocator(bs, dev.Size(), opts.MaxExtentSize),
		locks:   NewLockManager(),
		ig:      idgen.NewIDGen(nil, 0),
		handles: make(map[uint64]*DataObjectHandle),
	}
	if opts.Keys != nil {
		s.cipher = crypt.NewCipher(opts.Keys)
	}
	id, _ := s.ig.New()
	s.id = uint64(id)
	return s
}

// New formats dev and records the store's journal into w.
func New(c core.Ctx, dev device.Device, w io.Writer, opts Options) (*Store, error) {
	s := newStore(dev, opts)
	j, err := NewJournal(w, opts.JournalLevel, 0)
	if err != nil {
		return nil, err
	}
	s.journal = j

	txn, err := s.NewTransaction(c)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	now := time.Now().UnixNano()
	txn.Add(Insert(ObjectRecordKey(core.GRAVEYARD_OID), ObjectRecordValue{
		Kind: ObjectDirectory, Refs: 1, CreationTime: now, ModifyTime: now,
	}))
	if _, err := txn.Commit(c); err != nil {
		return nil, err
	}
	core.DebugLog("store %d: formatted %d bytes, block size %d", s.id, dev.Size(), s.bs)
	return s, nil
}

// Open rebuilds a store by replaying the journal in r; new commits go to w.
func Open(c core.Ctx, dev device.Device, r io.Reader, w io.Writer, opts Options) (*Store, error) {
	s := newStore(dev, opts)
	seq, err := Replay(r, func(seq uint64, muts []Mutation) error {
		return s.replay(muts)
	})
	if err != nil {
		return nil, core.Wrapf(err, "replay journal")
	}
	if _, ok := s.index.Find(ObjectRecordKey(core.GRAVEYARD_OID)); !ok {
		return nil, core.Errorf(core.ERR_NOT_FOUND, "journal has no store root")
	}
	j, err := NewJournal(w, opts.JournalLevel, seq)
	if err != nil {
		return nil, err
	}
	s.journal = j
	core.DebugLog("store %d: replayed %d records", s.id, seq)
	return s, nil
}

func (s *Store) replay(muts []Mutation) error {
	var sm []*ObjectStoreMutation
	for _, m := range muts {
		if m.Alloc != nil {
			if err := s.alloc.replay(m.Alloc); err != nil {
				return err
			}
			continue
		}
		sm = append(sm, m.Store)
	}
	return s.index.Apply(sm)
}

// commit journals and applies everything staged in t. Index changes are
// applied first so that an inconsistent batch is rejected before it can
// reach the journal.
func (s *Store) commit(c core.Ctx, t *Transaction) (uint64, error) {
	if t.IsEmpty() {
		return s.journal.Seq(), nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.locks.commitLock(t.locks)
	defer s.locks.commitUnlock(t.locks)

	muts := t.Mutations()
	var sm []*ObjectStoreMutation
	for _, m := range muts {
		if m.Store != nil {
			sm = append(sm, m.Store)
		}
	}
	s.index.mu.Lock()
	savedM, savedV := s.index.mutable.items, s.index.view
	s.index.mu.Unlock()
	if err := s.index.Apply(sm); err != nil {
		return 0, err
	}
	seq, err := s.journal.Append(muts)
	if err != nil {
		s.index.mu.Lock()
		s.index.mutable.items, s.index.view = savedM, savedV
		s.index.mu.Unlock()
		return 0, err
	}
	for _, tm := range t.mutations {
		if tm.obj != nil && tm.m.Store != nil {
			tm.obj.DidApplyMutation(tm.m.Store)
		}
	}
	s.alloc.commit(t.allocatorMutations())
	return seq, nil
}

func (s *Store) ID() uint64 { return s.id }

func (s *Store) BlockSize() uint64 { return s.bs }

func (s *Store) Device() device.Device { return s.dev }

func (s *Store) Index() *Index { return s.index }

func (s *Store) Allocator() *Allocator { return s.alloc }

func (s *Store) Journal() *Journal { return s.journal }

func (s *Store) Options() Options { return s.opts }

func (s *Store) lockKey(oid, attr uint64) LockKey {
	return LockKey{StoreID: s.id, ObjectID: oid, AttributeID: attr}
}

// stagedOrCommitted looks key up in txn first, then in the index.
func (s *Store) stagedOrCommitted(txn *Transaction, key ObjectKey) (ObjectValue, bool) {
	if txn != nil {
		if m := txn.Get(key); m != nil {
			if _, none := m.Value.(NoneValue); none {
				return nil, false
			}
			return m.Value, true
		}
	}
	return s.index.Find(key)
}

func (s *Store) nextObjectID() (uint64, error) {
	for i := 0; i < 16; i++ {
		id, err := s.ig.New()
		if err != nil {
			return 0, core.Wrapf(err, "object id")
		}
		oid := uint64(id)
		if oid < core.FIRST_USER_OID {
			continue
		}
		if _, ok := s.index.Find(ObjectRecordKey(oid)); !ok {
			return oid, nil
		}
	}
	return 0, core.Errorf(core.ERR_ALREADY_EXISTS, "could not pick a free object id")
}

// CreateObject stages a new file object with an empty data attribute.
// keyID 0 stores data in the clear.
func (s *Store) CreateObject(txn *Transaction, keyID uint64) (uint64, error) {
	if keyID != 0 && s.cipher == nil {
		return 0, core.Errorf(core.ERR_NOT_SUPPORTED, "store has no key manager")
	}
	oid, err := s.nextObjectID()
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()
	txn.Add(Insert(ObjectRecordKey(oid), ObjectRecordValue{
		Kind: ObjectFile, Refs: 1, CreationTime: now, ModifyTime: now, KeyID: keyID,
	}))
	txn.Add(Insert(AttributeKey(oid, core.DEFAULT_DATA_ATTRIBUTE_ID), AttributeValue{}))
	return oid, nil
}

// CreateFile creates a file object in its own transaction and opens it.
func (s *Store) CreateFile(c core.Ctx, keyID uint64) (*DataObjectHandle, error) {
	txn, err := s.NewTransaction(c)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	oid, err := s.CreateObject(txn, keyID)
	if err != nil {
		return nil, err
	}
	if _, err := txn.Commit(c); err != nil {
		return nil, err
	}
	return s.OpenObject(c, oid)
}

// CreateDirectory stages a directory object. Directories carry no data
// attribute and exist so callers can tell files from other objects.
func (s *Store) CreateDirectory(txn *Transaction) (uint64, error) {
	oid, err := s.nextObjectID()
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()
	txn.Add(Insert(ObjectRecordKey(oid), ObjectRecordValue{Kind: ObjectDirectory, Refs: 1, CreationTime: now, ModifyTime: now}))
	return oid, nil
}

// updateAllocatedSize adjusts the object's allocated byte count.
func (s *Store) updateAllocatedSize(txn *Transaction, oid, add, sub uint64) error {
	if add == sub {
		return nil
	}
	v, ok := s.stagedOrCommitted(txn, ObjectRecordKey(oid))
	if !ok {
		return core.Errorf(core.ERR_NOT_FOUND, "object %d", oid)
	}
	rec, ok := v.(ObjectRecordValue)
	if !ok {
		return core.Errorf(core.ERR_INCONSISTENT, "object %d has value %T", oid, v)
	}
	if rec.AllocatedSize+add < sub {
		return core.Errorf(core.ERR_INCONSISTENT, "object %d allocated size underflow (%d+%d-%d)", oid, rec.AllocatedSize, add, sub)
	}
	rec.AllocatedSize = rec.AllocatedSize + add - sub
	rec.ModifyTime = time.Now().UnixNano()
	txn.Add(ReplaceOrInsert(ObjectRecordKey(oid), rec))
	return nil
}

// Seal freezes the index's mutable layer.
func (s *Store) Seal() {
	s.commitMu.Lock()
	s.index.Seal()
	s.commitMu.Unlock()
}

// Compact merges index layers, dropping deleted extents and tombstones.
func (s *Store) Compact() {
	s.commitMu.Lock()
	s.index.Compact()
	s.commitMu.Unlock()
}

func (s *Store) Close() error {
	s.handlesMu.Lock()
	s.handles = make(map[uint64]*DataObjectHandle)
	s.handlesMu.Unlock()
	return s.dev.Flush(context.Background())
}
