package store

import "github.com/orcastor/extentfs/core"

// AssociatedObject is told about each mutation it was attached to with
// AddWithObject, synchronously, while the transaction commits.
type AssociatedObject interface {
	DidApplyMutation(m *ObjectStoreMutation)
}

type txnMutation struct {
	m   Mutation
	obj AssociatedObject
}

// ChecksumRecord is one write's per-block checksums, kept for inspection.
type ChecksumRecord struct {
	Range     core.Range // device range
	Checksums []uint64
	First     bool // written to never-before-initialized overwrite blocks
}

// Transaction accumulates mutations and applies them atomically on commit.
// Adding a mutation for a key already staged replaces it in place.
type Transaction struct {
	s         *Store
	locks     []LockKey
	mutations []txnMutation
	staged    map[ObjectKey]int
	checksums []ChecksumRecord
	done      bool
}

func (s *Store) NewTransaction(c core.Ctx, locks ...LockKey) (*Transaction, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	keys := sortKeys(locks)
	s.locks.txnLock(keys)
	return &Transaction{s: s, locks: keys, staged: make(map[ObjectKey]int)}, nil
}

func (t *Transaction) Store() *Store { return t.s }

func (t *Transaction) Add(m Mutation) {
	t.AddWithObject(m, nil)
}

// AddWithObject stages m; obj's DidApplyMutation runs when m is applied.
func (t *Transaction) AddWithObject(m Mutation, obj AssociatedObject) {
	if m.Store != nil {
		if i, ok := t.staged[m.Store.Key]; ok {
			t.mutations[i] = txnMutation{m: m, obj: obj}
			return
		}
		t.staged[m.Store.Key] = len(t.mutations)
	}
	t.mutations = append(t.mutations, txnMutation{m: m, obj: obj})
}

func (t *Transaction) addAllocatorMutation(m *AllocatorMutation) {
	t.mutations = append(t.mutations, txnMutation{m: Mutation{Alloc: m}})
}

// Get returns the mutation staged for key, if any.
func (t *Transaction) Get(key ObjectKey) *ObjectStoreMutation {
	if i, ok := t.staged[key]; ok {
		return t.mutations[i].m.Store
	}
	return nil
}

func (t *Transaction) Len() int { return len(t.mutations) }

func (t *Transaction) IsEmpty() bool { return len(t.mutations) == 0 }

// Mutations returns the staged mutations in application order.
func (t *Transaction) Mutations() []Mutation {
	out := make([]Mutation, len(t.mutations))
	for i, tm := range t.mutations {
		out[i] = tm.m
	}
	return out
}

func (t *Transaction) addChecksums(r core.Range, sums []uint64, first bool) {
	t.checksums = append(t.checksums, ChecksumRecord{Range: r, Checksums: sums, First: first})
}

// Checksums returns the per-block checksums recorded by writes in this transaction.
func (t *Transaction) Checksums() []ChecksumRecord { return t.checksums }

func (t *Transaction) reset() {
	t.mutations = nil
	t.staged = make(map[ObjectKey]int)
	t.checksums = nil
}

func (t *Transaction) allocatorMutations() []*AllocatorMutation {
	var out []*AllocatorMutation
	for _, tm := range t.mutations {
		if tm.m.Alloc != nil {
			out = append(out, tm.m.Alloc)
		}
	}
	return out
}

// Commit applies every mutation and releases the transaction's locks.
func (t *Transaction) Commit(c core.Ctx) (uint64, error) {
	if t.done {
		return 0, core.Errorf(core.ERR_INVALID_ARGS, "transaction already finished")
	}
	seq, err := t.s.commit(c, t)
	if err != nil {
		t.Discard()
		return 0, err
	}
	t.done = true
	t.s.locks.txnUnlock(t.locks)
	core.TxnCommit("commit")
	return seq, nil
}

// CommitAndContinue commits what has been staged so far and keeps the
// locks, leaving an empty transaction for the rest of the operation.
func (t *Transaction) CommitAndContinue(c core.Ctx) error {
	if t.done {
		return core.Errorf(core.ERR_INVALID_ARGS, "transaction already finished")
	}
	if _, err := t.s.commit(c, t); err != nil {
		return err
	}
	t.reset()
	core.TxnCommit("continue")
	return nil
}

// Discard drops staged mutations and returns reserved space. Safe to call
// after Commit.
func (t *Transaction) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.s.alloc.discard(t.allocatorMutations())
	t.reset()
	t.s.locks.txnUnlock(t.locks)
}
