package store

import (
	"sort"
	"sync"
)

// LockKey names an object attribute of a store.
type LockKey struct {
	StoreID     uint64
	ObjectID    uint64
	AttributeID uint64
}

func lockKeyLess(a, b LockKey) bool {
	if a.StoreID != b.StoreID {
		return a.StoreID < b.StoreID
	}
	if a.ObjectID != b.ObjectID {
		return a.ObjectID < b.ObjectID
	}
	return a.AttributeID < b.AttributeID
}

type lockState struct {
	txn     bool // held by an open transaction
	writing bool // the holding transaction is committing
	readers int
}

// LockManager gives transactions exclusive ownership of keys while still
// letting readers in, except while the owning transaction commits.
type LockManager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[LockKey]*lockState
}

func NewLockManager() *LockManager {
	lm := &LockManager{locks: make(map[LockKey]*lockState)}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

func (lm *LockManager) state(k LockKey) *lockState {
	s, ok := lm.locks[k]
	if !ok {
		s = &lockState{}
		lm.locks[k] = s
	}
	return s
}

func (lm *LockManager) gc(k LockKey) {
	if s, ok := lm.locks[k]; ok && !s.txn && !s.writing && s.readers == 0 {
		delete(lm.locks, k)
	}
}

// sortKeys dedups and orders keys so that lock acquisition can't deadlock.
func sortKeys(keys []LockKey) []LockKey {
	out := append([]LockKey(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return lockKeyLess(out[i], out[j]) })
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}

func (lm *LockManager) txnLock(keys []LockKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, k := range keys {
		for lm.state(k).txn {
			lm.cond.Wait()
		}
		lm.state(k).txn = true
	}
}

func (lm *LockManager) txnUnlock(keys []LockKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, k := range keys {
		s := lm.state(k)
		s.txn, s.writing = false, false
		lm.gc(k)
	}
	lm.cond.Broadcast()
}

// commitLock waits for readers to drain and keeps new ones out.
func (lm *LockManager) commitLock(keys []LockKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, k := range keys {
		lm.state(k).writing = true
	}
	for _, k := range keys {
		for lm.state(k).readers > 0 {
			lm.cond.Wait()
		}
	}
}

func (lm *LockManager) commitUnlock(keys []LockKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, k := range keys {
		lm.state(k).writing = false
	}
	lm.cond.Broadcast()
}

// ReadLock blocks while a transaction holding k is committing.
func (lm *LockManager) ReadLock(k LockKey) func() {
	lm.mu.Lock()
	for lm.state(k).writing {
		lm.cond.Wait()
	}
	lm.state(k).readers++
	lm.mu.Unlock()
	return func() {
		lm.mu.Lock()
		lm.state(k).readers--
		lm.gc(k)
		lm.mu.Unlock()
		lm.cond.Broadcast()
	}
}
