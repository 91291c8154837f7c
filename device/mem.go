package device

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemDevice keeps the whole device in memory, for tests and tooling.
type MemDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint64

	writes   int64
	barriers int64
	// 上一次Barrier之后是否还没有写入
	barrierPending int32
	barrierWrites  int64
}

func NewMemDevice(blockSize, size uint64) *MemDevice {
	return &MemDevice{data: make([]byte, size), blockSize: blockSize}
}

func (m *MemDevice) BlockSize() uint64 { return m.blockSize }

func (m *MemDevice) Size() uint64 { return uint64(len(m.data)) }

func (m *MemDevice) ReadAt(c context.Context, off uint64, buf []byte) error {
	if err := checkIO(m, off, len(buf)); err != nil {
		return err
	}
	m.mu.RLock()
	copy(buf, m.data[off:off+uint64(len(buf))])
	m.mu.RUnlock()
	return nil
}

func (m *MemDevice) WriteAt(c context.Context, off uint64, buf []byte) error {
	if err := checkIO(m, off, len(buf)); err != nil {
		return err
	}
	if atomic.CompareAndSwapInt32(&m.barrierPending, 1, 0) {
		atomic.AddInt64(&m.barrierWrites, 1)
	}
	m.mu.Lock()
	copy(m.data[off:], buf)
	m.mu.Unlock()
	atomic.AddInt64(&m.writes, 1)
	return nil
}

func (m *MemDevice) Barrier() {
	atomic.AddInt64(&m.barriers, 1)
	atomic.StoreInt32(&m.barrierPending, 1)
}

func (m *MemDevice) Flush(c context.Context) error { return nil }

func (m *MemDevice) Close() error { return nil }

// Writes returns the number of WriteAt calls served.
func (m *MemDevice) Writes() int64 { return atomic.LoadInt64(&m.writes) }

// Barriers returns how many times Barrier was called.
func (m *MemDevice) Barriers() int64 { return atomic.LoadInt64(&m.barriers) }

// BarrierWrites returns how many writes were the first write after a barrier.
func (m *MemDevice) BarrierWrites() int64 { return atomic.LoadInt64(&m.barrierWrites) }

// Corrupt flips every bit of the byte at off, bypassing alignment checks.
func (m *MemDevice) Corrupt(off uint64) {
	m.mu.Lock()
	m.data[off] ^= 0xff
	m.mu.Unlock()
}
