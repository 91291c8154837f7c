package store

import "math/bits"

// Bitmap is a fixed length bit set, one bit per block of an extent.
type Bitmap struct {
	Len   uint64   `cbor:"1,keyasint"`
	Words []uint64 `cbor:"2,keyasint"`
}

func NewBitmap(n uint64) *Bitmap {
	return &Bitmap{Len: n, Words: make([]uint64, (n+63)/64)}
}

func (b *Bitmap) Get(i uint64) bool {
	return b.Words[i/64]&(1<<(i%64)) != 0
}

func (b *Bitmap) Set(i uint64) {
	b.Words[i/64] |= 1 << (i % 64)
}

func (b *Bitmap) SetRange(start, end uint64) {
	for i := start; i < end; i++ {
		b.Set(i)
	}
}

func (b *Bitmap) Count() uint64 {
	var n int
	for _, w := range b.Words {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

// All reports whether every bit is set.
func (b *Bitmap) All() bool { return b.Count() == b.Len }

func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{Len: b.Len, Words: append([]uint64(nil), b.Words...)}
}

// Slice returns bits [start, end) as a new bitmap.
func (b *Bitmap) Slice(start, end uint64) *Bitmap {
	out := NewBitmap(end - start)
	for i := start; i < end; i++ {
		if b.Get(i) {
			out.Set(i - start)
		}
	}
	return out
}

// Covers reports whether every bit set in o is also set in b.
func (b *Bitmap) Covers(o *Bitmap) bool {
	if o.Len != b.Len {
		return false
	}
	for i := range b.Words {
		if o.Words[i]&^b.Words[i] != 0 {
			return false
		}
	}
	return true
}
