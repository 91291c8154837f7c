package verity

import "bytes"

// Tree holds every level of a Merkle tree, leaves first. Each level is the
// concatenation of its digests.
type Tree struct {
	digestSize int
	levels     [][]byte
}

// Builder hashes a stream of data into a Tree.
type Builder struct {
	h       *Hasher
	pending []byte
	leaves  []byte
}

func NewBuilder(h *Hasher) *Builder {
	return &Builder{h: h, pending: make([]byte, 0, h.blockSize)}
}

func (b *Builder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := b.h.blockSize - len(b.pending)
		if take > len(p) {
			take = len(p)
		}
		b.pending = append(b.pending, p[:take]...)
		p = p[take:]
		if len(b.pending) == b.h.blockSize {
			b.leaves = append(b.leaves, b.h.HashBlock(b.pending)...)
			b.pending = b.pending[:0]
		}
	}
	return n, nil
}

// Finish hashes the trailing partial block and builds the upper levels.
func (b *Builder) Finish() *Tree {
	if len(b.pending) > 0 {
		b.leaves = append(b.leaves, b.h.HashBlock(b.pending)...)
		b.pending = b.pending[:0]
	}
	return buildTree(b.h, b.leaves)
}

// TreeFromLeaves rebuilds a tree from persisted leaf digests.
func TreeFromLeaves(h *Hasher, leaves []byte) *Tree {
	return buildTree(h, append([]byte(nil), leaves...))
}

func buildTree(h *Hasher, leaves []byte) *Tree {
	ds := h.DigestSize()
	t := &Tree{digestSize: ds, levels: [][]byte{leaves}}
	level := leaves
	per := h.blockSize / ds
	for len(level) > ds {
		var next []byte
		for i := 0; i < len(level); i += per * ds {
			end := i + per*ds
			if end > len(level) {
				end = len(level)
			}
			next = append(next, h.HashBlock(level[i:end])...)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root is the top digest; all zero for an empty file.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return make([]byte, t.digestSize)
	}
	return append([]byte(nil), top[:t.digestSize]...)
}

func (t *Tree) Leaves() []byte { return t.levels[0] }

func (t *Tree) LeafCount() int { return len(t.levels[0]) / t.digestSize }

func (t *Tree) Depth() int { return len(t.levels) }

// Leaf returns the digest of data block i, nil past the end.
func (t *Tree) Leaf(i int) []byte {
	s := i * t.digestSize
	if s < 0 || s+t.digestSize > len(t.levels[0]) {
		return nil
	}
	return t.levels[0][s : s+t.digestSize]
}

// VerifyBlock checks one data block (short only at end of file) against leaf i.
func VerifyBlock(h *Hasher, leaves []byte, i int, block []byte) bool {
	ds := h.DigestSize()
	s := i * ds
	if s < 0 || s+ds > len(leaves) {
		return false
	}
	return bytes.Equal(h.HashBlock(block), leaves[s:s+ds])
}

// PaddedRoot returns root zero extended to 64 bytes, the width reported to
// callers regardless of algorithm.
func PaddedRoot(root []byte) []byte {
	out := make([]byte, 64)
	copy(out, root)
	return out
}
