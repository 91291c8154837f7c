// Package verity builds and checks fsverity style Merkle trees over
// attribute contents.
package verity

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/orcastor/extentfs/core"
)

type HashAlgorithm uint8

const (
	SHA256 HashAlgorithm = iota + 1
	SHA512
)

func (a HashAlgorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	}
	return "unknown"
}

// VerificationOptions are what a caller picks when enabling verity.
type VerificationOptions struct {
	Algorithm HashAlgorithm `cbor:"1,keyasint"`
	Salt      []byte        `cbor:"2,keyasint"`
}

// Descriptor is persisted with the attribute once verity is enabled.
type Descriptor struct {
	Algorithm HashAlgorithm `cbor:"1,keyasint"`
	Salt      []byte        `cbor:"2,keyasint"`
	Root      []byte        `cbor:"3,keyasint"`
}

// Hasher hashes data blocks as salt || block, the block zero padded to the
// tree block size. A non-empty salt is zero padded to the hash function's
// own block size.
type Hasher struct {
	alg       HashAlgorithm
	newHash   func() hash.Hash
	salt      []byte
	blockSize int
	zeros     []byte
}

func NewHasher(alg HashAlgorithm, salt []byte, blockSize int) (*Hasher, error) {
	h := &Hasher{alg: alg, blockSize: blockSize, zeros: make([]byte, blockSize)}
	switch alg {
	case SHA256:
		h.newHash = sha256.New
	case SHA512:
		h.newHash = sha512.New
	default:
		return nil, core.Errorf(core.ERR_NOT_SUPPORTED, "hash algorithm %d", alg)
	}
	if len(salt) > 0 {
		hbs := h.newHash().BlockSize()
		padded := (len(salt) + hbs - 1) / hbs * hbs
		h.salt = make([]byte, padded)
		copy(h.salt, salt)
	}
	return h, nil
}

func (h *Hasher) Algorithm() HashAlgorithm { return h.alg }

func (h *Hasher) BlockSize() int { return h.blockSize }

func (h *Hasher) DigestSize() int {
	if h.alg == SHA512 {
		return sha512.Size
	}
	return sha256.Size
}

// HashBlock hashes up to one block of data.
func (h *Hasher) HashBlock(block []byte) []byte {
	d := h.newHash()
	d.Write(h.salt)
	d.Write(block)
	if len(block) < h.blockSize {
		d.Write(h.zeros[:h.blockSize-len(block)])
	}
	return d.Sum(nil)
}
