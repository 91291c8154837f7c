// Package crypt encrypts data blocks in place before they reach the device.
package crypt

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/chacha20"

	"github.com/orcastor/extentfs/core"
)

// KeyManager resolves a key id recorded in an extent to key material.
type KeyManager interface {
	Key(keyID uint64) ([]byte, error)
}

// StaticKeys is an in-memory KeyManager.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[uint64][]byte
}

func NewStaticKeys() *StaticKeys {
	return &StaticKeys{keys: make(map[uint64][]byte)}
}

func (s *StaticKeys) Add(keyID uint64, key []byte) error {
	if len(key) != chacha20.KeySize {
		return core.Errorf(core.ERR_INVALID_ARGS, "key %d has %d bytes, want %d", keyID, len(key), chacha20.KeySize)
	}
	s.mu.Lock()
	s.keys[keyID] = append([]byte(nil), key...)
	s.mu.Unlock()
	return nil
}

func (s *StaticKeys) Key(keyID uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, core.Errorf(core.ERR_NOT_FOUND, "key %d", keyID)
	}
	return k, nil
}

// Cipher applies an XChaCha20 keystream keyed per (object, block). The same
// call encrypts and decrypts.
type Cipher struct {
	keys KeyManager
}

func NewCipher(keys KeyManager) *Cipher {
	return &Cipher{keys: keys}
}

// Apply transforms buf in place. buf holds whole blocks of the attribute
// starting at logical offset off.
func (c *Cipher) Apply(keyID, objectID, attributeID, off uint64, blockSize uint64, buf []byte) error {
	key, err := c.keys.Key(keyID)
	if err != nil {
		return err
	}
	if off%blockSize != 0 || uint64(len(buf))%blockSize != 0 {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned crypt range %d+%d", off, len(buf))
	}
	var nonce [chacha20.NonceSizeX]byte
	binary.LittleEndian.PutUint64(nonce[0:8], objectID)
	binary.LittleEndian.PutUint64(nonce[8:16], attributeID)
	for pos := uint64(0); pos < uint64(len(buf)); pos += blockSize {
		binary.LittleEndian.PutUint64(nonce[16:24], (off+pos)/blockSize)
		s, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
		if err != nil {
			return core.Errorf(core.ERR_INVALID_ARGS, "cipher: %v", err)
		}
		blk := buf[pos : pos+blockSize]
		s.XORKeyStream(blk, blk)
	}
	return nil
}
