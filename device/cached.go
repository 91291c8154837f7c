package device

import (
	"context"
	"strconv"
	"time"

	"github.com/orca-zhang/ecache"
)

// CachedDevice is a write-through block cache in front of another device.
type CachedDevice struct {
	Device
	cache *ecache.Cache
}

// NewCachedDevice caches up to 16*blocksPerBucket blocks of dev for ttl.
func NewCachedDevice(dev Device, blocksPerBucket uint16, ttl time.Duration) *CachedDevice {
	return &CachedDevice{Device: dev, cache: ecache.NewLRUCache(16, blocksPerBucket, ttl)}
}

func blockKey(off uint64) string {
	return strconv.FormatUint(off, 10)
}

func (d *CachedDevice) ReadAt(c context.Context, off uint64, buf []byte) error {
	if err := checkIO(d, off, len(buf)); err != nil {
		return err
	}
	bs := d.BlockSize()
	// 找出第一个未命中的块，从那里开始整段回源
	for pos := uint64(0); pos < uint64(len(buf)); pos += bs {
		v, ok := d.cache.Get(blockKey(off + pos))
		if !ok {
			if err := d.Device.ReadAt(c, off+pos, buf[pos:]); err != nil {
				return err
			}
			for p := pos; p < uint64(len(buf)); p += bs {
				blk := make([]byte, bs)
				copy(blk, buf[p:p+bs])
				d.cache.Put(blockKey(off+p), blk)
			}
			return nil
		}
		copy(buf[pos:pos+bs], v.([]byte))
	}
	return nil
}

func (d *CachedDevice) WriteAt(c context.Context, off uint64, buf []byte) error {
	if err := d.Device.WriteAt(c, off, buf); err != nil {
		for pos := uint64(0); pos < uint64(len(buf)); pos += d.BlockSize() {
			d.cache.Del(blockKey(off + pos))
		}
		return err
	}
	bs := d.BlockSize()
	for pos := uint64(0); pos < uint64(len(buf)); pos += bs {
		blk := make([]byte, bs)
		copy(blk, buf[pos:pos+bs])
		d.cache.Put(blockKey(off+pos), blk)
	}
	return nil
}

// Invalidate drops every cached block in [off, off+n).
func (d *CachedDevice) Invalidate(off, n uint64) {
	for pos := uint64(0); pos < n; pos += d.BlockSize() {
		d.cache.Del(blockKey(off + pos))
	}
}
