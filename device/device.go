// Package device provides the block devices extents are stored on.
package device

import (
	"context"

	"github.com/orcastor/extentfs/core"
)

// Device is a block addressed byte store. Offsets and lengths passed to
// ReadAt and WriteAt must be multiples of BlockSize.
type Device interface {
	BlockSize() uint64
	Size() uint64
	ReadAt(c context.Context, off uint64, buf []byte) error
	WriteAt(c context.Context, off uint64, buf []byte) error
	// Barrier orders every write issued before it ahead of every write issued after it.
	Barrier()
	Flush(c context.Context) error
	Close() error
}

func checkIO(d Device, off uint64, n int) error {
	bs := d.BlockSize()
	if off%bs != 0 || uint64(n)%bs != 0 {
		return core.Errorf(core.ERR_INVALID_ARGS, "unaligned device io %d+%d (block %d)", off, n, bs)
	}
	end, err := core.CheckedAdd(off, uint64(n))
	if err != nil {
		return err
	}
	if end > d.Size() {
		return core.Errorf(core.ERR_OUT_OF_RANGE, "device io %d..%d past end %d", off, end, d.Size())
	}
	return nil
}
