package device

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/orcastor/extentfs/core"
)

// FileDevice stores blocks in a regular file or a block special file.
type FileDevice struct {
	f         *os.File
	blockSize uint64
	size      uint64
	barrier   int32
}

// OpenFileDevice opens (creating if needed) path and sizes it to size bytes.
func OpenFileDevice(path string, blockSize, size uint64) (*FileDevice, error) {
	if size%blockSize != 0 {
		return nil, core.Errorf(core.ERR_INVALID_ARGS, "device size %d not a multiple of %d", size, blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat device %s", path)
	}
	if uint64(fi.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "grow device %s", path)
		}
	}
	return &FileDevice{f: f, blockSize: blockSize, size: size}, nil
}

func (d *FileDevice) BlockSize() uint64 { return d.blockSize }

func (d *FileDevice) Size() uint64 { return d.size }

func (d *FileDevice) ReadAt(c context.Context, off uint64, buf []byte) error {
	if err := checkIO(d, off, len(buf)); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "device read at %d", off)
	}
	return nil
}

func (d *FileDevice) WriteAt(c context.Context, off uint64, buf []byte) error {
	if err := checkIO(d, off, len(buf)); err != nil {
		return err
	}
	if atomic.CompareAndSwapInt32(&d.barrier, 1, 0) {
		if err := d.Flush(c); err != nil {
			return err
		}
	}
	if _, err := d.f.WriteAt(buf, int64(off)); err != nil {
		return errors.Wrapf(err, "device write at %d", off)
	}
	return nil
}

// Barrier makes the next write wait for a data sync of everything before it.
func (d *FileDevice) Barrier() { atomic.StoreInt32(&d.barrier, 1) }

func (d *FileDevice) Flush(c context.Context) error {
	if err := datasync(d.f); err != nil {
		return errors.Wrap(err, "device flush")
	}
	return nil
}

func (d *FileDevice) Close() error { return d.f.Close() }
