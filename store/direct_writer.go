package store

import "github.com/orcastor/extentfs/core"

const directWriterBufferSize = 1 << 20

// DirectWriter streams sequential data into a file, committing one
// transaction per buffer full. Call Complete to write what is left.
type DirectWriter struct {
	h         *DataObjectHandle
	buf       []byte
	offset    uint64 // file offset of buf[0]
	bufOffset int
}

func (h *DataObjectHandle) NewDirectWriter() *DirectWriter {
	return &DirectWriter{h: h, buf: make([]byte, directWriterBufferSize)}
}

func (w *DirectWriter) BlockSize() uint64 { return w.h.bs }

func (w *DirectWriter) flush(c core.Ctx) error {
	if err := w.h.checkWritable(); err != nil {
		return err
	}
	txn, err := w.h.NewTransaction(c)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := w.h.TxnWrite(c, txn, w.offset, w.buf[:w.bufOffset]); err != nil {
		return err
	}
	if _, err := txn.Commit(c); err != nil {
		return err
	}
	w.offset += uint64(w.bufOffset)
	w.bufOffset = 0
	return nil
}

func (w *DirectWriter) Write(c core.Ctx, p []byte) error {
	for len(p) > 0 {
		n := copy(w.buf[w.bufOffset:], p)
		w.bufOffset += n
		p = p[n:]
		if w.bufOffset == len(w.buf) {
			if err := w.flush(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Skip leaves n bytes unwritten. Short skips are buffered as zeros; longer
// ones flush and leave a hole.
func (w *DirectWriter) Skip(c core.Ctx, n uint64) error {
	if uint64(len(w.buf)-w.bufOffset) > n {
		clear(w.buf[w.bufOffset : w.bufOffset+int(n)])
		w.bufOffset += int(n)
		return nil
	}
	if err := w.flush(c); err != nil {
		return err
	}
	w.offset += n
	return nil
}

func (w *DirectWriter) Complete(c core.Ctx) error {
	if err := w.flush(c); err != nil {
		core.WarnLog("object %d: direct writer dropped %d bytes: %v", w.h.oid, w.bufOffset, err)
		return err
	}
	return nil
}
