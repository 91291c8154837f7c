package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/device"
)

func TestAllocate(t *testing.T) {
	c := context.Background()
	Convey("allocating twice does not allocate more", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 8192}), ShouldBeNil)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(8192))
		So(h.GetSize(), ShouldEqual, uint64(8192))
		So(h.OverwriteRanges(), ShouldResemble, []core.Range{{Start: 0, End: 8192}})
		ext := h.DeviceExtents()
		So(len(ext), ShouldEqual, 1)
		So(ext[0].Mode, ShouldEqual, ModeOverwritePartial)

		So(h.Allocate(c, core.Range{Start: 0, End: 8192}), ShouldBeNil)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(8192))
		So(h.DeviceExtents(), ShouldResemble, ext)

		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, make([]byte, 8192))
	})

	Convey("existing cow data is switched to overwrite where it lies", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		data := pattern(2048, 7)
		_, err = h.WriteOrAppend(c, 0, data)
		So(err, ShouldBeNil)
		before := h.DeviceExtents()

		So(h.Allocate(c, core.Range{Start: 0, End: 2048}), ShouldBeNil)
		after := h.DeviceExtents()
		So(len(after), ShouldEqual, 1)
		So(after[0].Device, ShouldResemble, before[0].Device)
		So(after[0].Mode, ShouldEqual, ModeOverwrite)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(2048))
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, data)
	})

	Convey("allocating past an unaligned size keeps the bytes after it zero", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 0, pattern(500, 1))
		So(err, ShouldBeNil)
		So(h.Truncate(c, 3), ShouldBeNil)

		So(h.Allocate(c, core.Range{Start: 0, End: 2000}), ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(2000))
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got[:3], ShouldResemble, pattern(3, 1))
		So(got[3:], ShouldResemble, make([]byte, 1997))
		ext := h.DeviceExtents()
		So(len(ext), ShouldEqual, 2)
		So(ext[0].Mode, ShouldEqual, ModeOverwrite)
		So(ext[1].Mode, ShouldEqual, ModeOverwritePartial)
	})

	Convey("a large allocation is split across transactions", t, func() {
		s, _, _ := newTestStore(t, 1<<20, func(o *Options) {
			o.AllocateMaxTxnSize = 3
			o.MaxExtentSize = testBS
		})
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		seq := s.Journal().Seq()
		So(h.Allocate(c, core.Range{Start: 0, End: 4096}), ShouldBeNil)
		So(s.Journal().Seq()-seq, ShouldBeGreaterThan, 1)
		So(len(h.DeviceExtents()), ShouldEqual, 8)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(4096))
		props, err := h.GetProperties()
		So(err, ShouldBeNil)
		So(props.AllocatedSize, ShouldEqual, uint64(4096))
		So(h.GetSize(), ShouldEqual, uint64(4096))
	})

	Convey("the first record of a split allocation never has overwrite extents past the size", t, func() {
		opts := DefaultOptions()
		opts.AllocateMaxTxnSize = 3
		opts.MaxExtentSize = testBS
		dev := device.NewMemDevice(testBS, 1<<20)
		var journal bytes.Buffer
		s, err := New(c, dev, &journal, opts)
		So(err, ShouldBeNil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		start := journal.Len()
		So(h.Allocate(c, core.Range{Start: 0, End: 4096}), ShouldBeNil)

		hdr := journal.Bytes()[start : start+journalHeaderSize]
		first := start + journalHeaderSize + int(binary.LittleEndian.Uint64(hdr[16:24]))
		So(first, ShouldBeLessThan, journal.Len())

		s2, err := Open(c, dev, bytes.NewReader(journal.Bytes()[:first]), &bytes.Buffer{}, opts)
		So(err, ShouldBeNil)
		h2, err := s2.OpenObject(c, h.ObjectID())
		So(err, ShouldBeNil)
		size := h2.GetSize()
		So(size, ShouldEqual, uint64(4096))
		ext := h2.DeviceExtents()
		So(len(ext), ShouldBeGreaterThan, 0)
		So(len(ext), ShouldBeLessThan, 8)
		for _, e := range ext {
			So(e.Mode == ModeOverwrite || e.Mode == ModeOverwritePartial, ShouldBeTrue)
			So(e.Logical.End, ShouldBeLessThanOrEqualTo, size)
		}
		got, err := readAll(c, h2)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, make([]byte, 4096))
	})

	Convey("allocation fails cleanly when the device is full", t, func() {
		s, _, _ := newTestStore(t, 4096, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 4096}), ShouldBeNil)
		err = h.Allocate(c, core.Range{Start: 4096, End: 8192})
		So(core.Is(err, core.ERR_NO_SPACE), ShouldBeTrue)
		So(h.GetSize(), ShouldEqual, uint64(4096))
	})
}

func TestPreallocateRange(t *testing.T) {
	c := context.Background()
	Convey("preallocated raw extents are written in place", t, func() {
		s, dev, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		r := core.Range{Start: 0, End: 4096}
		ranges, err := h.PreallocateRange(c, txn, &r)
		So(err, ShouldBeNil)
		So(r.Empty(), ShouldBeTrue)
		So(len(ranges), ShouldEqual, 1)
		So(ranges[0].Len(), ShouldEqual, uint64(4096))
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(4096))
		So(h.DeviceExtents()[0].Mode, ShouldEqual, ModeRaw)

		buf := pattern(4096, 11)
		So(h.Overwrite(c, 0, buf, OverwriteOptions{}), ShouldBeNil)
		onDev := make([]byte, 4096)
		So(dev.ReadAt(c, ranges[0].Start, onDev), ShouldBeNil)
		So(onDev, ShouldResemble, buf)

		Convey("preallocating again only allocates the new part", func() {
			txn, err := h.NewTransaction(c)
			So(err, ShouldBeNil)
			r := core.Range{Start: 0, End: 8192}
			more, err := h.PreallocateRange(c, txn, &r)
			So(err, ShouldBeNil)
			So(len(more), ShouldEqual, 2)
			So(more[0], ShouldResemble, ranges[0])
			So(more[1].Len(), ShouldEqual, uint64(4096))
			_, err = txn.Commit(c)
			So(err, ShouldBeNil)
			So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(8192))
			So(h.GetSize(), ShouldEqual, uint64(8192))
		})
	})

	Convey("preallocation stops at the mutation threshold and resumes", t, func() {
		s, _, _ := newTestStore(t, 1<<20, func(o *Options) {
			o.MutationThreshold = 2
			o.MaxExtentSize = testBS
		})
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		r := core.Range{Start: 0, End: 4096}
		calls := 0
		var all []core.Range
		for !r.Empty() {
			txn, err := h.NewTransaction(c)
			So(err, ShouldBeNil)
			got, err := h.PreallocateRange(c, txn, &r)
			So(err, ShouldBeNil)
			all = append(all, got...)
			_, err = txn.Commit(c)
			So(err, ShouldBeNil)
			calls++
		}
		So(calls, ShouldBeGreaterThan, 1)
		So(len(all), ShouldEqual, 8)
		So(h.GetSize(), ShouldEqual, uint64(4096))
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(4096))
	})

	Convey("unaligned ranges are rejected", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		defer txn.Discard()
		r := core.Range{Start: 10, End: 4096}
		_, err = h.PreallocateRange(c, txn, &r)
		So(core.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
	})
}

func TestExtend(t *testing.T) {
	c := context.Background()
	Convey("extend maps a file range onto a chosen device range", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		devRange := core.Range{Start: 8192, End: 9216}
		So(h.Extend(c, txn, core.Range{Start: 0, End: 1024}, devRange), ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(1024))
		So(h.DeviceExtents()[0].Device, ShouldResemble, devRange)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(1024))

		txn, err = h.NewTransaction(c)
		So(err, ShouldBeNil)
		defer txn.Discard()
		err = h.Extend(c, txn, core.Range{Start: 0, End: 512}, core.Range{Start: 0, End: 512})
		So(core.Is(err, core.ERR_ALREADY_EXISTS), ShouldBeTrue)
		err = h.Extend(c, txn, core.Range{Start: 1024, End: 2048}, devRange)
		So(core.Is(err, core.ERR_INCONSISTENT), ShouldBeTrue)
	})
}

func TestIsAllocated(t *testing.T) {
	c := context.Background()
	Convey("data, hole, data", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 0, pattern(3072, 1))
		So(err, ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		So(h.Zero(c, txn, core.DEFAULT_DATA_ATTRIBUTE_ID, core.Range{Start: 1024, End: 2048}), ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)

		check := func(off uint64, wantAlloc bool, wantLen uint64) {
			alloc, n, err := h.IsAllocated(c, off)
			So(err, ShouldBeNil)
			So(alloc, ShouldEqual, wantAlloc)
			So(n, ShouldEqual, wantLen)
		}
		check(0, true, 1024)
		check(512, true, 512)
		check(1024, false, 1024)
		check(1536, false, 512)
		check(2048, true, 1024)
		check(3072, false, 0)

		Convey("a hole after the last extent runs to the size", func() {
			So(h.Truncate(c, 8192), ShouldBeNil)
			check(2048, true, 1024)
			check(3072, false, 5120)
		})

		Convey("bad offsets are rejected", func() {
			_, _, err := h.IsAllocated(c, 100)
			So(core.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
			_, _, err = h.IsAllocated(c, 4096)
			So(core.Is(err, core.ERR_OUT_OF_RANGE), ShouldBeTrue)
		})
	})

	Convey("a sparse file starts with a hole", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 5000, []byte("hi"))
		So(err, ShouldBeNil)
		alloc, n, err := h.IsAllocated(c, 0)
		So(err, ShouldBeNil)
		So(alloc, ShouldBeFalse)
		So(n, ShouldEqual, uint64(4608))
		alloc, n, err = h.IsAllocated(c, 4608)
		So(err, ShouldBeNil)
		So(alloc, ShouldBeTrue)
		So(n, ShouldEqual, uint64(394))
	})
}
