package store

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/extentfs/core"
)

func TestOverwrite(t *testing.T) {
	c := context.Background()
	Convey("overwrite needs preallocated space unless allocations are allowed", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		buf := pattern(2048, 3)

		err = h.Overwrite(c, 0, buf, OverwriteOptions{})
		So(core.Is(err, core.ERR_NOT_PREALLOCATED), ShouldBeTrue)
		So(h.GetSize(), ShouldEqual, uint64(0))
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(0))

		So(h.Overwrite(c, 0, buf, OverwriteOptions{AllowAllocations: true}), ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(2048))
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, buf)
		ext := h.DeviceExtents()
		So(len(ext), ShouldEqual, 1)
		So(ext[0].Mode, ShouldEqual, ModeRaw)

		Convey("later overwrites stay in place", func() {
			patch := pattern(512, 77)
			So(h.Overwrite(c, 512, patch, OverwriteOptions{}), ShouldBeNil)
			So(h.DeviceExtents(), ShouldResemble, ext)
			So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(2048))
			got, err := readAll(c, h)
			So(err, ShouldBeNil)
			want := append([]byte(nil), buf...)
			copy(want[512:], patch)
			So(got, ShouldResemble, want)
		})

		Convey("allocations fill only the gaps", func() {
			big := pattern(4096, 5)
			So(h.Overwrite(c, 0, big, OverwriteOptions{AllowAllocations: true}), ShouldBeNil)
			So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(4096))
			after := h.DeviceExtents()
			So(len(after), ShouldEqual, 2)
			So(after[0], ShouldResemble, ext[0])
			got, err := readAll(c, h)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, big)
		})
	})

	Convey("overwrite refuses cow extents and unaligned input", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 0, pattern(1024, 1))
		So(err, ShouldBeNil)
		err = h.Overwrite(c, 0, pattern(512, 2), OverwriteOptions{})
		So(core.Is(err, core.ERR_INCONSISTENT), ShouldBeTrue)
		err = h.Overwrite(c, 10, pattern(512, 2), OverwriteOptions{})
		So(core.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
		err = h.Overwrite(c, 0, pattern(100, 2), OverwriteOptions{})
		So(core.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
	})

	Convey("barrier on first write issues one barrier before the data", t, func() {
		s, dev, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Overwrite(c, 0, pattern(1024, 1), OverwriteOptions{AllowAllocations: true, BarrierOnFirstWrite: true}), ShouldBeNil)
		So(dev.Barriers(), ShouldEqual, int64(1))
		So(dev.BarrierWrites(), ShouldEqual, int64(1))
	})

	Convey("growing by overwrite zeroes the old tail", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Overwrite(c, 0, pattern(1024, 9), OverwriteOptions{AllowAllocations: true}), ShouldBeNil)
		So(h.Truncate(c, 700), ShouldBeNil)
		tail := pattern(512, 4)
		So(h.Overwrite(c, 1024, tail, OverwriteOptions{AllowAllocations: true}), ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(1536))
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got[:700], ShouldResemble, pattern(700, 9))
		So(got[700:1024], ShouldResemble, make([]byte, 324))
		So(got[1024:], ShouldResemble, tail)
	})
}

func TestMultiOverwrite(t *testing.T) {
	c := context.Background()
	Convey("bitmap bits flip until the extent becomes overwrite", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 4096}), ShouldBeNil)

		first := pattern(1024, 21)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		So(h.MultiOverwrite(c, txn, []core.Range{{Start: 0, End: 512}, {Start: 1024, End: 1536}}, first), ShouldBeNil)
		sums := txn.Checksums()
		So(len(sums), ShouldEqual, 2)
		So(sums[0].First, ShouldBeTrue)
		So(len(sums[0].Checksums), ShouldEqual, 1)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)

		r, ev, ok := h.Extent(0)
		So(ok, ShouldBeTrue)
		So(r, ShouldResemble, core.Range{Start: 0, End: 4096})
		So(ev.Mode.Kind, ShouldEqual, ModeOverwritePartial)
		So(ev.Mode.Bitmap.Count(), ShouldEqual, uint64(2))
		So(ev.Mode.Bitmap.Get(0), ShouldBeTrue)
		So(ev.Mode.Bitmap.Get(1), ShouldBeFalse)
		So(ev.Mode.Bitmap.Get(2), ShouldBeTrue)

		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got[:512], ShouldResemble, first[:512])
		So(got[512:1024], ShouldResemble, make([]byte, 512))
		So(got[1024:1536], ShouldResemble, first[512:])

		rest := pattern(3072, 33)
		txn, err = h.NewTransaction(c)
		So(err, ShouldBeNil)
		So(h.MultiOverwrite(c, txn, []core.Range{{Start: 512, End: 1024}, {Start: 1536, End: 4096}}, rest), ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)

		_, ev, ok = h.Extent(0)
		So(ok, ShouldBeTrue)
		So(ev.Mode.Kind, ShouldEqual, ModeOverwrite)
		So(ev.Mode.Bitmap, ShouldBeNil)

		Convey("rewriting written blocks is not a first write", func() {
			txn, err := h.NewTransaction(c)
			So(err, ShouldBeNil)
			So(h.MultiOverwrite(c, txn, []core.Range{{Start: 0, End: 512}}, pattern(512, 1)), ShouldBeNil)
			So(txn.Checksums()[0].First, ShouldBeFalse)
			_, err = txn.Commit(c)
			So(err, ShouldBeNil)
		})
	})

	Convey("two calls in one transaction keep both bits", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 2048}), ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		So(h.MultiOverwrite(c, txn, []core.Range{{Start: 0, End: 512}}, pattern(512, 1)), ShouldBeNil)
		So(h.MultiOverwrite(c, txn, []core.Range{{Start: 1536, End: 2048}}, pattern(512, 2)), ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)
		_, ev, _ := h.Extent(0)
		So(ev.Mode.Bitmap.Count(), ShouldEqual, uint64(2))
	})

	Convey("multi overwrite needs overwrite extents", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 0, pattern(1024, 1))
		So(err, ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		defer txn.Discard()
		err = h.MultiOverwrite(c, txn, []core.Range{{Start: 0, End: 512}}, pattern(512, 1))
		So(core.Is(err, core.ERR_INCONSISTENT), ShouldBeTrue)
		err = h.MultiOverwrite(c, txn, []core.Range{{Start: 2048, End: 2560}}, pattern(512, 1))
		So(core.Is(err, core.ERR_NOT_PREALLOCATED), ShouldBeTrue)
	})
}

func TestWriteRanges(t *testing.T) {
	c := context.Background()
	Convey("dirty ranges go in place where possible and cow elsewhere", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 2048}), ShouldBeNil)
		buf := pattern(4096, 8)
		So(h.WriteRanges(c, []core.Range{{Start: 0, End: 4096}}, buf, 4000), ShouldBeNil)
		So(h.GetSize(), ShouldEqual, uint64(4000))
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, buf[:4000])
		ext := h.DeviceExtents()
		So(len(ext), ShouldEqual, 2)
		So(ext[0].Mode, ShouldEqual, ModeOverwrite)
		So(ext[1].Mode, ShouldEqual, ModeCow)
	})
	Convey("plain writes over allocated blocks stay in place", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 2048}), ShouldBeNil)
		before := h.DeviceExtents()
		So(len(before), ShouldEqual, 1)

		_, err = h.WriteOrAppend(c, 100, []byte("abc"))
		So(err, ShouldBeNil)
		r, ev, ok := h.Extent(0)
		So(ok, ShouldBeTrue)
		So(r, ShouldResemble, core.Range{Start: 0, End: 2048})
		So(ev.Mode.Kind, ShouldEqual, ModeOverwritePartial)
		So(ev.Mode.Bitmap.Count(), ShouldEqual, uint64(1))

		data := pattern(2048, 5)
		_, err = h.WriteOrAppend(c, 0, data)
		So(err, ShouldBeNil)
		after := h.DeviceExtents()
		So(len(after), ShouldEqual, 1)
		So(after[0].Mode, ShouldEqual, ModeOverwrite)
		So(after[0].Device, ShouldResemble, before[0].Device)
		So(h.OverwriteRanges(), ShouldResemble, []core.Range{{Start: 0, End: 2048}})
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(2048))

		head := pattern(512, 6)
		So(h.WriteRanges(c, []core.Range{{Start: 0, End: 512}}, head, 0), ShouldBeNil)
		So(h.DeviceExtents()[0].Mode, ShouldEqual, ModeOverwrite)
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got[:512], ShouldResemble, head)
		So(got[512:], ShouldResemble, data[512:])
	})

	Convey("zeroed blocks leave the tracker and take cow writes", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.Allocate(c, core.Range{Start: 0, End: 2048}), ShouldBeNil)
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		So(h.Zero(c, txn, core.DEFAULT_DATA_ATTRIBUTE_ID, core.Range{Start: 512, End: 1024}), ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)
		So(h.OverwriteRanges(), ShouldResemble, []core.Range{{Start: 0, End: 512}, {Start: 1024, End: 2048}})

		data := pattern(1024, 3)
		_, err = h.WriteOrAppend(c, 256, data)
		So(err, ShouldBeNil)
		_, ev, ok := h.Extent(512)
		So(ok, ShouldBeTrue)
		So(ev.Mode.Kind, ShouldEqual, ModeCow)
		_, ev, ok = h.Extent(0)
		So(ok, ShouldBeTrue)
		So(ev.Mode.IsOverwrite(), ShouldBeTrue)
		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got[:256], ShouldResemble, make([]byte, 256))
		So(got[256:1280], ShouldResemble, data)
		So(got[1280:], ShouldResemble, make([]byte, 768))
	})
}
