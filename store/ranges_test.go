package store

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/extentfs/core"
)

func rg(s, e uint64) core.Range { return core.Range{Start: s, End: e} }

func TestRangeTracker(t *testing.T) {
	Convey("applied ranges coalesce", t, func() {
		rt := NewRangeTracker()
		So(rt.IsEmpty(), ShouldBeTrue)
		rt.ApplyRange(rg(0, 512))
		rt.ApplyRange(rg(2048, 4096))
		rt.ApplyRange(rg(512, 1024))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 1024), rg(2048, 4096)})
		rt.ApplyRange(rg(1024, 2048))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 4096)})
		rt.ApplyRange(rg(100, 200))
		rt.ApplyRange(rg(0, 0))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 4096)})
	})

	Convey("truncate keeps the block holding the new size", t, func() {
		rt := NewRangeTracker()
		rt.ApplyRange(rg(0, 1024))
		rt.ApplyRange(rg(2048, 4096))
		So(rt.Truncate(2100, testBS), ShouldBeTrue)
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 1024), rg(2048, 2560)})
		So(rt.Truncate(1024, testBS), ShouldBeTrue)
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 1024)})
		So(rt.Truncate(0, testBS), ShouldBeFalse)
		So(rt.IsEmpty(), ShouldBeTrue)
	})

	Convey("removed ranges split what they land inside", t, func() {
		rt := NewRangeTracker()
		rt.ApplyRange(rg(0, 4096))
		rt.RemoveRange(rg(1024, 2048))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 1024), rg(2048, 4096)})
		rt.RemoveRange(rg(512, 3072))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 512), rg(3072, 4096)})
		rt.RemoveRange(rg(8192, 9216))
		rt.RemoveRange(rg(0, 0))
		So(rt.Ranges(), ShouldResemble, []core.Range{rg(0, 512), rg(3072, 4096)})
		rt.RemoveRange(rg(0, 4096))
		So(rt.IsEmpty(), ShouldBeTrue)
	})

	Convey("split separates overwrite and cow parts", t, func() {
		rt := NewRangeTracker()
		rt.ApplyRange(rg(1024, 2048))
		rt.ApplyRange(rg(3072, 4096))

		ow, cow := rt.Split(rg(512, 3584))
		So(ow, ShouldResemble, []core.Range{rg(1024, 2048), rg(3072, 3584)})
		So(cow, ShouldResemble, []core.Range{rg(512, 1024), rg(2048, 3072)})

		ow, cow = rt.Split(rg(4096, 8192))
		So(ow, ShouldBeNil)
		So(cow, ShouldResemble, []core.Range{rg(4096, 8192)})

		rt.Clear()
		ow, cow = rt.Split(rg(0, 512))
		So(ow, ShouldBeNil)
		So(cow, ShouldResemble, []core.Range{rg(0, 512)})
	})
}

func TestBitmap(t *testing.T) {
	Convey("bitmap slices and coverage", t, func() {
		b := NewBitmap(8)
		b.SetRange(2, 5)
		b.Set(7)
		So(b.Count(), ShouldEqual, uint64(4))
		So(b.Get(4), ShouldBeTrue)
		So(b.Get(5), ShouldBeFalse)
		So(b.All(), ShouldBeFalse)

		s := b.Slice(2, 5)
		So(s.Len, ShouldEqual, uint64(3))
		So(s.All(), ShouldBeTrue)

		c := b.Clone()
		c.Set(0)
		So(c.Covers(b), ShouldBeTrue)
		So(b.Covers(c), ShouldBeFalse)
		So(b.Get(0), ShouldBeFalse)
	})
}
