package store

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/extentfs/core"
)

func journalWith(t *testing.T, n int) (*bytes.Buffer, []int) {
	var buf bytes.Buffer
	j, err := NewJournal(&buf, 3, 0)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	var ends []int
	for i := 0; i < n; i++ {
		_, err := j.Append([]Mutation{
			ReplaceOrInsert(AttributeKey(9, 0), AttributeValue{Size: uint64(i + 1)}),
			MergeExtent(9, 0, core.Range{Start: 0, End: 512}, NewRawExtent(uint64(i)*512, 0)),
			{Alloc: &AllocatorMutation{Op: AllocatorAllocate, Owner: 1, Range: core.Range{Start: uint64(i) * 512, End: uint64(i+1) * 512}}},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ends = append(ends, buf.Len())
	}
	return &buf, ends
}

func TestJournal(t *testing.T) {
	Convey("records replay in order", t, func() {
		buf, _ := journalWith(t, 3)
		var seqs []uint64
		var last []Mutation
		n, err := Replay(bytes.NewReader(buf.Bytes()), func(seq uint64, muts []Mutation) error {
			seqs = append(seqs, seq)
			last = muts
			return nil
		})
		So(err, ShouldBeNil)
		So(n, ShouldEqual, uint64(3))
		So(seqs, ShouldResemble, []uint64{1, 2, 3})
		So(len(last), ShouldEqual, 3)
		So(last[0].Store.Value, ShouldResemble, AttributeValue{Size: 3})
		So(last[1].Store.Key.Range, ShouldResemble, core.Range{Start: 0, End: 512})
		So(last[1].Store.Value.(ExtentValue).DeviceOffset, ShouldEqual, uint64(1024))
		So(last[2].Alloc.Range.Start, ShouldEqual, uint64(1024))
	})

	Convey("a torn tail ends replay at the last whole record", t, func() {
		buf, ends := journalWith(t, 2)
		torn := buf.Bytes()[:buf.Len()-3]
		n, err := Replay(bytes.NewReader(torn), func(uint64, []Mutation) error { return nil })
		So(err, ShouldBeNil)
		So(n, ShouldEqual, uint64(1))

		n, err = Replay(bytes.NewReader(buf.Bytes()[:ends[0]+10]), func(uint64, []Mutation) error { return nil })
		So(err, ShouldBeNil)
		So(n, ShouldEqual, uint64(1))

		// last record complete but corrupt
		b := append([]byte(nil), buf.Bytes()...)
		b[len(b)-1] ^= 0xff
		n, err = Replay(bytes.NewReader(b), func(uint64, []Mutation) error { return nil })
		So(err, ShouldBeNil)
		So(n, ShouldEqual, uint64(1))
	})

	Convey("corruption before the tail is fatal", t, func() {
		buf, _ := journalWith(t, 2)
		b := append([]byte(nil), buf.Bytes()...)
		b[journalHeaderSize+1] ^= 0xff
		_, err := Replay(bytes.NewReader(b), func(uint64, []Mutation) error { return nil })
		So(core.Is(err, core.ERR_BAD_JOURNAL), ShouldBeTrue)
	})

	Convey("replay stops on a callback error", t, func() {
		buf, _ := journalWith(t, 2)
		n, err := Replay(bytes.NewReader(buf.Bytes()), func(seq uint64, _ []Mutation) error {
			if seq == 2 {
				return core.ERR_INCONSISTENT
			}
			return nil
		})
		So(core.Is(err, core.ERR_INCONSISTENT), ShouldBeTrue)
		So(n, ShouldEqual, uint64(1))
	})

	Convey("a journal continues numbering after replay", t, func() {
		var buf bytes.Buffer
		j, err := NewJournal(&buf, 0, 7)
		So(err, ShouldBeNil)
		seq, err := j.Append([]Mutation{ReplaceOrInsert(GraveyardEntryKey(9, 0), GraveyardValue{Trim: true})})
		So(err, ShouldBeNil)
		So(seq, ShouldEqual, uint64(8))
		So(j.Size(), ShouldEqual, int64(buf.Len()))
	})
}
