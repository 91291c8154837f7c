package store

import (
	"bytes"
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/crypt"
	"github.com/orcastor/extentfs/device"
)

const testBS = 512

func newTestStore(t *testing.T, devSize uint64, mod func(*Options)) (*Store, *device.MemDevice, *bytes.Buffer) {
	t.Helper()
	dev := device.NewMemDevice(testBS, devSize)
	opts := DefaultOptions()
	if mod != nil {
		mod(&opts)
	}
	var journal bytes.Buffer
	s, err := New(context.Background(), dev, &journal, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, dev, &journal
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func readAll(c context.Context, h *DataObjectHandle) ([]byte, error) {
	buf := make([]byte, h.GetSize())
	n, err := h.Read(c, 0, buf)
	return buf[:n], err
}

func TestStoreCreate(t *testing.T) {
	c := context.Background()
	Convey("a new store has a graveyard root and no allocations", t, func() {
		s, _, journal := newTestStore(t, 1<<20, nil)
		_, ok := s.Index().Find(ObjectRecordKey(core.GRAVEYARD_OID))
		So(ok, ShouldBeTrue)
		So(s.Allocator().AllocatedBytes(), ShouldEqual, uint64(0))
		So(s.Journal().Seq(), ShouldEqual, uint64(1))
		So(journal.Len(), ShouldBeGreaterThan, 0)
	})

	Convey("created files get user object ids and open again from the cache", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		So(h.ObjectID(), ShouldBeGreaterThanOrEqualTo, core.FIRST_USER_OID)
		h2, err := s.OpenObject(c, h.ObjectID())
		So(err, ShouldBeNil)
		So(h2, ShouldEqual, h)
		So(h.GetSize(), ShouldEqual, uint64(0))
	})

	Convey("opening missing objects and directories fails", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		_, err := s.OpenObject(c, 99999)
		So(core.Is(err, core.ERR_NOT_FOUND), ShouldBeTrue)

		txn, err := s.NewTransaction(c)
		So(err, ShouldBeNil)
		oid, err := s.CreateDirectory(txn)
		So(err, ShouldBeNil)
		_, err = txn.Commit(c)
		So(err, ShouldBeNil)
		_, err = s.OpenObject(c, oid)
		So(core.Is(err, core.ERR_NOT_FILE), ShouldBeTrue)
	})

	Convey("encrypted files need a key manager", t, func() {
		s, _, _ := newTestStore(t, 1<<20, nil)
		_, err := s.CreateFile(c, 7)
		So(core.Is(err, core.ERR_NOT_SUPPORTED), ShouldBeTrue)
	})
}

func TestStoreReopen(t *testing.T) {
	c := context.Background()
	Convey("replaying the journal rebuilds files and allocations", t, func() {
		s, dev, journal := newTestStore(t, 1<<20, nil)
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		data := pattern(3000, 1)
		_, err = h.WriteOrAppend(c, 0, data)
		So(err, ShouldBeNil)
		So(h.Truncate(c, 1200), ShouldBeNil)
		allocated := s.Allocator().AllocatedBytes()

		var next bytes.Buffer
		s2, err := Open(c, dev, bytes.NewReader(journal.Bytes()), &next, DefaultOptions())
		So(err, ShouldBeNil)
		So(s2.Allocator().AllocatedBytes(), ShouldEqual, allocated)
		So(s2.Journal().Seq(), ShouldEqual, s.Journal().Seq())
		h2, err := s2.OpenObject(c, h.ObjectID())
		So(err, ShouldBeNil)
		So(h2.GetSize(), ShouldEqual, uint64(1200))
		got, err := readAll(c, h2)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, data[:1200])
	})

	Convey("an empty journal is not a store", t, func() {
		_, err := Open(c, device.NewMemDevice(testBS, 1<<20), bytes.NewReader(nil), &bytes.Buffer{}, DefaultOptions())
		So(core.Is(err, core.ERR_NOT_FOUND), ShouldBeTrue)
	})
}

func TestEncryptedFile(t *testing.T) {
	c := context.Background()
	Convey("encrypted data round trips and is not stored in the clear", t, func() {
		keys := crypt.NewStaticKeys()
		So(keys.Add(5, bytes.Repeat([]byte{0x42}, 32)), ShouldBeNil)
		s, dev, _ := newTestStore(t, 1<<20, func(o *Options) { o.Keys = keys })
		h, err := s.CreateFile(c, 5)
		So(err, ShouldBeNil)
		data := bytes.Repeat([]byte("secret"), 200)
		_, err = h.WriteOrAppend(c, 0, data)
		So(err, ShouldBeNil)

		got, err := readAll(c, h)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, data)

		ext := h.DeviceExtents()
		So(len(ext), ShouldEqual, 1)
		raw := make([]byte, ext[0].Device.Len())
		So(dev.ReadAt(c, ext[0].Device.Start, raw), ShouldBeNil)
		So(bytes.Contains(raw, []byte("secretsecret")), ShouldBeFalse)

		props, err := h.GetProperties()
		So(err, ShouldBeNil)
		So(props.Encrypted, ShouldBeTrue)

		r := core.Range{Start: 0, End: 4096}
		txn, err := h.NewTransaction(c)
		So(err, ShouldBeNil)
		defer txn.Discard()
		_, err = h.PreallocateRange(c, txn, &r)
		So(core.Is(err, core.ERR_NOT_SUPPORTED), ShouldBeTrue)
	})
}

func TestChecksumVerification(t *testing.T) {
	c := context.Background()
	Convey("with checksum verification on, a corrupted cow block fails to read", t, func() {
		s, dev, _ := newTestStore(t, 1<<20, func(o *Options) { o.VerifyChecksums = true })
		h, err := s.CreateFile(c, 0)
		So(err, ShouldBeNil)
		_, err = h.WriteOrAppend(c, 0, pattern(1024, 3))
		So(err, ShouldBeNil)
		_, err = readAll(c, h)
		So(err, ShouldBeNil)

		dev.Corrupt(h.DeviceExtents()[0].Device.Start + 700)
		_, err = readAll(c, h)
		So(core.Is(err, core.ERR_INCONSISTENT), ShouldBeTrue)
	})
}
