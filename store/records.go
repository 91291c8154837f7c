package store

import (
	"fmt"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/verity"
)

type KeyKind uint8

const (
	KeyObject KeyKind = iota
	KeyAttribute
	KeyExtent
	KeyGraveyardEntry
	KeyGraveyardAttributeEntry
)

// ObjectKey orders records by object, then attribute, then kind. Extents of
// one attribute sort by the end of their range, so a query for the first
// extent ending past an offset finds the extent containing it.
type ObjectKey struct {
	ObjectID    uint64     `cbor:"1,keyasint"`
	AttributeID uint64     `cbor:"2,keyasint"`
	Kind        KeyKind    `cbor:"3,keyasint"`
	Range       core.Range `cbor:"4,keyasint"`
	Target      uint64     `cbor:"5,keyasint"`
}

func ObjectRecordKey(oid uint64) ObjectKey {
	return ObjectKey{ObjectID: oid, Kind: KeyObject}
}

func AttributeKey(oid, attr uint64) ObjectKey {
	return ObjectKey{ObjectID: oid, AttributeID: attr, Kind: KeyAttribute}
}

func ExtentKey(oid, attr uint64, r core.Range) ObjectKey {
	return ObjectKey{ObjectID: oid, AttributeID: attr, Kind: KeyExtent, Range: r}
}

// ExtentSearchKey sorts just before the first extent that ends after off.
func ExtentSearchKey(oid, attr, off uint64) ObjectKey {
	return ObjectKey{ObjectID: oid, AttributeID: attr, Kind: KeyExtent, Range: core.Range{Start: 0, End: off + 1}}
}

func GraveyardEntryKey(oid, attr uint64) ObjectKey {
	return ObjectKey{ObjectID: core.GRAVEYARD_OID, AttributeID: attr, Kind: KeyGraveyardEntry, Target: oid}
}

func GraveyardAttributeEntryKey(oid, attr uint64) ObjectKey {
	return ObjectKey{ObjectID: core.GRAVEYARD_OID, AttributeID: attr, Kind: KeyGraveyardAttributeEntry, Target: oid}
}

func (k ObjectKey) IsExtentOf(oid, attr uint64) bool {
	return k.Kind == KeyExtent && k.ObjectID == oid && k.AttributeID == attr
}

func (k ObjectKey) String() string {
	switch k.Kind {
	case KeyObject:
		return fmt.Sprintf("object(%d)", k.ObjectID)
	case KeyAttribute:
		return fmt.Sprintf("attr(%d/%d)", k.ObjectID, k.AttributeID)
	case KeyExtent:
		return fmt.Sprintf("extent(%d/%d %v)", k.ObjectID, k.AttributeID, k.Range)
	}
	return fmt.Sprintf("graveyard(%d %d/%d)", k.Kind, k.Target, k.AttributeID)
}

func cmpU64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// CompareKeys returns -1, 0 or 1.
func CompareKeys(a, b ObjectKey) int {
	if c := cmpU64(a.ObjectID, b.ObjectID); c != 0 {
		return c
	}
	if c := cmpU64(a.AttributeID, b.AttributeID); c != 0 {
		return c
	}
	if c := cmpU64(uint64(a.Kind), uint64(b.Kind)); c != 0 {
		return c
	}
	if c := cmpU64(a.Range.End, b.Range.End); c != 0 {
		return c
	}
	if c := cmpU64(a.Range.Start, b.Range.Start); c != 0 {
		return c
	}
	return cmpU64(a.Target, b.Target)
}

// ObjectValue is the closed set of values stored in the index.
type ObjectValue interface {
	isObjectValue()
}

// NoneValue deletes a non-extent record.
type NoneValue struct{}

type ObjectKind uint8

const (
	ObjectFile ObjectKind = iota + 1
	ObjectDirectory
)

type ObjectRecordValue struct {
	Kind          ObjectKind `cbor:"1,keyasint"`
	Refs          uint64     `cbor:"2,keyasint"`
	AllocatedSize uint64     `cbor:"3,keyasint"`
	CreationTime  int64      `cbor:"4,keyasint"`
	ModifyTime    int64      `cbor:"5,keyasint"`
	KeyID         uint64     `cbor:"6,keyasint"` // 0表示不加密
}

type AttributeValue struct {
	Size                uint64 `cbor:"1,keyasint"`
	HasOverwriteExtents bool   `cbor:"2,keyasint"`
}

// VerifiedAttributeValue replaces AttributeValue once fsverity is enabled.
type VerifiedAttributeValue struct {
	Size       uint64             `cbor:"1,keyasint"`
	Descriptor *verity.Descriptor `cbor:"2,keyasint"`
}

type GraveyardValue struct {
	Trim bool `cbor:"1,keyasint"`
}

type ModeKind uint8

const (
	ModeRaw ModeKind = iota
	ModeCow
	ModeOverwrite
	ModeOverwritePartial
)

func (k ModeKind) String() string {
	switch k {
	case ModeRaw:
		return "raw"
	case ModeCow:
		return "cow"
	case ModeOverwrite:
		return "overwrite"
	case ModeOverwritePartial:
		return "overwrite-partial"
	}
	return "unknown"
}

// ExtentMode is Raw, Cow(Checksums), Overwrite or OverwritePartial(Bitmap).
type ExtentMode struct {
	Kind      ModeKind `cbor:"1,keyasint"`
	Checksums []uint64 `cbor:"2,keyasint,omitempty"`
	Bitmap    *Bitmap  `cbor:"3,keyasint,omitempty"`
}

func (m ExtentMode) IsOverwrite() bool {
	return m.Kind == ModeOverwrite || m.Kind == ModeOverwritePartial
}

// ExtentValue with Present false is a deleted extent: a hole with no backing.
type ExtentValue struct {
	Present      bool       `cbor:"1,keyasint"`
	DeviceOffset uint64     `cbor:"2,keyasint"`
	Mode         ExtentMode `cbor:"3,keyasint"`
	KeyID        uint64     `cbor:"4,keyasint"`
}

func (NoneValue) isObjectValue()              {}
func (ObjectRecordValue) isObjectValue()      {}
func (AttributeValue) isObjectValue()         {}
func (VerifiedAttributeValue) isObjectValue() {}
func (GraveyardValue) isObjectValue()         {}
func (ExtentValue) isObjectValue()            {}

func NewRawExtent(dev, keyID uint64) ExtentValue {
	return ExtentValue{Present: true, DeviceOffset: dev, Mode: ExtentMode{Kind: ModeRaw}, KeyID: keyID}
}

func NewCowExtent(dev uint64, checksums []uint64, keyID uint64) ExtentValue {
	return ExtentValue{Present: true, DeviceOffset: dev, Mode: ExtentMode{Kind: ModeCow, Checksums: checksums}, KeyID: keyID}
}

// NewInitializedOverwriteExtent marks every block as written.
func NewInitializedOverwriteExtent(dev, keyID uint64) ExtentValue {
	return ExtentValue{Present: true, DeviceOffset: dev, Mode: ExtentMode{Kind: ModeOverwrite}, KeyID: keyID}
}

// NewBlankOverwriteExtent is an OverwritePartial extent with no block written.
func NewBlankOverwriteExtent(dev, blocks, keyID uint64) ExtentValue {
	return ExtentValue{Present: true, DeviceOffset: dev, Mode: ExtentMode{Kind: ModeOverwritePartial, Bitmap: NewBitmap(blocks)}, KeyID: keyID}
}

func DeletedExtent() ExtentValue { return ExtentValue{} }

// Slice returns the value for the sub range [delta, delta+n) of an extent.
func (v ExtentValue) Slice(delta, n, bs uint64) ExtentValue {
	if !v.Present {
		return v
	}
	out := v
	out.DeviceOffset += delta
	switch v.Mode.Kind {
	case ModeCow:
		if len(v.Mode.Checksums) > 0 {
			s, e := delta/bs, (delta+n)/bs
			if e <= uint64(len(v.Mode.Checksums)) {
				out.Mode.Checksums = append([]uint64(nil), v.Mode.Checksums[s:e]...)
			} else {
				out.Mode.Checksums = nil
			}
		}
	case ModeOverwritePartial:
		out.Mode.Bitmap = v.Mode.Bitmap.Slice(delta/bs, (delta+n)/bs)
		if out.Mode.Bitmap.All() {
			out.Mode = ExtentMode{Kind: ModeOverwrite}
		}
	}
	return out
}

// Item is a key and its value as seen through the index.
type Item struct {
	Key   ObjectKey
	Value ObjectValue
}

type MutationOp uint8

const (
	OpInsert MutationOp = iota
	OpReplaceOrInsert
	OpMerge
)

type ObjectStoreMutation struct {
	Key   ObjectKey
	Value ObjectValue
	Op    MutationOp
}

type AllocatorOp uint8

const (
	AllocatorAllocate AllocatorOp = iota + 1
	AllocatorDeallocate
)

type AllocatorMutation struct {
	Op    AllocatorOp `cbor:"1,keyasint"`
	Owner uint64      `cbor:"2,keyasint"`
	Range core.Range  `cbor:"3,keyasint"`
}

// Mutation is exactly one of an index change or an allocator change.
type Mutation struct {
	Store *ObjectStoreMutation
	Alloc *AllocatorMutation
}

func ReplaceOrInsert(key ObjectKey, v ObjectValue) Mutation {
	return Mutation{Store: &ObjectStoreMutation{Key: key, Value: v, Op: OpReplaceOrInsert}}
}

func Insert(key ObjectKey, v ObjectValue) Mutation {
	return Mutation{Store: &ObjectStoreMutation{Key: key, Value: v, Op: OpInsert}}
}

func MergeExtent(oid, attr uint64, r core.Range, v ExtentValue) Mutation {
	return Mutation{Store: &ObjectStoreMutation{Key: ExtentKey(oid, attr, r), Value: v, Op: OpMerge}}
}
