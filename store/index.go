package store

import (
	"sort"
	"sync"

	"github.com/orcastor/extentfs/core"
)

type layer struct {
	items []Item // sorted, may hold NoneValue tombstones
}

// Index is the ordered object/extent tree: one mutable layer on top of
// sealed immutable layers. Reads go through a merged view that is replaced,
// never modified, so a Cursor keeps a stable snapshot.
type Index struct {
	mu        sync.RWMutex
	bs        uint64
	mutable   *layer
	immutable []*layer // newest first
	view      []Item
}

func NewIndex(blockSize uint64) *Index {
	return &Index{bs: blockSize, mutable: &layer{}}
}

func search(items []Item, key ObjectKey) int {
	return sort.Search(len(items), func(i int) bool {
		return CompareKeys(items[i].Key, key) >= 0
	})
}

// putItem returns a copy of items with it placed at its key, or with the
// key removed when drop is set.
func putItem(items []Item, it Item, drop bool) []Item {
	i := search(items, it.Key)
	found := i < len(items) && CompareKeys(items[i].Key, it.Key) == 0
	if drop {
		if !found {
			return items
		}
		out := make([]Item, 0, len(items)-1)
		out = append(out, items[:i]...)
		return append(out, items[i+1:]...)
	}
	if found {
		out := make([]Item, len(items))
		copy(out, items)
		out[i] = it
		return out
	}
	out := make([]Item, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, it)
	return append(out, items[i:]...)
}

func (ix *Index) put(key ObjectKey, v ObjectValue) {
	ix.mutable.items = putItem(ix.mutable.items, Item{Key: key, Value: v}, false)
	_, none := v.(NoneValue)
	ix.view = putItem(ix.view, Item{Key: key, Value: v}, none)
}

// Cursor walks a snapshot of the merged view in key order.
type Cursor struct {
	items []Item
	pos   int
}

// Get returns the current item, nil once the cursor is exhausted.
func (c *Cursor) Get() *Item {
	if c.pos >= len(c.items) {
		return nil
	}
	return &c.items[c.pos]
}

func (c *Cursor) Advance() { c.pos++ }

// Query positions a cursor on the first item whose key is >= key.
func (ix *Index) Query(key ObjectKey) *Cursor {
	ix.mu.RLock()
	v := ix.view
	ix.mu.RUnlock()
	return &Cursor{items: v, pos: search(v, key)}
}

func (ix *Index) Find(key ObjectKey) (ObjectValue, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i := search(ix.view, key)
	if i < len(ix.view) && CompareKeys(ix.view[i].Key, key) == 0 {
		return ix.view[i].Value, true
	}
	return nil, false
}

// Apply applies a batch atomically: on error nothing of the batch is visible.
func (ix *Index) Apply(muts []*ObjectStoreMutation) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	savedM, savedV := ix.mutable.items, ix.view
	for _, m := range muts {
		if err := ix.applyOne(m); err != nil {
			ix.mutable.items, ix.view = savedM, savedV
			return err
		}
	}
	return nil
}

func (ix *Index) applyOne(m *ObjectStoreMutation) error {
	if m.Key.Kind != KeyExtent {
		ix.put(m.Key, m.Value)
		return nil
	}
	ev, ok := m.Value.(ExtentValue)
	if !ok {
		return core.Errorf(core.ERR_INCONSISTENT, "extent key %v with value %T", m.Key, m.Value)
	}
	return ix.paint(m.Key, ev)
}

// paint writes v over key.Range, splitting any extent it partially covers.
func (ix *Index) paint(key ObjectKey, v ExtentValue) error {
	r := key.Range
	if r.Empty() || !r.IsAligned(ix.bs) {
		return core.Errorf(core.ERR_INCONSISTENT, "bad extent range %v", r)
	}
	i := search(ix.view, ExtentSearchKey(key.ObjectID, key.AttributeID, r.Start))
	var overlapped []Item
	for ; i < len(ix.view); i++ {
		it := ix.view[i]
		if !it.Key.IsExtentOf(key.ObjectID, key.AttributeID) || it.Key.Range.Start >= r.End {
			break
		}
		overlapped = append(overlapped, it)
	}
	for _, it := range overlapped {
		if err := checkTransition(it.Value.(ExtentValue), it.Key.Range, v, r, ix.bs); err != nil {
			return err
		}
	}
	for _, it := range overlapped {
		old, or := it.Value.(ExtentValue), it.Key.Range
		ix.put(it.Key, NoneValue{})
		if or.Start < r.Start {
			ix.put(ExtentKey(key.ObjectID, key.AttributeID, core.Range{Start: or.Start, End: r.Start}),
				old.Slice(0, r.Start-or.Start, ix.bs))
		}
		if or.End > r.End {
			ix.put(ExtentKey(key.ObjectID, key.AttributeID, core.Range{Start: r.End, End: or.End}),
				old.Slice(r.End-or.Start, or.End-r.End, ix.bs))
		}
	}
	ix.put(key, v)
	return nil
}

// checkTransition rejects mode changes of blocks that stay at the same
// device location other than Raw|Cow -> Overwrite|OverwritePartial and
// OverwritePartial -> (more bits) -> Overwrite.
func checkTransition(old ExtentValue, or core.Range, nv ExtentValue, nr core.Range, bs uint64) error {
	if !old.Present || !nv.Present {
		return nil
	}
	ov := or.Intersect(nr)
	if ov.Empty() {
		return nil
	}
	if old.DeviceOffset+(ov.Start-or.Start) != nv.DeviceOffset+(ov.Start-nr.Start) {
		return nil
	}
	om := old.Slice(ov.Start-or.Start, ov.Len(), bs).Mode
	nm := nv.Slice(ov.Start-nr.Start, ov.Len(), bs).Mode
	switch om.Kind {
	case ModeRaw, ModeCow:
		if nm.IsOverwrite() || (om.Kind == ModeRaw && nm.Kind == ModeRaw) {
			return nil
		}
	case ModeOverwritePartial:
		if nm.Kind == ModeOverwrite || (nm.Kind == ModeOverwritePartial && nm.Bitmap.Covers(om.Bitmap)) {
			return nil
		}
	case ModeOverwrite:
		if nm.Kind == ModeOverwrite {
			return nil
		}
	}
	return core.Errorf(core.ERR_INCONSISTENT, "illegal extent mode transition %v -> %v at %v", om.Kind, nm.Kind, ov)
}

func mergeLayers(layers []*layer, dropDeleted bool) []Item {
	pos := make([]int, len(layers))
	var out []Item
	for {
		best := -1
		for li, l := range layers {
			if pos[li] >= len(l.items) {
				continue
			}
			if best < 0 || CompareKeys(l.items[pos[li]].Key, layers[best].items[pos[best]].Key) < 0 {
				best = li
			}
		}
		if best < 0 {
			return out
		}
		// 相同key取最新一层
		it := layers[best].items[pos[best]]
		for li, l := range layers {
			if pos[li] < len(l.items) && CompareKeys(l.items[pos[li]].Key, it.Key) == 0 {
				pos[li]++
			}
		}
		if _, none := it.Value.(NoneValue); none {
			continue
		}
		if ev, ok := it.Value.(ExtentValue); ok && dropDeleted && !ev.Present {
			continue
		}
		out = append(out, it)
	}
}

func (ix *Index) layers() []*layer {
	return append([]*layer{ix.mutable}, ix.immutable...)
}

// Seal freezes the mutable layer and starts a new one.
func (ix *Index) Seal() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.mutable.items) == 0 {
		return
	}
	ix.immutable = append([]*layer{ix.mutable}, ix.immutable...)
	ix.mutable = &layer{}
	ix.view = mergeLayers(ix.layers(), false)
}

// Compact merges every layer into one, dropping tombstones and deleted extents.
func (ix *Index) Compact() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	merged := mergeLayers(ix.layers(), true)
	ix.immutable = []*layer{{items: merged}}
	ix.mutable = &layer{}
	ix.view = merged
}

func (ix *Index) LayerCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.immutable) + 1
}

// ObjectItems returns every live record of an object.
func (ix *Index) ObjectItems(oid uint64) []Item {
	var out []Item
	c := ix.Query(ObjectRecordKey(oid))
	for it := c.Get(); it != nil && it.Key.ObjectID == oid; it = c.Get() {
		out = append(out, *it)
		c.Advance()
	}
	return out
}
