package store

import "github.com/orcastor/extentfs/core"

// AddToGraveyard records that (oid, attr) still has extents past its size
// that must be trimmed.
func (s *Store) AddToGraveyard(txn *Transaction, oid, attr uint64) {
	txn.Add(ReplaceOrInsert(GraveyardEntryKey(oid, attr), GraveyardValue{Trim: true}))
}

func (s *Store) RemoveFromGraveyard(txn *Transaction, oid, attr uint64) {
	txn.Add(ReplaceOrInsert(GraveyardEntryKey(oid, attr), NoneValue{}))
}

// AddAttributeToGraveyard records that (oid, attr) is half written and must
// be discarded if the operation writing it does not finish.
func (s *Store) AddAttributeToGraveyard(txn *Transaction, oid, attr uint64) {
	txn.Add(ReplaceOrInsert(GraveyardAttributeEntryKey(oid, attr), GraveyardValue{}))
}

func (s *Store) RemoveAttributeFromGraveyard(txn *Transaction, oid, attr uint64) {
	txn.Add(ReplaceOrInsert(GraveyardAttributeEntryKey(oid, attr), NoneValue{}))
}

func (s *Store) HasGraveyardEntry(oid, attr uint64) bool {
	_, ok := s.index.Find(GraveyardEntryKey(oid, attr))
	return ok
}

func (s *Store) HasGraveyardAttributeEntry(oid, attr uint64) bool {
	_, ok := s.index.Find(GraveyardAttributeEntryKey(oid, attr))
	return ok
}

// GraveyardEntries lists the pending graveyard records.
func (s *Store) GraveyardEntries() []Item {
	var out []Item
	for _, it := range s.index.ObjectItems(core.GRAVEYARD_OID) {
		if it.Key.Kind == KeyGraveyardEntry || it.Key.Kind == KeyGraveyardAttributeEntry {
			out = append(out, it)
		}
	}
	return out
}

// FlushGraveyard drains every graveyard entry. Concurrent callers share one
// flush.
func (s *Store) FlushGraveyard(c core.Ctx) error {
	_, err, _ := s.sf.Do("graveyard", func() (interface{}, error) {
		return nil, s.flushGraveyard(c)
	})
	return err
}

func (s *Store) flushGraveyard(c core.Ctx) error {
	for _, it := range s.GraveyardEntries() {
		oid, attr := it.Key.Target, it.Key.AttributeID
		all := it.Key.Kind == KeyGraveyardAttributeEntry
		if err := s.trimAttribute(c, oid, attr, all); err != nil {
			return core.Wrapf(err, "graveyard %v", it.Key)
		}
		core.DebugLog("graveyard: reaped %v", it.Key)
	}
	return nil
}

// trimAttribute trims (oid, attr) to its size, or removes it entirely, then
// drops the graveyard entry.
func (s *Store) trimAttribute(c core.Ctx, oid, attr uint64, all bool) error {
	txn, err := s.NewTransaction(c, s.lockKey(oid, attr))
	if err != nil {
		return err
	}
	defer txn.Discard()
	for {
		mode := TrimAll()
		if !all {
			size, err := s.attributeSize(nil, oid, attr)
			if err != nil && !core.Is(err, core.ERR_NOT_FOUND) {
				return err
			}
			mode = TrimFromOffset(size)
		}
		res, err := s.TrimSome(c, txn, oid, attr, mode)
		if err != nil {
			return err
		}
		if res == TrimDone {
			break
		}
		if err := txn.CommitAndContinue(c); err != nil {
			return err
		}
	}
	if all {
		s.RemoveAttributeFromGraveyard(txn, oid, attr)
	} else {
		s.RemoveFromGraveyard(txn, oid, attr)
	}
	_, err = txn.Commit(c)
	return err
}

// attributeSize reads the size of (oid, attr), staged value first.
func (s *Store) attributeSize(txn *Transaction, oid, attr uint64) (uint64, error) {
	v, ok := s.stagedOrCommitted(txn, AttributeKey(oid, attr))
	if !ok {
		return 0, core.Errorf(core.ERR_NOT_FOUND, "attribute %d/%d", oid, attr)
	}
	switch x := v.(type) {
	case AttributeValue:
		return x.Size, nil
	case VerifiedAttributeValue:
		return x.Size, nil
	}
	return 0, core.Errorf(core.ERR_INCONSISTENT, "unexpected object value %T", v)
}
