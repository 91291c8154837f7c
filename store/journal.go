package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/orcastor/extentfs/core"
)

// 每条记录：32字节头(时间戳、序号、负载长度、xxh3校验) + zstd压缩的cbor负载
const (
	journalHeaderSize = 32
	maxJournalRecord  = 64 << 20
)

type valueType uint8

const (
	valueNone valueType = iota
	valueObject
	valueAttribute
	valueVerifiedAttribute
	valueExtent
	valueGraveyard
)

type wireValue struct {
	Type      valueType               `cbor:"1,keyasint"`
	Object    *ObjectRecordValue      `cbor:"2,keyasint,omitempty"`
	Attribute *AttributeValue         `cbor:"3,keyasint,omitempty"`
	Verified  *VerifiedAttributeValue `cbor:"4,keyasint,omitempty"`
	Extent    *ExtentValue            `cbor:"5,keyasint,omitempty"`
	Graveyard *GraveyardValue         `cbor:"6,keyasint,omitempty"`
}

type wireMutation struct {
	Alloc *AllocatorMutation `cbor:"1,keyasint,omitempty"`
	Key   *ObjectKey         `cbor:"2,keyasint,omitempty"`
	Op    MutationOp         `cbor:"3,keyasint"`
	Value *wireValue         `cbor:"4,keyasint,omitempty"`
}

type journalRecord struct {
	Mutations []wireMutation `cbor:"1,keyasint"`
}

func toWireValue(v ObjectValue) (*wireValue, error) {
	switch x := v.(type) {
	case NoneValue:
		return &wireValue{Type: valueNone}, nil
	case ObjectRecordValue:
		return &wireValue{Type: valueObject, Object: &x}, nil
	case AttributeValue:
		return &wireValue{Type: valueAttribute, Attribute: &x}, nil
	case VerifiedAttributeValue:
		return &wireValue{Type: valueVerifiedAttribute, Verified: &x}, nil
	case ExtentValue:
		return &wireValue{Type: valueExtent, Extent: &x}, nil
	case GraveyardValue:
		return &wireValue{Type: valueGraveyard, Graveyard: &x}, nil
	}
	return nil, core.Errorf(core.ERR_INVALID_ARGS, "unknown value %T", v)
}

func fromWireValue(w *wireValue) (ObjectValue, error) {
	switch {
	case w.Type == valueNone:
		return NoneValue{}, nil
	case w.Type == valueObject && w.Object != nil:
		return *w.Object, nil
	case w.Type == valueAttribute && w.Attribute != nil:
		return *w.Attribute, nil
	case w.Type == valueVerifiedAttribute && w.Verified != nil:
		return *w.Verified, nil
	case w.Type == valueExtent && w.Extent != nil:
		return *w.Extent, nil
	case w.Type == valueGraveyard && w.Graveyard != nil:
		return *w.Graveyard, nil
	}
	return nil, core.Errorf(core.ERR_BAD_JOURNAL, "bad value type %d", w.Type)
}

func encodeMutations(muts []Mutation) ([]byte, error) {
	rec := journalRecord{Mutations: make([]wireMutation, 0, len(muts))}
	for _, m := range muts {
		if m.Alloc != nil {
			rec.Mutations = append(rec.Mutations, wireMutation{Alloc: m.Alloc})
			continue
		}
		wv, err := toWireValue(m.Store.Value)
		if err != nil {
			return nil, err
		}
		key := m.Store.Key
		rec.Mutations = append(rec.Mutations, wireMutation{Key: &key, Op: m.Store.Op, Value: wv})
	}
	return cbor.Marshal(&rec)
}

func decodeMutations(b []byte) ([]Mutation, error) {
	var rec journalRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(core.ERR_BAD_JOURNAL, err.Error())
	}
	out := make([]Mutation, 0, len(rec.Mutations))
	for _, wm := range rec.Mutations {
		if wm.Alloc != nil {
			out = append(out, Mutation{Alloc: wm.Alloc})
			continue
		}
		if wm.Key == nil || wm.Value == nil {
			return nil, core.Errorf(core.ERR_BAD_JOURNAL, "mutation without key or value")
		}
		v, err := fromWireValue(wm.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Mutation{Store: &ObjectStoreMutation{Key: *wm.Key, Value: v, Op: wm.Op}})
	}
	return out, nil
}

// Journal appends committed transactions to w.
type Journal struct {
	mu   sync.Mutex
	w    io.Writer
	enc  *zstd.Encoder
	seq  uint64
	size int64
}

func NewJournal(w io.Writer, level int, seq uint64) (*Journal, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Wrap(err, "journal encoder")
	}
	return &Journal{w: w, enc: enc, seq: seq}, nil
}

// Append writes one record and returns its sequence number.
func (j *Journal) Append(muts []Mutation) (uint64, error) {
	payload, err := encodeMutations(muts)
	if err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	data := j.enc.EncodeAll(payload, nil)

	seq := j.seq + 1
	buf := make([]byte, journalHeaderSize+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(data)))
	binary.LittleEndian.PutUint64(buf[24:32], xxh3.Hash(data))
	copy(buf[journalHeaderSize:], data)
	if _, err := j.w.Write(buf); err != nil {
		return 0, errors.Wrap(err, "journal append")
	}
	j.seq = seq
	j.size += int64(len(buf))
	return seq, nil
}

// Size is the number of bytes appended so far.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Replay calls fn for every intact record in r. A torn final record ends
// replay without error; a corrupt record followed by more data is
// ERR_BAD_JOURNAL.
func Replay(r io.Reader, fn func(seq uint64, muts []Mutation) error) (uint64, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, errors.Wrap(err, "journal decoder")
	}
	defer dec.Close()

	br := bufio.NewReader(r)
	var last uint64
	header := make([]byte, journalHeaderSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return last, nil
			}
			return last, errors.Wrap(err, "journal read")
		}
		seq := binary.LittleEndian.Uint64(header[8:16])
		n := binary.LittleEndian.Uint64(header[16:24])
		sum := binary.LittleEndian.Uint64(header[24:32])
		if n > maxJournalRecord {
			return last, core.Errorf(core.ERR_BAD_JOURNAL, "record %d claims %d bytes", seq, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return last, nil
			}
			return last, errors.Wrap(err, "journal read")
		}
		if xxh3.Hash(data) != sum {
			if _, err := br.Peek(1); err == io.EOF {
				core.WarnLog("journal: dropping torn record %d", seq)
				return last, nil
			}
			return last, core.Errorf(core.ERR_BAD_JOURNAL, "checksum mismatch in record %d", seq)
		}
		payload, err := dec.DecodeAll(data, nil)
		if err != nil {
			return last, errors.Wrap(core.ERR_BAD_JOURNAL, err.Error())
		}
		muts, err := decodeMutations(payload)
		if err != nil {
			return last, err
		}
		if err := fn(seq, muts); err != nil {
			return last, err
		}
		last = seq
	}
}
