package histstore

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// UpdateKind is the kind of a stored history record.
type UpdateKind uint8

const (
	UpdateInvalid UpdateKind = iota
	// UpdateStandard records carry a complete value.
	UpdateStandard
	// UpdateModify records carry a delta against the next older record.
	UpdateModify
	// UpdateTombstone never reaches the history store.
	UpdateTombstone
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateInvalid:
		return "invalid"
	case UpdateStandard:
		return "standard"
	case UpdateModify:
		return "modify"
	case UpdateTombstone:
		return "tombstone"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Record is the value stored under a history Key.
type Record struct {
	StopDurableTS uint64
	DurableTS     uint64
	Kind          UpdateKind
	Payload       []byte
}

const recordHeaderSize = 8 + 8 + 1

// EncodeRecord frames a record as [u64 stop][u64 durable][u8 kind][payload].
func EncodeRecord(r Record) ([]byte, error) {
	if r.Kind != UpdateStandard && r.Kind != UpdateModify {
		return nil, errors.Wrapf(ErrInvalidArgument, "cannot store %s record", r.Kind)
	}
	out := make([]byte, recordHeaderSize, recordHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint64(out, r.StopDurableTS)
	binary.BigEndian.PutUint64(out[8:], r.DurableTS)
	out[16] = byte(r.Kind)
	return append(out, r.Payload...), nil
}

// DecodeRecord parses a stored record. The payload aliases v.
func DecodeRecord(v []byte) (Record, error) {
	if len(v) < recordHeaderSize {
		return Record{}, errors.Newf("histstore: record too short (%d bytes)", len(v))
	}
	r := Record{
		StopDurableTS: binary.BigEndian.Uint64(v),
		DurableTS:     binary.BigEndian.Uint64(v[8:]),
		Kind:          UpdateKind(v[16]),
		Payload:       v[recordHeaderSize:],
	}
	switch r.Kind {
	case UpdateStandard, UpdateModify:
		return r, nil
	}
	return Record{}, errors.AssertionFailedf("histstore: unexpected %s record in history store", r.Kind)
}
