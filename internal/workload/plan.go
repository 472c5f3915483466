package workload

import (
	"github.com/cockroachdb/errors"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/txn"
)

// modifyWidth is the number of bytes one modify update rewrites.
const modifyWidth = 8

// Timestamp returns the commit timestamp of version v. Versions are spaced
// so reads can land between two of them.
func Timestamp(v int) uint64 { return uint64(v) * 10 }

// Plan is the deterministic update history a workload writes. Version 1
// writes every key; each later version rewrites the first Updated keys, as a
// full value or as a modify against the previous version.
type Plan struct {
	TableID     uint32
	Keys        [][]byte
	Versions    int
	ValueSize   int
	Updated     int
	ModifyRatio float64
}

// NewPlan builds the plan for cfg.
func NewPlan(cfg Config) *Plan {
	keys := GenerateKeys(cfg.NumKeys, cfg.Seed)
	updated := int(float64(len(keys)) * cfg.UpdateRatio)
	return &Plan{
		TableID:     cfg.TableID,
		Keys:        keys,
		Versions:    cfg.NumVersions,
		ValueSize:   cfg.ValueSize,
		Updated:     min(updated, len(keys)),
		ModifyRatio: cfg.ModifyRatio,
	}
}

// lastVersion returns the newest version of key i.
func (p *Plan) lastVersion(i int) int {
	if i < p.Updated {
		return p.Versions
	}
	return min(1, p.Versions)
}

// isModify reports whether version v of key i is written as a modify.
func (p *Plan) isModify(v, i int) bool {
	if v <= 1 || p.ValueSize == 0 {
		return false
	}
	h := (uint64(v)*2654435761 ^ uint64(i)*40503) % 1000
	return float64(h) < p.ModifyRatio*1000
}

func (p *Plan) modifyAt(v, i int) histstore.Modify {
	n := min(modifyWidth, p.ValueSize)
	off := (v*31 + i) % (p.ValueSize - n + 1)
	return histstore.Modify{{
		Data:   Value(n, uint64(v)<<32|uint64(i)),
		Offset: off,
		Size:   n,
	}}
}

func (p *Plan) fullValue(v, i int) []byte {
	if v == 1 {
		return Value(p.ValueSize, uint64(i))
	}
	return Value(p.ValueSize, uint64(v)*1000003+uint64(i))
}

// Record returns the history record written for version v of key i.
func (p *Plan) Record(v, i int) histstore.Record {
	rec := histstore.Record{
		StopDurableTS: histstore.TSMax,
		DurableTS:     Timestamp(v),
		Kind:          histstore.UpdateStandard,
	}
	if v < p.lastVersion(i) {
		rec.StopDurableTS = Timestamp(v + 1)
	}
	if p.isModify(v, i) {
		rec.Kind = histstore.UpdateModify
		rec.Payload = histstore.EncodeModify(p.modifyAt(v, i))
	} else {
		rec.Payload = p.fullValue(v, i)
	}
	return rec
}

// Populate writes the whole history into st and returns the number of
// records written.
func (p *Plan) Populate(st *histstore.Store) (int, error) {
	n := 0
	for v := 1; v <= p.Versions; v++ {
		count := p.Updated
		if v == 1 {
			count = len(p.Keys)
		}
		for i := 0; i < count; i++ {
			k := histstore.Key{TableID: p.TableID, RecordKey: p.Keys[i], Timestamp: Timestamp(v)}
			if err := st.Insert(k, p.Record(v, i), txn.TxnNone); err != nil {
				return n, errors.Wrapf(err, "insert %q at version %d", p.Keys[i], v)
			}
			n++
		}
	}
	return n, nil
}

// Expected returns the value of key i as of ts, and false when the key has
// no version at or before ts.
func (p *Plan) Expected(i int, ts uint64) ([]byte, bool) {
	if ts == histstore.TSNone {
		ts = histstore.TSMax
	}
	last := 0
	for v := 1; v <= p.lastVersion(i) && Timestamp(v) <= ts; v++ {
		last = v
	}
	if last == 0 {
		return nil, false
	}
	base := last
	for p.isModify(base, i) {
		base--
	}
	val := p.fullValue(base, i)
	for v := base + 1; v <= last; v++ {
		var err error
		// Plan modifies always lie inside the value, so this cannot fail.
		if val, err = histstore.ApplyModify(histstore.FormatRaw, val, p.modifyAt(v, i)); err != nil {
			panic(err)
		}
	}
	return val, true
}
