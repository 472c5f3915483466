package histstore

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/moatus/histstore/txn"
)

// TimeWindow is the validity interval of a resolved value.
type TimeWindow struct {
	DurableStartTS uint64
	DurableStopTS  uint64
	// StartTxn is always txn.TxnNone: history values are committed.
	StartTxn uint64
}

// UpdateValue is the result of a resolve.
type UpdateValue struct {
	Payload     []byte
	TimeWindow  TimeWindow
	Kind        UpdateKind
	SkipPayload bool
}

// Found reports whether the resolve produced a value.
func (v UpdateValue) Found() bool { return v.Kind != UpdateInvalid }

// ResolveRequest names the value to reconstruct. Exactly one of Key and
// Recno must be set.
type ResolveRequest struct {
	TableID uint32
	Key     []byte
	Recno   uint64
	Format  ValueFormat
	// ReadTimestamp TSNone reads the newest version.
	ReadTimestamp uint64
	// OnDisk is the base used when the delta chain runs out of stored
	// entries. It is never modified.
	OnDisk []byte
	// SkipPayload asks for metadata only.
	SkipPayload bool
}

// Resolver reconstructs historical values.
type Resolver struct {
	store   *Store
	stats   StatsSink
	alloc   Allocator
	applier DeltaApplier
	logger  *zap.Logger
}

// Resolve reconstructs the value of req's record as of req.ReadTimestamp
// under t, which may be nil.
//
// A record without history yields an UpdateValue with Kind UpdateInvalid and
// a nil error; ErrNotFound is never returned. On error the result is invalid
// too.
func (r *Resolver) Resolve(t *txn.Txn, req ResolveRequest) (uv UpdateValue, err error) {
	r.stats.Inc(StatSearch)

	var recordKey []byte
	switch {
	case req.Key != nil && req.Recno != RecnoNone:
		return UpdateValue{}, errors.Wrap(ErrInvalidArgument, "both record key and record number given")
	case req.Key != nil:
		recordKey = req.Key
	case req.Recno != RecnoNone:
		recordKey = EncodeRecno(req.Recno)
	default:
		return UpdateValue{}, errors.Wrap(ErrInvalidArgument, "no record key or record number given")
	}

	c, err := newCursor(r.store.tree, t, r.stats)
	if err != nil {
		return UpdateValue{}, err
	}
	var (
		value valueBuf
		chain = deltaChain{alloc: r.alloc}
		found bool
	)
	defer func() {
		value.release(r.alloc)
		chain.release()
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if errors.Is(err, ErrNotFound) {
			err = errors.NewAssertionErrorWithWrappedErrf(err, "histstore: resolve leaked not-found")
		}
		if err != nil {
			r.logger.Warn("history resolve failed",
				zap.Uint32("table", req.TableID),
				zap.Binary("key", recordKey),
				zap.Uint64("readTS", req.ReadTimestamp),
				zap.Error(err))
			uv = UpdateValue{Kind: UpdateInvalid, SkipPayload: req.SkipPayload}
			return
		}
		if found {
			r.stats.Inc(StatReadHit)
		} else {
			r.stats.Inc(StatReadMiss)
			uv = UpdateValue{Kind: UpdateInvalid, SkipPayload: req.SkipPayload}
		}
	}()

	readTS := req.ReadTimestamp
	if readTS == TSNone {
		readTS = TSMax
	}
	c.SetTimestampCeiling(readTS)
	if err = FindNearestAtOrBefore(c, req.TableID, recordKey, readTS, CounterMax, nil); err != nil {
		if errors.Is(err, ErrNotFound) {
			return uv, nil
		}
		return uv, err
	}
	rec, err := c.Value()
	if err != nil {
		return uv, err
	}
	found = true
	kind := rec.Kind
	uv.SkipPayload = req.SkipPayload
	uv.TimeWindow = TimeWindow{
		DurableStartTS: rec.DurableTS,
		DurableStopTS:  rec.StopDurableTS,
		StartTxn:       txn.TxnNone,
	}

	if req.SkipPayload {
		uv.Kind = kind
		return uv, nil
	}

	switch kind {
	case UpdateStandard:
		if err = value.set(r.alloc, rec.Payload); err != nil {
			return uv, err
		}
	case UpdateModify:
		if kind, err = r.collect(c, &chain, &value, req, recordKey, rec); err != nil {
			return uv, err
		}
		if err = r.squash(&chain, &value, req.Format); err != nil {
			return uv, err
		}
	default:
		return uv, errors.AssertionFailedf("histstore: unexpected %s record", kind)
	}

	uv.Kind = kind
	uv.Payload = append(make([]byte, 0, len(value.bytes())), value.bytes()...)
	return uv, nil
}

// collect walks toward older entries of the record, pushing modify payloads
// onto chain until a standard record is found. When the record has no older
// entries the base is req.OnDisk. The base ends up in value.
func (r *Resolver) collect(
	c *Cursor, chain *deltaChain, value *valueBuf, req ResolveRequest, recordKey []byte, rec Record,
) (UpdateKind, error) {
	// Chain entries are read by position; the reader's snapshot does not
	// apply to them.
	c.SetVisibilityBypass(true)
	prefix := KeyPrefix(req.TableID, recordKey)
	for rec.Kind == UpdateModify {
		if err := chain.push(rec.Payload); err != nil {
			return UpdateInvalid, err
		}
		err := c.Prev()
		if err == nil && !bytes.HasPrefix(c.RawKey(), prefix) {
			err = ErrNotFound
		}
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("delta chain reached on-disk base",
				zap.Uint32("table", req.TableID),
				zap.Int("deltas", chain.len()))
			value.borrow(r.alloc, req.OnDisk)
			return UpdateStandard, nil
		}
		if err != nil {
			return UpdateInvalid, err
		}
		if rec, err = c.Value(); err != nil {
			return UpdateInvalid, err
		}
	}
	if rec.Kind != UpdateStandard {
		return UpdateInvalid, errors.AssertionFailedf("histstore: delta chain ended on %s record", rec.Kind)
	}
	return UpdateStandard, value.set(r.alloc, rec.Payload)
}

// squash applies the chain to the base, newest push last.
func (r *Resolver) squash(chain *deltaChain, value *valueBuf, format ValueFormat) error {
	if err := value.own(r.alloc); err != nil {
		return err
	}
	for {
		node, ok := chain.pop()
		if !ok {
			break
		}
		b, err := r.applier.Apply(format, value.owned.B, node.B)
		chain.free(node)
		if err != nil {
			return err
		}
		value.owned.B = b
	}
	r.stats.Inc(StatReadSquash)
	return nil
}
