package histstore

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/moatus/histstore/ordered"
	"github.com/moatus/histstore/txn"
)

// Cursor is a typed cursor over the history store. It loads composite keys,
// decodes stored records and hides entries the reader may not see.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	tree  ordered.Tree
	oc    ordered.Cursor
	txn   *txn.Txn
	stats StatsSink

	// iso is the isolation movement filters with; visibilityBypass turns the
	// filter off entirely.
	iso              txn.IsolationLevel
	visibilityBypass bool

	// key is the loaded search key.
	key []byte
	// compare is the sign of the last positioning result.
	compare    int
	positioned bool
	// lastKey tracks key order across moves in invariants builds.
	lastKey []byte
	closed  bool
}

func newCursor(tree ordered.Tree, t *txn.Txn, stats StatsSink) (*Cursor, error) {
	oc, err := tree.NewCursor()
	if err != nil {
		return nil, structural(err, "open cursor")
	}
	iso := txn.ReadCommitted
	if t != nil {
		iso = t.Isolation()
	}
	if stats == nil {
		stats = NopSink
	}
	return &Cursor{tree: tree, oc: oc, txn: t, stats: stats, iso: iso}, nil
}

// SetKey loads the composite search key.
func (c *Cursor) SetKey(tableID uint32, recordKey []byte, ts, counter uint64) {
	c.key = AppendKey(c.key[:0], tableID, recordKey, ts, counter)
}

// SetRawKey loads an already encoded search key.
func (c *Cursor) SetRawKey(raw []byte) {
	c.key = append(c.key[:0], raw...)
}

// SearchKey returns the loaded search key.
func (c *Cursor) SearchKey() []byte { return c.key }

// RawKey returns the encoded key at the position, nil when unpositioned. The
// slice is valid until the next movement.
func (c *Cursor) RawKey() []byte {
	if !c.positioned {
		return nil
	}
	return c.oc.Key()
}

// Key decodes the key at the position.
func (c *Cursor) Key() (Key, error) {
	if !c.positioned {
		return Key{}, ErrNotFound
	}
	return DecodeKey(c.oc.Key())
}

// Value decodes the record at the position. The payload is valid until the
// next movement.
func (c *Cursor) Value() (Record, error) {
	if !c.positioned {
		return Record{}, ErrNotFound
	}
	return DecodeRecord(c.oc.Value())
}

// Writer returns the id of the transaction that wrote the positioned entry.
func (c *Cursor) Writer() uint64 { return c.oc.Txn() }

// Isolation returns the level movement currently filters with.
func (c *Cursor) Isolation() txn.IsolationLevel { return c.iso }

// SetIsolation changes the isolation level movement filters with.
func (c *Cursor) SetIsolation(level txn.IsolationLevel) { c.iso = level }

// SetVisibilityBypass makes movement return every entry regardless of its
// writer.
func (c *Cursor) SetVisibilityBypass(on bool) { c.visibilityBypass = on }

// SetTimestampCeiling lets backends that support it skip stored data made
// only of entries newer than ts. It does not change what movement returns for
// entries at or below ts.
func (c *Cursor) SetTimestampCeiling(ts uint64) {
	if f, ok := c.oc.(ordered.TimestampFilter); ok {
		f.SetTimestampCeiling(ts)
	}
}

// WithIsolation runs fn with the cursor's isolation overridden.
func (c *Cursor) WithIsolation(level txn.IsolationLevel, fn func() error) error {
	saved := c.iso
	c.iso = level
	defer func() { c.iso = saved }()
	return fn()
}

func (c *Cursor) visible() bool {
	return c.visibilityBypass || c.txn.Visible(c.oc.Txn(), c.iso)
}

// Next moves to the next visible entry.
func (c *Cursor) Next() error {
	for {
		if err := c.oc.Next(); err != nil {
			c.positioned = false
			return structural(err, "next")
		}
		c.positioned = true
		if c.visible() {
			return c.checkOrder(1)
		}
	}
}

// Prev moves to the previous visible entry.
func (c *Cursor) Prev() error {
	for {
		if err := c.oc.Prev(); err != nil {
			c.positioned = false
			return structural(err, "prev")
		}
		c.positioned = true
		if c.visible() {
			return c.checkOrder(-1)
		}
	}
}

// SearchNear positions the cursor at the loaded key or a visible neighbour.
// It returns 0 on an exact match, a positive value when the cursor is after
// the key and a negative value when it is before it. Entries after the key
// are preferred.
func (c *Cursor) SearchNear() (int, error) {
	if _, err := PositionAt(c, c.key, false); err != nil {
		return 0, err
	}
	if c.visible() {
		return c.compare, nil
	}
	landing := bytes.Clone(c.oc.Key())
	err := c.Next()
	if err == nil {
		return ordered.CompareSign(c.tree.Compare(c.oc.Key(), c.key)), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if _, err := PositionAt(c, landing, false); err != nil {
		return 0, err
	}
	if err := c.Prev(); err != nil {
		_ = c.Reset()
		return 0, err
	}
	return ordered.CompareSign(c.tree.Compare(c.oc.Key(), c.key)), nil
}

// Reset drops the position and the cached page.
func (c *Cursor) Reset() error {
	c.positioned = false
	c.compare = 0
	c.lastKey = c.lastKey[:0]
	return structural(c.oc.Reset(), "reset")
}

// Close releases the cursor. Closing twice is a no-op.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.positioned = false
	return structural(c.oc.Close(), "close")
}

// initOrder records the position as the reference for order checks.
func (c *Cursor) initOrder() {
	if !invariantsEnabled {
		return
	}
	c.lastKey = append(c.lastKey[:0], c.oc.Key()...)
}

// checkOrder verifies that a move in direction dir went the right way.
func (c *Cursor) checkOrder(dir int) error {
	if !invariantsEnabled {
		return nil
	}
	cur := c.oc.Key()
	if len(c.lastKey) > 0 {
		if cmp := c.tree.Compare(cur, c.lastKey); cmp == 0 || (cmp > 0) != (dir > 0) {
			return errors.AssertionFailedf("histstore: cursor moved from %x to %x in direction %d", c.lastKey, cur, dir)
		}
	}
	c.lastKey = append(c.lastKey[:0], cur...)
	return nil
}
