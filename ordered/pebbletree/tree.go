// Package pebbletree stores the ordered structure in a pebble database.
// Large values live in a side value log; tables carry per-block timestamp
// intervals so readers with a timestamp ceiling skip newer blocks.
package pebbletree

import (
	"bytes"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/moatus/histstore/ordered"
)

// Tree implements ordered.Tree on pebble.
type Tree struct {
	db              *pebble.DB
	vlog            *valueLog
	wo              *pebble.WriteOptions
	sync            bool
	inlineThreshold int
	filterable      bool
	logger          *zap.Logger
	cursors         atomic.Int64
}

var _ ordered.Tree = (*Tree)(nil)

// Open opens or creates the database in o.Dir.
func Open(o Options) (*Tree, error) {
	o.ensureDefaults()
	if o.Dir == "" {
		return nil, errors.New("pebbletree: no directory")
	}
	cache := pebble.NewCache(int64(o.CacheMB) << 20)
	defer cache.Unref()
	db, err := pebble.Open(filepath.Join(o.Dir, "db"), pebbleOptions(o, cache))
	if err != nil {
		return nil, errors.Wrap(err, "pebbletree: open")
	}
	t := &Tree{
		db:              db,
		wo:              writeOptions(o.Sync),
		sync:            o.Sync,
		inlineThreshold: o.InlineThreshold,
		filterable:      o.Timestamp != nil,
		logger:          o.Logger,
	}
	if o.InlineThreshold > 0 {
		bc, err := newBlobCache(o.BlobCacheMB)
		if err != nil {
			return nil, multierr.Append(err, db.Close())
		}
		if t.vlog, err = openValueLog(filepath.Join(o.Dir, "vlog"), o.ValueLogShards, bc); err != nil {
			return nil, multierr.Append(err, db.Close())
		}
	}
	o.Logger.Debug("pebble tree opened",
		zap.String("dir", o.Dir),
		zap.Int("cacheMB", o.CacheMB),
		zap.Int("inlineThreshold", o.InlineThreshold))
	return t, nil
}

func (t *Tree) Name() string            { return "pebble" }
func (t *Tree) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// OpenCursors returns the number of cursors not yet closed.
func (t *Tree) OpenCursors() int64 { return t.cursors.Load() }

// Flush flushes memtables to tables.
func (t *Tree) Flush() error { return t.db.Flush() }

func (t *Tree) Close() error {
	err := t.db.Close()
	if t.vlog != nil {
		err = multierr.Append(err, t.vlog.close())
	}
	return err
}

func (t *Tree) NewCursor() (ordered.Cursor, error) {
	t.cursors.Add(1)
	return &cursor{t: t}, nil
}

// put writes a framed value, spilling large values to the value log.
func (t *Tree) put(key, value []byte, txn uint64) error {
	body := encodeInline(value)
	if t.vlog != nil && len(value) > t.inlineThreshold {
		p, err := t.vlog.append(key, value)
		if err != nil {
			return err
		}
		if t.sync {
			if err := t.vlog.syncPending(); err != nil {
				return err
			}
		}
		body = encodePointerValue(p)
	}
	return errors.Wrap(t.db.Set(key, ordered.Frame(txn, body), t.wo), "pebbletree: set")
}

// cursor keeps one pebble iterator between movements. Iterators read a
// snapshot, so a search always opens a fresh one.
type cursor struct {
	t          *Tree
	it         *pebble.Iterator
	ceiling    uint64
	key        []byte
	value      []byte
	txn        uint64
	positioned bool
	closed     bool
}

var (
	_ ordered.Cursor          = (*cursor)(nil)
	_ ordered.TimestampFilter = (*cursor)(nil)
)

// SetTimestampCeiling restricts later iterators to blocks holding entries at
// or below ts.
func (c *cursor) SetTimestampCeiling(ts uint64) {
	if c.t.filterable && ts != ^uint64(0) {
		c.ceiling = ts + 1
	} else {
		c.ceiling = 0
	}
}

func (c *cursor) reopen() error {
	if err := c.closeIter(); err != nil {
		return err
	}
	opts := &pebble.IterOptions{KeyTypes: pebble.IterKeyTypePointsOnly}
	if c.ceiling > 0 {
		opts.PointKeyFilters = []pebble.BlockPropertyFilter{newCeilingFilter(c.ceiling - 1)}
	}
	it, err := c.t.db.NewIter(opts)
	if err != nil {
		return errors.Wrap(err, "pebbletree: new iterator")
	}
	c.it = it
	return nil
}

func (c *cursor) closeIter() error {
	if c.it == nil {
		return nil
	}
	err := c.it.Close()
	c.it = nil
	return err
}

// load copies the key and decodes the value at the iterator position.
func (c *cursor) load() error {
	txn, body, err := ordered.Unframe(c.it.Value())
	if err != nil {
		return err
	}
	v, err := decodeStored(body, c.t.vlog)
	if err != nil {
		return err
	}
	c.key = append(c.key[:0], c.it.Key()...)
	c.value, c.txn, c.positioned = v, txn, true
	return nil
}

// settle loads the position after a movement that reported ok.
func (c *cursor) settle(ok bool) error {
	if !ok {
		c.positioned = false
		if err := c.it.Error(); err != nil {
			return errors.Wrap(err, "pebbletree: iterate")
		}
		return ordered.ErrNotFound
	}
	return c.load()
}

func (c *cursor) Search(key []byte, insert bool, _ ordered.Page) (ordered.SearchResult, error) {
	if insert {
		c.positioned = false
		return ordered.SearchResult{Compare: 1, Slot: -1}, c.closeIter()
	}
	if err := c.reopen(); err != nil {
		return ordered.SearchResult{}, err
	}
	cmp := 0
	if c.it.SeekGE(key) {
		cmp = ordered.CompareSign(bytes.Compare(c.it.Key(), key))
	} else if c.it.Last() {
		cmp = -1
	} else {
		return ordered.SearchResult{}, c.settle(false)
	}
	if err := c.load(); err != nil {
		return ordered.SearchResult{}, err
	}
	return ordered.SearchResult{Compare: cmp, Slot: -1}, nil
}

func (c *cursor) Next() error {
	if c.it == nil {
		if err := c.reopen(); err != nil {
			return err
		}
		if !c.positioned {
			return c.settle(c.it.First())
		}
		ok := c.it.SeekGE(c.key)
		if ok && bytes.Equal(c.it.Key(), c.key) {
			ok = c.it.Next()
		}
		return c.settle(ok)
	}
	if !c.positioned {
		return c.settle(c.it.First())
	}
	return c.settle(c.it.Next())
}

func (c *cursor) Prev() error {
	if c.it == nil {
		if err := c.reopen(); err != nil {
			return err
		}
		if !c.positioned {
			return c.settle(c.it.Last())
		}
		return c.settle(c.it.SeekLT(c.key))
	}
	if !c.positioned {
		return c.settle(c.it.Last())
	}
	return c.settle(c.it.Prev())
}

func (c *cursor) Key() []byte        { return c.key }
func (c *cursor) Value() []byte      { return c.value }
func (c *cursor) Txn() uint64        { return c.txn }
func (c *cursor) Page() ordered.Page { return nil }

// Modify writes through to the database. Pebble serialises writers itself,
// so exclusive makes no difference.
func (c *cursor) Modify(key, value []byte, txn uint64, _ bool) error {
	if err := c.t.put(key, value, txn); err != nil {
		return err
	}
	if err := c.closeIter(); err != nil {
		return err
	}
	c.key = append(c.key[:0], key...)
	c.value, c.txn, c.positioned = bytes.Clone(value), txn, true
	return nil
}

func (c *cursor) Reset() error {
	c.positioned = false
	c.value, c.txn = nil, 0
	return c.closeIter()
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.t.cursors.Add(-1)
	return c.Reset()
}
