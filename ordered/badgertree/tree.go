// Package badgertree stores the ordered structure in a managed-mode badger
// database. Every write commits at its own version; readers see the newest
// version of each key.
package badgertree

import (
	"bytes"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/moatus/histstore/ordered"
)

// Options configures a badger-backed tree.
type Options struct {
	Dir    string
	Sync   bool
	Logger *zap.Logger
}

// Tree implements ordered.Tree on badger.
type Tree struct {
	db      *badger.DB
	commit  atomic.Uint64
	cursors atomic.Int64
	logger  *zap.Logger
}

var _ ordered.Tree = (*Tree)(nil)

// Open opens or creates the database in o.Dir.
func Open(o Options) (*Tree, error) {
	if o.Dir == "" {
		return nil, errors.New("badgertree: no directory")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(o.Dir).
		WithLogger(zapLogger{o.Logger.Sugar()}).
		WithLoggingLevel(badger.WARNING).
		WithValueThreshold(1024).
		WithCompression(options.None).
		WithNumMemtables(4).WithMemTableSize(64 << 20).
		WithNumLevelZeroTables(10).WithNumLevelZeroTablesStall(20).
		WithNumCompactors(max(2, runtime.NumCPU()/2)).
		WithCompactL0OnClose(true).
		WithDetectConflicts(false).
		WithSyncWrites(o.Sync)
	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badgertree: open")
	}
	t := &Tree{db: db, logger: o.Logger}
	t.commit.Store(db.MaxVersion())
	return t, nil
}

func (t *Tree) Name() string            { return "badger" }
func (t *Tree) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// OpenCursors returns the number of cursors not yet closed.
func (t *Tree) OpenCursors() int64 { return t.cursors.Load() }

func (t *Tree) Close() error { return errors.Wrap(t.db.Close(), "badgertree: close") }

func (t *Tree) NewCursor() (ordered.Cursor, error) {
	t.cursors.Add(1)
	return &cursor{t: t}, nil
}

func (t *Tree) put(key, framed []byte) error {
	ts := t.commit.Add(1)
	wtxn := t.db.NewTransactionAt(ts-1, true)
	defer wtxn.Discard()
	if err := wtxn.Set(key, framed); err != nil {
		return errors.Wrap(err, "badgertree: set")
	}
	return errors.Wrap(wtxn.CommitAt(ts, nil), "badgertree: commit")
}

// cursor reads through one read-only transaction, opened by Search and
// dropped by writes. Each movement re-seeks from the current key.
type cursor struct {
	t          *Tree
	rtxn       *badger.Txn
	fwd, rev   *badger.Iterator
	key        []byte
	value      []byte
	txn        uint64
	positioned bool
	closed     bool
}

var _ ordered.Cursor = (*cursor)(nil)

func (c *cursor) begin() {
	c.rtxn = c.t.db.NewTransactionAt(math.MaxUint64, false)
	c.fwd = c.rtxn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	c.rev = c.rtxn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Reverse: true})
}

func (c *cursor) end() {
	if c.rtxn == nil {
		return
	}
	c.fwd.Close()
	c.rev.Close()
	c.rtxn.Discard()
	c.rtxn, c.fwd, c.rev = nil, nil, nil
}

func (c *cursor) load(item *badger.Item) error {
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return errors.Wrap(err, "badgertree: read value")
	}
	txn, v, err := ordered.Unframe(raw)
	if err != nil {
		return err
	}
	c.key = item.KeyCopy(c.key[:0])
	c.value, c.txn, c.positioned = v, txn, true
	return nil
}

func (c *cursor) settle(it *badger.Iterator) error {
	if !it.Valid() {
		c.positioned = false
		return ordered.ErrNotFound
	}
	return c.load(it.Item())
}

// step moves past the current key in the given direction.
func (c *cursor) step(forward bool) error {
	if c.rtxn == nil {
		c.begin()
	}
	it := c.rev
	if forward {
		it = c.fwd
	}
	if !c.positioned {
		it.Rewind()
		return c.settle(it)
	}
	it.Seek(c.key)
	if it.Valid() && bytes.Equal(it.Item().Key(), c.key) {
		it.Next()
	}
	return c.settle(it)
}

func (c *cursor) Search(key []byte, insert bool, _ ordered.Page) (ordered.SearchResult, error) {
	c.end()
	if insert {
		c.positioned = false
		return ordered.SearchResult{Compare: 1, Slot: -1}, nil
	}
	c.begin()
	c.fwd.Seek(key)
	if c.fwd.Valid() {
		if err := c.load(c.fwd.Item()); err != nil {
			return ordered.SearchResult{}, err
		}
		return ordered.SearchResult{Compare: ordered.CompareSign(bytes.Compare(c.key, key)), Slot: -1}, nil
	}
	c.rev.Rewind()
	if err := c.settle(c.rev); err != nil {
		return ordered.SearchResult{}, err
	}
	return ordered.SearchResult{Compare: -1, Slot: -1}, nil
}

func (c *cursor) Next() error { return c.step(true) }
func (c *cursor) Prev() error { return c.step(false) }

func (c *cursor) Key() []byte        { return c.key }
func (c *cursor) Value() []byte      { return c.value }
func (c *cursor) Txn() uint64        { return c.txn }
func (c *cursor) Page() ordered.Page { return nil }

// Modify commits value at its own version; the exclusive flag has no meaning
// for badger.
func (c *cursor) Modify(key, value []byte, txn uint64, _ bool) error {
	c.end()
	if err := c.t.put(key, ordered.Frame(txn, value)); err != nil {
		return err
	}
	c.key = append(c.key[:0], key...)
	c.value, c.txn, c.positioned = bytes.Clone(value), txn, true
	return nil
}

func (c *cursor) Reset() error {
	c.end()
	c.positioned = false
	c.value, c.txn = nil, 0
	return nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.t.cursors.Add(-1)
	return c.Reset()
}

// zapLogger routes badger's log output into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Infof(f, v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
