// Package bolttree stores the ordered structure in a single bbolt bucket.
package bolttree

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/moatus/histstore/ordered"
)

const fileMode = 0600

var bucketName = []byte("hs")

// Options configures a bbolt-backed tree.
type Options struct {
	Path   string
	Sync   bool
	Logger *zap.Logger
}

// Tree implements ordered.Tree on bbolt.
type Tree struct {
	db      *bolt.DB
	cursors atomic.Int64
	logger  *zap.Logger
}

var _ ordered.Tree = (*Tree)(nil)

// Open opens or creates the database file at o.Path.
func Open(o Options) (*Tree, error) {
	if o.Path == "" {
		return nil, errors.New("bolttree: no path")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	db, err := bolt.Open(o.Path, fileMode, &bolt.Options{
		Timeout:         time.Second,
		NoSync:          !o.Sync,
		InitialMmapSize: 64 << 20,
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolttree: open")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolttree: create bucket")
	}
	return &Tree{db: db, logger: o.Logger}, nil
}

func (t *Tree) Name() string            { return "bolt" }
func (t *Tree) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// OpenCursors returns the number of cursors not yet closed.
func (t *Tree) OpenCursors() int64 { return t.cursors.Load() }

func (t *Tree) Close() error { return errors.Wrap(t.db.Close(), "bolttree: close") }

func (t *Tree) NewCursor() (ordered.Cursor, error) {
	t.cursors.Add(1)
	return &cursor{t: t}, nil
}

// cursor reads inside one read-only transaction. A goroutine must not write
// while it holds a positioned cursor: bbolt may need to remap the file, which
// waits for every read transaction.
type cursor struct {
	t          *Tree
	tx         *bolt.Tx
	bc         *bolt.Cursor
	key        []byte
	value      []byte
	txn        uint64
	positioned bool
	closed     bool
}

var _ ordered.Cursor = (*cursor)(nil)

func (c *cursor) begin() error {
	tx, err := c.t.db.Begin(false)
	if err != nil {
		return errors.Wrap(err, "bolttree: begin")
	}
	b := tx.Bucket(bucketName)
	if b == nil {
		_ = tx.Rollback()
		return errors.AssertionFailedf("bolttree: bucket %s missing", bucketName)
	}
	c.tx, c.bc = tx, b.Cursor()
	return nil
}

func (c *cursor) end() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx, c.bc = nil, nil
	return err
}

// settle copies out the pair a bolt cursor call returned.
func (c *cursor) settle(k, v []byte) error {
	if k == nil {
		c.positioned = false
		return ordered.ErrNotFound
	}
	txn, val, err := ordered.Unframe(v)
	if err != nil {
		return err
	}
	c.key = append(c.key[:0], k...)
	c.value = append(c.value[:0], val...)
	c.txn, c.positioned = txn, true
	return nil
}

func (c *cursor) Search(key []byte, insert bool, _ ordered.Page) (ordered.SearchResult, error) {
	if err := c.end(); err != nil {
		return ordered.SearchResult{}, err
	}
	if insert {
		c.positioned = false
		return ordered.SearchResult{Compare: 1, Slot: -1}, nil
	}
	if err := c.begin(); err != nil {
		return ordered.SearchResult{}, err
	}
	cmp := 0
	k, v := c.bc.Seek(key)
	if k != nil {
		cmp = ordered.CompareSign(bytes.Compare(k, key))
	} else {
		k, v = c.bc.Last()
		cmp = -1
	}
	if err := c.settle(k, v); err != nil {
		return ordered.SearchResult{}, err
	}
	return ordered.SearchResult{Compare: cmp, Slot: -1}, nil
}

func (c *cursor) Next() error {
	if c.tx == nil {
		if err := c.begin(); err != nil {
			return err
		}
	}
	if !c.positioned {
		return c.settle(c.bc.First())
	}
	k, v := c.bc.Seek(c.key)
	if k != nil && bytes.Equal(k, c.key) {
		k, v = c.bc.Next()
	}
	return c.settle(k, v)
}

func (c *cursor) Prev() error {
	if c.tx == nil {
		if err := c.begin(); err != nil {
			return err
		}
	}
	if !c.positioned {
		return c.settle(c.bc.Last())
	}
	k, v := c.bc.Seek(c.key)
	if k == nil {
		k, v = c.bc.Last()
	} else {
		k, v = c.bc.Prev()
	}
	return c.settle(k, v)
}

func (c *cursor) Key() []byte        { return c.key }
func (c *cursor) Value() []byte      { return c.value }
func (c *cursor) Txn() uint64        { return c.txn }
func (c *cursor) Page() ordered.Page { return nil }

// Modify releases the cursor's read transaction and writes in its own update
// transaction; bbolt serialises writers.
func (c *cursor) Modify(key, value []byte, txn uint64, _ bool) error {
	if err := c.end(); err != nil {
		return err
	}
	if err := c.t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, ordered.Frame(txn, value))
	}); err != nil {
		return errors.Wrap(err, "bolttree: put")
	}
	c.key = append(c.key[:0], key...)
	c.value = append(c.value[:0], value...)
	c.txn, c.positioned = txn, true
	return nil
}

func (c *cursor) Reset() error {
	c.positioned = false
	c.txn = 0
	return c.end()
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.t.cursors.Add(-1)
	return c.Reset()
}
