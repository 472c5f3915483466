// Package memtree is an in-memory ordered structure made of bounded leaf pages.
// Leaves are kept in a google/btree ordered by their lower bound; each leaf has
// its own latch so writers on different pages do not serialise.
package memtree

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/moatus/histstore/ordered"
)

// DefaultPageEntries is the leaf capacity used when none is configured.
const DefaultPageEntries = 64

type entry struct {
	key   []byte
	value []byte
	txn   uint64
}

// leaf is one page. lower is fixed for the lifetime of the leaf; the first
// leaf has a nil lower bound and owns everything below its successor.
type leaf struct {
	mu      sync.RWMutex
	lower   []byte
	entries []entry
}

// Tree implements ordered.Tree.
type Tree struct {
	// mu guards the set of leaves. Leaf contents are guarded by leaf.mu.
	mu          sync.RWMutex
	leaves      *btree.BTreeG[*leaf]
	cmp         func(a, b []byte) int
	pageEntries int
	cursors     atomic.Int64
}

var _ ordered.Tree = (*Tree)(nil)

// New creates an empty tree. A nil cmp orders keys with bytes.Compare.
func New(cmp func(a, b []byte) int, pageEntries int) *Tree {
	if cmp == nil {
		cmp = bytes.Compare
	}
	if pageEntries < 4 {
		pageEntries = DefaultPageEntries
	}
	t := &Tree{cmp: cmp, pageEntries: pageEntries}
	t.leaves = btree.NewG[*leaf](8, func(a, b *leaf) bool {
		switch {
		case a.lower == nil:
			return b.lower != nil
		case b.lower == nil:
			return false
		}
		return cmp(a.lower, b.lower) < 0
	})
	t.leaves.ReplaceOrInsert(&leaf{})
	return t
}

func (t *Tree) Name() string            { return "memtree" }
func (t *Tree) Compare(a, b []byte) int { return t.cmp(a, b) }
func (t *Tree) Close() error            { return nil }

// OpenCursors returns the number of cursors not yet closed.
func (t *Tree) OpenCursors() int64 { return t.cursors.Load() }

// Pages returns the number of leaf pages.
func (t *Tree) Pages() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leaves.Len()
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	t.leaves.Ascend(func(l *leaf) bool {
		l.mu.RLock()
		n += len(l.entries)
		l.mu.RUnlock()
		return true
	})
	return n
}

func (t *Tree) NewCursor() (ordered.Cursor, error) {
	t.cursors.Add(1)
	return &cursor{t: t}, nil
}

// route returns the leaf whose range holds key. Caller holds t.mu.
func (t *Tree) route(key []byte) *leaf {
	var found *leaf
	t.leaves.DescendLessOrEqual(&leaf{lower: key}, func(l *leaf) bool {
		found = l
		return false
	})
	if found == nil {
		found, _ = t.leaves.Min()
	}
	return found
}

func (t *Tree) successor(l *leaf) *leaf {
	var found *leaf
	t.leaves.AscendGreaterOrEqual(l, func(x *leaf) bool {
		if x == l {
			return true
		}
		found = x
		return false
	})
	return found
}

func (t *Tree) predecessor(l *leaf) *leaf {
	var found *leaf
	t.leaves.DescendLessOrEqual(l, func(x *leaf) bool {
		if x == l {
			return true
		}
		found = x
		return false
	})
	return found
}

// lowerBound returns the first slot whose key is >= key. Caller holds l.mu.
func (t *Tree) lowerBound(l *leaf, key []byte) int {
	return sort.Search(len(l.entries), func(i int) bool {
		return t.cmp(l.entries[i].key, key) >= 0
	})
}

// upperBound returns the first slot whose key is > key. Caller holds l.mu.
func (t *Tree) upperBound(l *leaf, key []byte) int {
	return sort.Search(len(l.entries), func(i int) bool {
		return t.cmp(l.entries[i].key, key) > 0
	})
}

// insert places e into its leaf and reports whether the leaf now needs a split.
func (t *Tree) insert(e entry, exclusive bool) (*leaf, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l := t.route(e.key)
	if !exclusive {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	i := t.lowerBound(l, e.key)
	if i < len(l.entries) && t.cmp(l.entries[i].key, e.key) == 0 {
		l.entries[i] = e
		return l, false
	}
	l.entries = append(l.entries, entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	return l, len(l.entries) > t.pageEntries
}

// split halves the leaf holding key if it is still over capacity.
func (t *Tree) split(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.route(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if n <= t.pageEntries {
		return
	}
	mid := n / 2
	right := &leaf{
		lower:   l.entries[mid].key,
		entries: append([]entry(nil), l.entries[mid:]...),
	}
	l.entries = append([]entry(nil), l.entries[:mid]...)
	t.leaves.ReplaceOrInsert(right)
}

type cursor struct {
	t          *Tree
	leaf       *leaf
	key        []byte
	value      []byte
	txn        uint64
	positioned bool
	closed     bool
}

func (c *cursor) load(l *leaf, i int) {
	e := l.entries[i]
	c.leaf, c.key, c.value, c.txn, c.positioned = l, e.key, e.value, e.txn, true
}

func (c *cursor) Search(key []byte, insert bool, page ordered.Page) (ordered.SearchResult, error) {
	t := c.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	var l *leaf
	if page != nil {
		var ok bool
		if l, ok = page.(*leaf); !ok {
			return ordered.SearchResult{}, errors.AssertionFailedf("memtree: foreign page %T", page)
		}
	} else {
		l = t.route(key)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if n == 0 {
		c.leaf, c.positioned = l, false
		if insert {
			return ordered.SearchResult{Compare: 1, Slot: -1, Page: l}, nil
		}
		return ordered.SearchResult{}, ordered.ErrNotFound
	}
	i := t.lowerBound(l, key)
	if i == n && page == nil && !insert {
		// key falls between this leaf and the next; prefer the entry after it.
		if res, ok := c.searchSuccessor(l); ok {
			return res, nil
		}
	}
	cmp := 1
	if i == n {
		i, cmp = n-1, -1
	} else if t.cmp(l.entries[i].key, key) == 0 {
		cmp = 0
	}
	c.load(l, i)
	return ordered.SearchResult{Compare: cmp, Slot: i, Entries: n, Page: l}, nil
}

// searchSuccessor loads the first entry after leaf l. Caller holds t.mu and
// l.mu for reading.
func (c *cursor) searchSuccessor(l *leaf) (ordered.SearchResult, bool) {
	for s := c.t.successor(l); s != nil; s = c.t.successor(s) {
		s.mu.RLock()
		n := len(s.entries)
		if n > 0 {
			c.load(s, 0)
			s.mu.RUnlock()
			return ordered.SearchResult{Compare: 1, Slot: 0, Entries: n, Page: s}, true
		}
		s.mu.RUnlock()
	}
	return ordered.SearchResult{}, false
}

func (c *cursor) Next() error {
	t := c.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	var l *leaf
	if c.positioned {
		l = t.route(c.key)
	} else {
		l, _ = t.leaves.Min()
	}
	for ; l != nil; l = t.successor(l) {
		l.mu.RLock()
		i := 0
		if c.positioned {
			i = t.upperBound(l, c.key)
		}
		if i < len(l.entries) {
			c.load(l, i)
			l.mu.RUnlock()
			return nil
		}
		l.mu.RUnlock()
	}
	return ordered.ErrNotFound
}

func (c *cursor) Prev() error {
	t := c.t
	t.mu.RLock()
	defer t.mu.RUnlock()

	var l *leaf
	if c.positioned {
		l = t.route(c.key)
	} else {
		l, _ = t.leaves.Max()
	}
	for ; l != nil; l = t.predecessor(l) {
		l.mu.RLock()
		i := len(l.entries)
		if c.positioned {
			i = t.lowerBound(l, c.key)
		}
		if i > 0 {
			c.load(l, i-1)
			l.mu.RUnlock()
			return nil
		}
		l.mu.RUnlock()
	}
	return ordered.ErrNotFound
}

func (c *cursor) Key() []byte   { return c.key }
func (c *cursor) Value() []byte { return c.value }
func (c *cursor) Txn() uint64   { return c.txn }

func (c *cursor) Page() ordered.Page {
	if c.leaf == nil {
		return nil
	}
	return c.leaf
}

func (c *cursor) Modify(key, value []byte, txn uint64, exclusive bool) error {
	e := entry{key: bytes.Clone(key), value: bytes.Clone(value), txn: txn}
	l, full := c.t.insert(e, exclusive)
	if full {
		c.t.split(e.key)
	}
	c.leaf, c.key, c.value, c.txn, c.positioned = l, e.key, e.value, e.txn, true
	return nil
}

func (c *cursor) Reset() error {
	c.leaf, c.key, c.value, c.txn, c.positioned = nil, nil, nil, 0, false
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
