// Package ordered defines the ordered key/value structure the history store is
// layered on. Backends (memtree, pebbletree, badgertree, bolttree) implement
// Tree and Cursor; the history store only ever talks to these interfaces.
package ordered

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when a search or a cursor movement has no entry to
// land on.
var ErrNotFound = errors.New("ordered: not found")

// Page is an opaque reference to a leaf page. Backends without a page concept
// always report a nil Page.
type Page interface{}

// SearchResult describes where a Search left the cursor.
type SearchResult struct {
	// Compare is the sign of (positioned key - search key); 0 is an exact match.
	Compare int
	// Slot is the index of the positioned entry within Page, -1 without a page.
	Slot int
	// Entries is the number of entries on Page at search time.
	Entries int
	// Page is the leaf holding the position, nil when unknown.
	Page Page
}

// Exact reports whether the search landed on the search key itself.
func (r SearchResult) Exact() bool { return r.Compare == 0 }

// OnBoundary reports whether the position is the first or last slot of its page.
// A non-exact boundary position may belong on a neighbouring page.
func (r SearchResult) OnBoundary() bool {
	return r.Slot <= 0 || r.Slot >= r.Entries-1
}

// Tree is an ordered byte-key structure.
type Tree interface {
	// Name returns a human-readable backend name.
	Name() string
	// Compare is the comparator the structure orders keys with.
	Compare(a, b []byte) int
	// NewCursor opens a cursor; callers must Close it.
	NewCursor() (Cursor, error)
	// Close releases the structure.
	Close() error
}

// Cursor is a position in a Tree.
type Cursor interface {
	// Search positions the cursor at key or at its nearest neighbour. A non-nil
	// page confines the search to that page. With insert set the cursor only
	// needs to be prepared for a following Modify and may not be positioned on
	// an entry. Returns ErrNotFound when there is nothing to land on.
	Search(key []byte, insert bool, page Page) (SearchResult, error)
	// Next moves to the following entry, ErrNotFound at the end.
	Next() error
	// Prev moves to the preceding entry, ErrNotFound at the start.
	Prev() error
	// Key returns the raw key at the position; valid until the next movement.
	Key() []byte
	// Value returns the value at the position; valid until the next movement.
	Value() []byte
	// Txn returns the id of the transaction that wrote the positioned entry.
	Txn() uint64
	// Page returns the leaf page of the last search, if any.
	Page() Page
	// Modify writes value at key on behalf of writer txn. Non-exclusive callers
	// share the page with concurrent writers and must take the page latch.
	Modify(key, value []byte, txn uint64, exclusive bool) error
	// Reset drops the position and any cached page.
	Reset() error
	// Close releases the cursor.
	Close() error
}

// TimestampFilter is implemented by cursors that can skip stored data made
// only of entries newer than a timestamp ceiling. Entries at or below the
// ceiling are never skipped; newer ones may still be returned.
type TimestampFilter interface {
	SetTimestampCeiling(ts uint64)
}

const frameHeaderSize = 8

// Frame prefixes value with the writer transaction id. Backends that persist
// entries as flat key/value pairs store this framing.
func Frame(txn uint64, value []byte) []byte {
	out := make([]byte, frameHeaderSize+len(value))
	binary.BigEndian.PutUint64(out, txn)
	copy(out[frameHeaderSize:], value)
	return out
}

// Unframe splits a framed value into writer transaction id and value.
func Unframe(v []byte) (txn uint64, value []byte, err error) {
	if len(v) < frameHeaderSize {
		return 0, nil, errors.Newf("ordered: framed value too short (%d bytes)", len(v))
	}
	return binary.BigEndian.Uint64(v), v[frameHeaderSize:], nil
}

// PrefixEnd returns the first key after every key with the given prefix, nil
// when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// CompareSign normalises a comparison result to -1, 0 or 1.
func CompareSign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}
