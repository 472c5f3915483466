package histstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moatus/histstore/ordered/memtree"
)

// newMemStore opens a store over a memtree with small pages so tests cross
// page boundaries.
func newMemStore(t *testing.T, opts ...Option) (*Store, *memtree.Tree) {
	t.Helper()
	tree := memtree.New(nil, 4)
	s, err := Open(DefaultConfig, append([]Option{WithTree(tree)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, tree
}

func put(t *testing.T, s *Store, table uint32, key string, ts, counter uint64, kind UpdateKind, payload []byte) {
	t.Helper()
	rec := Record{DurableTS: ts, StopDurableTS: TSMax, Kind: kind, Payload: payload}
	require.NoError(t, s.Insert(Key{TableID: table, RecordKey: []byte(key), Timestamp: ts, Counter: counter}, rec, 0))
}

func modify(entries ...ModifyEntry) []byte { return EncodeModify(Modify(entries)) }

// putScenario stores, for record "K" of table 1:
// ts10 standard "abc", ts20 modify (byte 0 -> 'x'), ts30 modify (append "!").
func putScenario(t *testing.T, s *Store) {
	t.Helper()
	put(t, s, 1, "K", 10, 0, UpdateStandard, []byte("abc"))
	put(t, s, 1, "K", 20, 0, UpdateModify, modify(ModifyEntry{Data: []byte("x"), Offset: 0, Size: 1}))
	put(t, s, 1, "K", 30, 0, UpdateModify, modify(ModifyEntry{Data: []byte("!"), Offset: 3, Size: 0}))
}
