package histstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moatus/histstore/ordered/memtree"
	"github.com/moatus/histstore/txn"
)

func resolveK(t *testing.T, s *Store, readTS uint64) UpdateValue {
	t.Helper()
	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), Format: FormatRaw, ReadTimestamp: readTS})
	require.NoError(t, err)
	return uv
}

func TestResolveScenario(t *testing.T) {
	alloc := NewLimitedAllocator(0)
	s, tree := newMemStore(t, WithAllocator(alloc))
	putScenario(t, s)

	for _, tc := range []struct {
		readTS  uint64
		want    string
		durable uint64
	}{
		{10, "abc", 10},
		{15, "abc", 10},
		{20, "xbc", 20},
		{25, "xbc", 20},
		{30, "xbc!", 30},
		{99, "xbc!", 30},
	} {
		uv := resolveK(t, s, tc.readTS)
		require.Equal(t, tc.want, string(uv.Payload), "readTS %d", tc.readTS)
		require.Equal(t, UpdateStandard, uv.Kind)
		require.Equal(t, tc.durable, uv.TimeWindow.DurableStartTS)
		require.Equal(t, TSMax, uv.TimeWindow.DurableStopTS)
		require.Equal(t, txn.TxnNone, uv.TimeWindow.StartTxn)
		require.Zero(t, alloc.Outstanding())
		require.Zero(t, tree.OpenCursors())
	}

	uv := resolveK(t, s, 5)
	require.False(t, uv.Found())
	require.Empty(t, uv.Payload)
	require.Zero(t, alloc.Outstanding())
	require.Zero(t, tree.OpenCursors())
}

func TestResolveNoneTimestampReadsNewest(t *testing.T) {
	s, _ := newMemStore(t)
	putScenario(t, s)
	require.Equal(t, resolveK(t, s, TSMax), resolveK(t, s, TSNone))
	require.Equal(t, "xbc!", string(resolveK(t, s, TSNone).Payload))
}

func TestResolveMatchesSequentialApplication(t *testing.T) {
	s, _ := newMemStore(t)
	deltas := []Modify{
		{{Data: []byte("H"), Offset: 0, Size: 1}},
		{{Data: []byte(" world"), Offset: 5, Size: 0}},
		{{Data: []byte("J"), Offset: 0, Size: 1}, {Data: []byte("y"), Offset: 4, Size: 1}},
		{{Data: []byte("!"), Offset: 20, Size: 0}},
	}
	put(t, s, 1, "K", 1, 0, UpdateStandard, []byte("hello"))
	for i, d := range deltas {
		put(t, s, 1, "K", uint64(2+i), 0, UpdateModify, EncodeModify(d))
	}

	want := []byte("hello")
	for i, d := range deltas {
		var err error
		want, err = ApplyModify(FormatRaw, append([]byte(nil), want...), d)
		require.NoError(t, err)
		require.Equal(t, string(want), string(resolveK(t, s, uint64(2+i)).Payload), "through delta %d", i)
	}
}

func TestResolveFallsBackToOnDisk(t *testing.T) {
	stats := &CountingSink{}
	alloc := NewLimitedAllocator(0)
	s, tree := newMemStore(t, WithStats(stats), WithAllocator(alloc))
	// A neighbouring record with a standard value must not be used as base.
	put(t, s, 1, "J", 25, 0, UpdateStandard, []byte("wrong"))
	put(t, s, 1, "K", 20, 0, UpdateModify, modify(ModifyEntry{Data: []byte("x"), Offset: 0, Size: 1}))
	put(t, s, 1, "K", 30, 0, UpdateModify, modify(ModifyEntry{Data: []byte("!"), Offset: 3, Size: 0}))

	onDisk := []byte("abc")
	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 30, OnDisk: onDisk})
	require.NoError(t, err)
	require.Equal(t, "xbc!", string(uv.Payload))
	require.Equal(t, UpdateStandard, uv.Kind)
	require.Equal(t, uint64(30), uv.TimeWindow.DurableStartTS)
	require.Equal(t, "abc", string(onDisk))
	require.Equal(t, int64(1), stats.Get(StatReadSquash))
	require.Zero(t, alloc.Outstanding())
	require.Zero(t, tree.OpenCursors())

	// With nothing stored before the chain the store edge ends it too.
	s2, _ := newMemStore(t)
	put(t, s2, 1, "K", 20, 0, UpdateModify, modify(ModifyEntry{Data: []byte("x"), Offset: 0, Size: 1}))
	uv, err = s2.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 20, OnDisk: onDisk})
	require.NoError(t, err)
	require.Equal(t, "xbc", string(uv.Payload))
	require.Equal(t, UpdateStandard, uv.Kind)
}

func TestResolveSkipPayload(t *testing.T) {
	stats := &CountingSink{}
	alloc := NewLimitedAllocator(0)
	s, _ := newMemStore(t, WithStats(stats), WithAllocator(alloc))
	putScenario(t, s)

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 30, SkipPayload: true})
	require.NoError(t, err)
	require.True(t, uv.SkipPayload)
	require.Empty(t, uv.Payload)
	require.Equal(t, UpdateModify, uv.Kind)
	require.Equal(t, uint64(30), uv.TimeWindow.DurableStartTS)
	require.Zero(t, stats.Get(StatReadSquash))
	require.Equal(t, int64(1), stats.Get(StatReadHit))
	require.Zero(t, alloc.Outstanding())
}

func TestResolveStats(t *testing.T) {
	stats := &CountingSink{}
	s, _ := newMemStore(t, WithStats(stats))
	putScenario(t, s)

	resolveK(t, s, 10)
	resolveK(t, s, 30)
	resolveK(t, s, 5)
	require.Equal(t, int64(3), stats.Get(StatSearch))
	require.Equal(t, int64(2), stats.Get(StatReadHit))
	require.Equal(t, int64(1), stats.Get(StatReadMiss))
	require.Equal(t, int64(1), stats.Get(StatReadSquash))
}

func TestResolveRecno(t *testing.T) {
	s, _ := newMemStore(t)
	rk := EncodeRecno(7)
	put(t, s, 2, string(rk), 10, 0, UpdateStandard, []byte("seven"))
	put(t, s, 2, string(EncodeRecno(8)), 10, 0, UpdateStandard, []byte("eight"))

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 2, Recno: 7, ReadTimestamp: 10})
	require.NoError(t, err)
	require.Equal(t, "seven", string(uv.Payload))
}

func TestResolveInvalidRequest(t *testing.T) {
	s, tree := newMemStore(t)
	_, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), Recno: 3})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Resolve(nil, ResolveRequest{TableID: 1})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Zero(t, tree.OpenCursors())
}

func TestResolveAllocationFailureReleasesEverything(t *testing.T) {
	// The ts30 read needs two chain nodes and a base buffer.
	alloc := NewLimitedAllocator(1)
	s, tree := newMemStore(t, WithAllocator(alloc))
	putScenario(t, s)

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 30})
	require.ErrorIs(t, err, ErrAllocation)
	require.NotErrorIs(t, err, ErrNotFound)
	require.False(t, uv.Found())
	require.Nil(t, uv.Payload)
	require.Zero(t, alloc.Outstanding())
	require.Zero(t, tree.OpenCursors())

	// A standard read fits.
	uv, err = s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 10})
	require.NoError(t, err)
	require.Equal(t, "abc", string(uv.Payload))
}

type failingApplier struct{ err error }

func (f failingApplier) Apply(ValueFormat, []byte, []byte) ([]byte, error) { return nil, f.err }

func TestResolveApplyFailure(t *testing.T) {
	alloc := NewLimitedAllocator(0)
	s, tree := newMemStore(t, WithAllocator(alloc), WithApplier(failingApplier{err: ErrInvalidArgument}))
	putScenario(t, s)

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 30})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, UpdateInvalid, uv.Kind)
	require.Zero(t, alloc.Outstanding())
	require.Zero(t, tree.OpenCursors())
}

func TestResolveCorruptDeltaIsAnError(t *testing.T) {
	alloc := NewLimitedAllocator(0)
	s, tree := newMemStore(t, WithAllocator(alloc))
	put(t, s, 1, "K", 10, 0, UpdateStandard, []byte("abc"))
	put(t, s, 1, "K", 20, 0, UpdateModify, modify(ModifyEntry{Data: []byte("x"), Offset: 1 << 40}))

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 20})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.False(t, uv.Found())
	require.Zero(t, alloc.Outstanding())
	require.Zero(t, tree.OpenCursors())
}

func TestResolveStringFormat(t *testing.T) {
	s, _ := newMemStore(t)
	put(t, s, 1, "K", 10, 0, UpdateStandard, []byte("ab\x00"))
	put(t, s, 1, "K", 20, 0, UpdateModify, modify(ModifyEntry{Data: []byte("z"), Offset: 4}))

	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("K"), Format: FormatString, ReadTimestamp: 20})
	require.NoError(t, err)
	require.Equal(t, "ab  z\x00", string(uv.Payload))
}

func TestResolveSeesUncommittedHistory(t *testing.T) {
	m := txn.NewManager()
	writer := m.Begin(txn.ReadCommitted, 0)
	s, _ := newMemStore(t)
	rec := func(kind UpdateKind, p []byte) Record { return Record{DurableTS: 1, Kind: kind, Payload: p} }
	require.NoError(t, s.Insert(Key{TableID: 1, RecordKey: []byte("K"), Timestamp: 10}, rec(UpdateStandard, []byte("abc")), writer.ID))
	require.NoError(t, s.Insert(Key{TableID: 1, RecordKey: []byte("K"), Timestamp: 20},
		rec(UpdateModify, modify(ModifyEntry{Data: []byte("x"), Size: 1})), writer.ID))

	reader := m.Begin(txn.Snapshot, 20)
	uv, err := s.Resolve(reader, ResolveRequest{TableID: 1, Key: []byte("K"), ReadTimestamp: 20})
	require.NoError(t, err)
	require.Equal(t, "xbc", string(uv.Payload))
	require.Equal(t, txn.Snapshot, reader.Isolation())
}

func TestResolveOverSharedTree(t *testing.T) {
	tree := memtree.New(nil, 0)
	s, err := Open(Config{}, WithTree(tree))
	require.NoError(t, err)
	defer s.Close()
	putScenario(t, s)
	require.Equal(t, "xbc", string(resolveK(t, s, 25).Payload))
}
