package pebbletree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moatus/histstore/ordered"
)

// tsKey lays keys out like the history store: a name followed by an 8-byte
// timestamp and an 8-byte counter.
func tsKey(name string, ts uint64) []byte {
	k := append([]byte(name), make([]byte, 16)...)
	binary.BigEndian.PutUint64(k[len(name):], ts)
	return k
}

func tsOf(k []byte) (uint64, bool) {
	if len(k) < 16 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(k)-16:]), true
}

func openTest(t *testing.T, inline int) *Tree {
	t.Helper()
	tr, err := Open(Options{
		Dir:             t.TempDir(),
		CacheMB:         8,
		InlineThreshold: inline,
		BlobCacheMB:     1,
		Timestamp:       tsOf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tr.Close()) })
	return tr
}

func TestCursorAcrossFlush(t *testing.T) {
	tr := openTest(t, 8)
	c, err := tr.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	for ts := uint64(1); ts <= 50; ts++ {
		v := []byte("v")
		if ts%5 == 0 {
			v = []byte(strings.Repeat("large", 10))
		}
		require.NoError(t, c.Modify(tsKey("k", ts), v, ts, false))
	}
	require.NoError(t, tr.Flush())

	c.(ordered.TimestampFilter).SetTimestampCeiling(20)
	res, err := c.Search(tsKey("k", 20), false, nil)
	require.NoError(t, err)
	require.True(t, res.Exact())
	require.Equal(t, strings.Repeat("large", 10), string(c.Value()))
	require.Equal(t, uint64(20), c.Txn())

	for ts := uint64(19); ts >= 1; ts-- {
		require.NoError(t, c.Prev())
		got, _ := tsOf(c.Key())
		require.Equal(t, ts, got)
	}
	require.ErrorIs(t, c.Prev(), ordered.ErrNotFound)

	// Without a ceiling the newer entries are reachable again.
	c.(ordered.TimestampFilter).SetTimestampCeiling(^uint64(0))
	require.NoError(t, c.Modify(tsKey("k", 60), []byte("late"), 60, false))
	res, err = c.Search(tsKey("k", 60), false, nil)
	require.NoError(t, err)
	require.True(t, res.Exact())
	require.NoError(t, c.Prev())
	got, _ := tsOf(c.Key())
	require.Equal(t, uint64(50), got)
	require.Equal(t, strings.Repeat("large", 10), string(c.Value()))
}

func TestSearchPastEnd(t *testing.T) {
	tr := openTest(t, 0)
	c, err := tr.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Search(tsKey("a", 1), false, nil)
	require.ErrorIs(t, err, ordered.ErrNotFound)

	require.NoError(t, c.Modify(tsKey("a", 1), []byte("x"), 0, false))
	res, err := c.Search(tsKey("b", 1), false, nil)
	require.NoError(t, err)
	require.Equal(t, -1, res.Compare)
	require.Equal(t, tsKey("a", 1), c.Key())
	require.Nil(t, c.Page())
	require.Equal(t, int64(1), tr.OpenCursors())
}

func TestValueLogDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	vl, err := openValueLog(dir, 2, nil)
	require.NoError(t, err)
	p, err := vl.append([]byte("key"), []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, vl.syncPending())

	got, err := vl.read(p)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	v, err := decodeStored(encodePointerValue(p), vl)
	require.NoError(t, err)
	require.Equal(t, "payload", string(v))

	path := filepath.Join(dir, fmt.Sprintf("blob.%02d.log", p.FileID))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[p.Offset+8] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, err = vl.read(p)
	require.Error(t, err)

	bad := p
	bad.FileID = 7
	_, err = vl.read(bad)
	require.Error(t, err)
	require.NoError(t, vl.close())

	_, err = decodeStored([]byte{9}, nil)
	require.Error(t, err)
	_, err = decodeStored(encodePointerValue(p), nil)
	require.Error(t, err)
}
