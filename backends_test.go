package histstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBackend(t *testing.T, backend string) *Store {
	t.Helper()
	cfg := DefaultConfig
	cfg.Backend = backend
	cfg.Sync = false
	cfg.CacheMB = 8
	cfg.InlineThreshold = 16
	cfg.BlobCacheMB = 1
	switch backend {
	case BackendBolt:
		cfg.Path = filepath.Join(t.TempDir(), "hs.db")
	case BackendMemtree:
		cfg.PageEntries = 4
	default:
		cfg.Path = t.TempDir()
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	return s
}

func TestBackendsResolveScenario(t *testing.T) {
	for _, backend := range []string{BackendMemtree, BackendPebble, BackendBadger, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			s := openBackend(t, backend)
			defer func() { require.NoError(t, s.Close()) }()
			require.Equal(t, backend, s.Tree().Name())

			// Neighbours on both sides, and a value large enough to leave
			// pebble's inline storage.
			big := strings.Repeat("z", 100)
			put(t, s, 1, "J", 25, 0, UpdateStandard, []byte(big))
			put(t, s, 1, "L", 5, 0, UpdateStandard, []byte("after"))
			putScenario(t, s)

			require.Equal(t, "abc", string(resolveK(t, s, 10).Payload))
			require.Equal(t, "xbc", string(resolveK(t, s, 25).Payload))
			require.Equal(t, "xbc!", string(resolveK(t, s, 30).Payload))
			require.Equal(t, "xbc!", string(resolveK(t, s, TSNone).Payload))
			require.False(t, resolveK(t, s, 5).Found())

			uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("J"), ReadTimestamp: 30})
			require.NoError(t, err)
			require.Equal(t, big, string(uv.Payload))

			uv, err = s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("M")})
			require.NoError(t, err)
			require.False(t, uv.Found())
		})
	}
}

func TestBackendsWalkInOrder(t *testing.T) {
	for _, backend := range []string{BackendMemtree, BackendPebble, BackendBadger, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			s := openBackend(t, backend)
			defer func() { require.NoError(t, s.Close()) }()
			for ts := uint64(1); ts <= 12; ts++ {
				put(t, s, 1, "k", ts, 0, UpdateStandard, nil)
			}

			c, err := s.NewCursor(nil)
			require.NoError(t, err)
			defer c.Close()

			var fwd []uint64
			for err = c.Next(); err == nil; err = c.Next() {
				k, err := c.Key()
				require.NoError(t, err)
				fwd = append(fwd, k.Timestamp)
			}
			require.ErrorIs(t, err, ErrNotFound)
			require.Len(t, fwd, 12)

			require.NoError(t, FindNearestAtOrBefore(c, 1, []byte("k"), 6, CounterMax, nil))
			var back []uint64
			for err = nil; err == nil; err = c.Prev() {
				k, err := c.Key()
				require.NoError(t, err)
				back = append(back, k.Timestamp)
			}
			require.ErrorIs(t, err, ErrNotFound)
			require.Equal(t, []uint64{6, 5, 4, 3, 2, 1}, back)
		})
	}
}

func TestBackendsReopen(t *testing.T) {
	for _, backend := range []string{BackendPebble, BackendBadger, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			s := openBackend(t, backend)
			putScenario(t, s)
			cfg := s.cfg
			require.NoError(t, s.Close())

			s, err := Open(cfg)
			require.NoError(t, err)
			defer func() { require.NoError(t, s.Close()) }()
			require.Equal(t, "xbc!", string(resolveK(t, s, 30).Payload))
			put(t, s, 1, "K", 40, 0, UpdateStandard, []byte("fresh"))
			require.Equal(t, "fresh", string(resolveK(t, s, 40).Payload))
		})
	}
}
