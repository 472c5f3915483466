package histstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig, cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "histstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: bolt
path: ${HS_TEST_DIR}/hs.db
pageEntries: 16
sync: false
`), 0o644))
	t.Setenv("HS_TEST_DIR", dir)
	t.Setenv("HISTSTORE_SCRATCH_LIMIT", "32")
	t.Setenv("PEBBLE_CACHE_MB", "not a number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, BackendBolt, cfg.Backend)
	require.Equal(t, filepath.Join(dir, "hs.db"), cfg.Path)
	require.Equal(t, 16, cfg.PageEntries)
	require.False(t, cfg.Sync)
	require.Equal(t, 32, cfg.ScratchLimit)
	require.Equal(t, DefaultConfig.CacheMB, cfg.CacheMB)
	require.Equal(t, DefaultConfig.BloomBits, cfg.BloomBits)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig
	require.NoError(t, cfg.Validate())

	cfg.Backend = BackendPebble
	require.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)

	cfg.Backend = "rocks"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)

	t.Setenv("HISTSTORE_BACKEND", "badger")
	_, err := LoadConfig("")
	require.ErrorIs(t, err, ErrInvalidArgument, "badger without a path")
}

func TestOpenZeroConfigIsMemtree(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, BackendMemtree, s.Tree().Name())

	put(t, s, 1, "k", 10, 0, UpdateStandard, []byte("v"))
	uv, err := s.Resolve(nil, ResolveRequest{TableID: 1, Key: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, "v", string(uv.Payload))
}
