package histstore

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/config"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemtree = "memtree"
	BackendPebble  = "pebble"
	BackendBadger  = "badger"
	BackendBolt    = "bolt"
)

// Config configures a Store.
type Config struct {
	// Backend selects the ordered structure. Empty means memtree.
	Backend string `yaml:"backend"`
	// Path is the data directory (pebble, badger) or file (bolt). Ignored by
	// memtree.
	Path string `yaml:"path"`
	// PageEntries is the memtree leaf capacity.
	PageEntries int `yaml:"pageEntries"`
	// CacheMB is the pebble block cache size.
	CacheMB int `yaml:"cacheMB"`
	// Sync makes writes durable before they return.
	Sync bool `yaml:"sync"`
	// BloomBits and BlockKB tune pebble tables.
	BloomBits int `yaml:"bloomBits"`
	BlockKB   int `yaml:"blockKB"`
	// InlineThreshold is the largest record pebble keeps inline; bigger ones
	// go to the value log. Zero disables the value log.
	InlineThreshold int `yaml:"inlineThreshold"`
	// BlobCacheMB caps the value log read cache.
	BlobCacheMB int `yaml:"blobCacheMB"`
	// ScratchLimit caps outstanding scratch buffers per store. Zero is
	// unlimited.
	ScratchLimit int `yaml:"scratchLimit"`
	// LogLevel is the zap level used by the CLI.
	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig is the configuration LoadConfig starts from.
var DefaultConfig = Config{
	Backend:         BackendMemtree,
	PageEntries:     64,
	CacheMB:         64,
	Sync:            true,
	BloomBits:       12,
	BlockKB:         32,
	InlineThreshold: 1536,
	BlobCacheMB:     32,
	LogLevel:        "info",
}

// LoadConfig layers the YAML file at path (if any) over DefaultConfig, then
// applies environment overrides.
func LoadConfig(path string) (Config, error) {
	opts := []config.YAMLOption{config.Static(DefaultConfig), config.Expand(os.LookupEnv)}
	if path != "" {
		opts = append(opts, config.File(path))
	}
	yaml, err := config.NewYAML(opts...)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to load config")
	}
	var cfg Config
	if err := yaml.Get(config.Root).Populate(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemtree, "":
	case BackendPebble, BackendBadger, BackendBolt:
		if c.Path == "" {
			return errors.Wrapf(ErrInvalidArgument, "backend %s needs a path", c.Backend)
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown backend %q", c.Backend)
	}
	if c.ScratchLimit < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative scratch limit %d", c.ScratchLimit)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("HISTSTORE_BACKEND"))); v != "" {
		c.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("HISTSTORE_PATH")); v != "" {
		c.Path = v
	}
	c.PageEntries = envInt("HISTSTORE_PAGE_ENTRIES", c.PageEntries, 4)
	c.CacheMB = envInt("PEBBLE_CACHE_MB", c.CacheMB, 1)
	c.Sync = envBool("PEBBLE_SYNC", c.Sync)
	c.BloomBits = envInt("PEBBLE_BLOOM_BITS", c.BloomBits, 1)
	c.BlockKB = envInt("PEBBLE_BLOCK_KB", c.BlockKB, 1)
	c.InlineThreshold = envInt("HISTSTORE_INLINE_THRESHOLD", c.InlineThreshold, 0)
	c.BlobCacheMB = envInt("HISTSTORE_BLOB_CACHE_MB", c.BlobCacheMB, 0)
	c.ScratchLimit = envInt("HISTSTORE_SCRATCH_LIMIT", c.ScratchLimit, 0)
}

// envInt returns the integer in env var name when it parses and is at least
// min, def otherwise.
func envInt(name string, def, min int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= min {
		return n
	}
	return def
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}
