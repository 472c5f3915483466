package pebbletree

import (
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/bloom"
	"github.com/cockroachdb/pebble/v2/sstable"
	"go.uber.org/zap"
)

// Options configures a pebble-backed tree.
type Options struct {
	Dir     string
	CacheMB int
	// Sync makes every write durable before it returns.
	Sync      bool
	BloomBits int
	BlockKB   int
	// InlineThreshold is the largest value stored inline in pebble; larger
	// values go to the value log. Zero disables the value log.
	InlineThreshold int
	BlobCacheMB     int
	ValueLogShards  int
	// Timestamp extracts the entry timestamp from a key. When set, tables
	// record per-block timestamp intervals and cursors accept a timestamp
	// ceiling.
	Timestamp func(key []byte) (uint64, bool)
	Logger    *zap.Logger
}

func (o *Options) ensureDefaults() {
	if o.CacheMB <= 0 {
		o.CacheMB = 64
	}
	if o.BloomBits <= 0 {
		o.BloomBits = 12
	}
	if o.BlockKB <= 0 {
		o.BlockKB = 32
	}
	if o.ValueLogShards <= 0 {
		o.ValueLogShards = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// pebbleOptions builds production-like options: bloom filters on every
// level, uncompressed blocks and large memtables.
func pebbleOptions(o Options, cache *pebble.Cache) *pebble.Options {
	opts := &pebble.Options{
		DisableWAL:                  false,
		MemTableSize:                64 << 20,
		L0CompactionThreshold:       10,
		L0StopWritesThreshold:       20,
		MemTableStopWritesThreshold: 16,
		LBaseMaxBytes:               512 << 20,
		BytesPerSync:                1 << 20,
		WALBytesPerSync:             1 << 20,
		MaxOpenFiles:                5000,
		Cache:                       cache,
		FormatMajorVersion:          pebble.FormatColumnarBlocks,
		Logger:                      o.Logger.Sugar(),
	}
	opts.EnsureDefaults()

	policy := bloom.FilterPolicy(o.BloomBits)
	for i := range opts.Levels {
		opts.Levels[i].FilterPolicy = policy
		opts.Levels[i].Compression = func() *sstable.CompressionProfile { return sstable.NoCompression }
		opts.Levels[i].BlockSize = o.BlockKB << 10
		opts.Levels[i].IndexBlockSize = o.BlockKB << 10
	}
	if o.Timestamp != nil {
		tsOf := o.Timestamp
		opts.BlockPropertyCollectors = append(opts.BlockPropertyCollectors,
			func() pebble.BlockPropertyCollector { return newTimestampCollector(tsOf) })
	}
	return opts
}

func writeOptions(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}
