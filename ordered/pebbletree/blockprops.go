package pebbletree

import (
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/sstable"
)

// timestampPropertyName names the per-block interval of entry timestamps.
const timestampPropertyName = "histstore.ts.interval"

// timestampMapper maps each point key to [ts, ts+1).
type timestampMapper struct {
	tsOf func(key []byte) (uint64, bool)
}

var _ sstable.IntervalMapper = timestampMapper{}

func (m timestampMapper) MapPointKey(key pebble.InternalKey, _ []byte) (sstable.BlockInterval, error) {
	ts, ok := m.tsOf(key.UserKey)
	if !ok || ts == ^uint64(0) {
		return sstable.BlockInterval{}, nil
	}
	return sstable.BlockInterval{Lower: ts, Upper: ts + 1}, nil
}

func (timestampMapper) MapRangeKeys(_ sstable.Span) (sstable.BlockInterval, error) {
	return sstable.BlockInterval{}, nil
}

func newTimestampCollector(tsOf func([]byte) (uint64, bool)) pebble.BlockPropertyCollector {
	return sstable.NewBlockIntervalCollector(timestampPropertyName, timestampMapper{tsOf: tsOf}, nil)
}

// newCeilingFilter keeps blocks holding at least one entry with a timestamp
// at or below ceiling.
func newCeilingFilter(ceiling uint64) pebble.BlockPropertyFilter {
	return sstable.NewBlockIntervalFilter(timestampPropertyName, 0, ceiling+1, nil)
}
