// Package workload drives a history store with a synthetic, reproducible
// update history and times how fast it can be read back.
package workload

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
)

// Distribution is the share of each key family in a generated key set.
type Distribution struct {
	UserRatio    float64 // user_ rows, updated constantly
	OrderRatio   float64 // order_ rows, frequent reads and writes
	SessionRatio float64 // session_ rows, short bursts
	ArchiveRatio float64 // audit_, event_ and blob_ rows, rarely touched
}

// DefaultDistribution mirrors a row-store table with a hot head.
func DefaultDistribution() Distribution {
	return Distribution{
		UserRatio:    0.60,
		OrderRatio:   0.20,
		SessionRatio: 0.10,
		ArchiveRatio: 0.10,
	}
}

// GenerateKeys returns count distinct record keys in sorted order. The same
// seed always yields the same keys.
func GenerateKeys(count int, seed int64) [][]byte {
	return GenerateKeysWithDistribution(count, seed, DefaultDistribution())
}

// GenerateKeysWithDistribution is GenerateKeys with a custom family mix.
func GenerateKeysWithDistribution(count int, seed int64, dist Distribution) [][]byte {
	rng := rand.New(rand.NewSource(seed))

	userCount := int(float64(count) * dist.UserRatio)
	orderCount := int(float64(count) * dist.OrderRatio)
	sessionCount := int(float64(count) * dist.SessionRatio)
	archiveCount := count - userCount - orderCount - sessionCount

	seen := make(map[string]struct{}, count)
	keys := make([][]byte, 0, count)
	add := func(k string) bool {
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
		keys = append(keys, []byte(k))
		return true
	}

	for i := 0; i < userCount; {
		if add(fmt.Sprintf("user_%s", hexID(rng, 20))) {
			i++
		}
	}
	for i := 0; i < orderCount; {
		if add(fmt.Sprintf("order_%s", hexID(rng, 16))) {
			i++
		}
	}
	for i := 0; i < sessionCount; {
		// Session ids carry an embedded zero byte to exercise key escaping.
		if add(fmt.Sprintf("session_%d\x00%d", rng.Uint32()%1000000, rng.Uint32()%100)) {
			i++
		}
	}
	for i := 0; i < archiveCount; {
		family := []string{"audit_", "event_", "blob_"}[rng.Intn(3)]
		if add(family + hexID(rng, 16)) {
			i++
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	return keys
}

func hexID(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	rng.Read(b)
	return fmt.Sprintf("%x", b)
}

// HotKeys returns the user_ and order_ keys.
func HotKeys(keys [][]byte) [][]byte {
	var hot [][]byte
	for _, k := range keys {
		if bytes.HasPrefix(k, []byte("user_")) || bytes.HasPrefix(k, []byte("order_")) {
			hot = append(hot, k)
		}
	}
	return hot
}

// KeysByPrefix returns the keys starting with prefix.
func KeysByPrefix(keys [][]byte, prefix string) [][]byte {
	var out [][]byte
	for _, k := range keys {
		if bytes.HasPrefix(k, []byte(prefix)) {
			out = append(out, k)
		}
	}
	return out
}

// Value returns a deterministic value of the given size derived from seed.
func Value(size int, seed uint64) []byte {
	if size <= 0 {
		return nil
	}
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	hash := sha256.Sum256(s[:])

	v := make([]byte, size)
	for i := range v {
		v[i] = hash[i%len(hash)]
	}
	return v
}
