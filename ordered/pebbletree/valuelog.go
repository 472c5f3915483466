package pebbletree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/multierr"
)

// pointer is a reference into the value log.
// Layout: FileID u32 | Offset u64 | Length u32 | CRC32 u32, big endian.
type pointer struct {
	FileID uint32
	Offset uint64
	Length uint32
	CRC32  uint32
}

const pointerSize = 20

func encodePointer(p pointer) [pointerSize]byte {
	var b [pointerSize]byte
	binary.BigEndian.PutUint32(b[0:4], p.FileID)
	binary.BigEndian.PutUint64(b[4:12], p.Offset)
	binary.BigEndian.PutUint32(b[12:16], p.Length)
	binary.BigEndian.PutUint32(b[16:20], p.CRC32)
	return b
}

func decodePointer(b []byte) (pointer, error) {
	if len(b) < pointerSize {
		return pointer{}, errors.Newf("pebbletree: pointer too short (%d bytes)", len(b))
	}
	return pointer{
		FileID: binary.BigEndian.Uint32(b[0:4]),
		Offset: binary.BigEndian.Uint64(b[4:12]),
		Length: binary.BigEndian.Uint32(b[12:16]),
		CRC32:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// blobCache caches value log reads, capped by total bytes.
type blobCache struct {
	c *ristretto.Cache[string, []byte]
}

// maxCacheRecordLen keeps huge values out of the cache.
const maxCacheRecordLen = 256 << 10

func newBlobCache(mb int) (*blobCache, error) {
	if mb <= 0 {
		return nil, nil
	}
	maxCost := int64(mb) << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// ~10x the expected number of items, assuming 4KB values.
		NumCounters: max(maxCost>>12, 1<<10) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "pebbletree: blob cache")
	}
	return &blobCache{c: c}, nil
}

func (b *blobCache) get(p pointer) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	enc := encodePointer(p)
	return b.c.Get(string(enc[:]))
}

func (b *blobCache) set(p pointer, val []byte) {
	if b == nil || len(val) > maxCacheRecordLen {
		return
	}
	enc := encodePointer(p)
	b.c.Set(string(enc[:]), val, int64(len(val)))
}

func (b *blobCache) close() {
	if b != nil {
		b.c.Close()
	}
}

// valueLog is a sharded append-only blob store for large values.
// Record format: [keyHash u32][valueLen u32][value][crc32 u32].
type valueLog struct {
	shards []*vlogShard
	cache  *blobCache
}

type vlogShard struct {
	mu     sync.Mutex
	f      *os.File
	fileID uint32
	offset int64
	dirty  bool
}

func openValueLog(dir string, shards int, cache *blobCache) (*valueLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "pebbletree: value log dir")
	}
	vl := &valueLog{shards: make([]*vlogShard, 0, shards), cache: cache}
	for i := 0; i < shards; i++ {
		p := filepath.Join(dir, fmt.Sprintf("blob.%02d.log", i))
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "pebbletree: open %s", p), vl.close())
		}
		st, err := f.Stat()
		if err != nil {
			return nil, multierr.Combine(err, f.Close(), vl.close())
		}
		vl.shards = append(vl.shards, &vlogShard{f: f, fileID: uint32(i), offset: st.Size()})
	}
	return vl, nil
}

// append writes val and returns its pointer. The record is durable only
// after syncPending.
func (vl *valueLog) append(key, val []byte) (pointer, error) {
	h := xxhash.Sum64(key)
	s := vl.shards[h%uint64(len(vl.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.offset
	rec := make([]byte, 8, 8+len(val)+4)
	binary.BigEndian.PutUint32(rec[0:4], uint32(h))
	binary.BigEndian.PutUint32(rec[4:8], uint32(len(val)))
	rec = append(rec, val...)
	crc := crc32.ChecksumIEEE(val)
	rec = binary.BigEndian.AppendUint32(rec, crc)
	if _, err := s.f.WriteAt(rec, off); err != nil {
		return pointer{}, errors.Wrap(err, "pebbletree: value log append")
	}
	s.offset += int64(len(rec))
	s.dirty = true
	return pointer{FileID: s.fileID, Offset: uint64(off), Length: uint32(len(val)), CRC32: crc}, nil
}

// syncPending fsyncs every shard written since the last call.
func (vl *valueLog) syncPending() error {
	for _, s := range vl.shards {
		s.mu.Lock()
		if s.dirty {
			if err := s.f.Sync(); err != nil {
				s.mu.Unlock()
				return errors.Wrap(err, "pebbletree: value log sync")
			}
			s.dirty = false
		}
		s.mu.Unlock()
	}
	return nil
}

// read returns a copy of the value p points at.
func (vl *valueLog) read(p pointer) ([]byte, error) {
	if b, ok := vl.cache.get(p); ok {
		return b, nil
	}
	if int(p.FileID) >= len(vl.shards) {
		return nil, errors.Newf("pebbletree: pointer to unknown value log file %d", p.FileID)
	}
	s := vl.shards[p.FileID]
	buf := make([]byte, 8+int(p.Length)+4)
	if _, err := s.f.ReadAt(buf, int64(p.Offset)); err != nil {
		return nil, errors.Wrap(err, "pebbletree: value log read")
	}
	if ln := binary.BigEndian.Uint32(buf[4:8]); ln != p.Length {
		return nil, errors.Newf("pebbletree: value log length mismatch at %d:%d (%d != %d)", p.FileID, p.Offset, ln, p.Length)
	}
	val := buf[8 : 8+p.Length]
	if crc := binary.BigEndian.Uint32(buf[8+p.Length:]); crc != p.CRC32 || crc32.ChecksumIEEE(val) != p.CRC32 {
		return nil, errors.Newf("pebbletree: value log checksum mismatch at %d:%d", p.FileID, p.Offset)
	}
	vl.cache.set(p, val)
	return val, nil
}

func (vl *valueLog) close() error {
	var err error
	for _, s := range vl.shards {
		err = multierr.Append(err, s.f.Close())
	}
	vl.cache.close()
	return err
}

// Stored value kinds.
const (
	kindInline  = byte(0)
	kindPointer = byte(1)
)

func encodeInline(val []byte) []byte {
	out := make([]byte, 1+len(val))
	out[0] = kindInline
	copy(out[1:], val)
	return out
}

func encodePointerValue(p pointer) []byte {
	enc := encodePointer(p)
	return append([]byte{kindPointer}, enc[:]...)
}

// decodeStored returns the value behind a stored body. Inline values alias
// raw.
func decodeStored(raw []byte, vl *valueLog) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("pebbletree: empty stored value")
	}
	switch raw[0] {
	case kindInline:
		return raw[1:], nil
	case kindPointer:
		p, err := decodePointer(raw[1:])
		if err != nil {
			return nil, err
		}
		if vl == nil {
			return nil, errors.New("pebbletree: pointer value without a value log")
		}
		return vl.read(p)
	}
	return nil, errors.Newf("pebbletree: unknown stored value kind %d", raw[0])
}
