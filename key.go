package histstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
)

// Timestamp, counter and record-number sentinels.
const (
	TSNone     uint64 = 0
	TSMax      uint64 = math.MaxUint64
	CounterMax uint64 = math.MaxUint64
	RecnoNone  uint64 = 0
)

const (
	tableIDSize = 4
	suffixSize  = 16 // timestamp + counter
	recnoSize   = 8
)

// separator ends an escaped record key. It sorts below every escaped byte
// pair, so a record key sorts before all of its extensions.
var separator = []byte{0x00, 0x00}

// Key is a history store key. Entries of one record sort by ascending
// (Timestamp, Counter).
type Key struct {
	TableID   uint32
	RecordKey []byte
	Timestamp uint64
	Counter   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("{table=%d key=%x ts=%d counter=%d}", k.TableID, k.RecordKey, k.Timestamp, k.Counter)
}

// EncodeKey composes the raw key:
// [u32 table][Enc(recordKey)][0x00 0x00][u64 ts][u64 counter], all big endian.
func EncodeKey(tableID uint32, recordKey []byte, ts, counter uint64) []byte {
	return AppendKey(nil, tableID, recordKey, ts, counter)
}

// AppendKey appends the raw encoding of the key to dst.
func AppendKey(dst []byte, tableID uint32, recordKey []byte, ts, counter uint64) []byte {
	dst = appendPrefix(dst, tableID, recordKey)
	dst = binary.BigEndian.AppendUint64(dst, ts)
	return binary.BigEndian.AppendUint64(dst, counter)
}

// KeyPrefix returns the raw prefix shared by every entry of one record.
func KeyPrefix(tableID uint32, recordKey []byte) []byte {
	return appendPrefix(nil, tableID, recordKey)
}

func appendPrefix(dst []byte, tableID uint32, recordKey []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, tableID)
	for _, b := range recordKey {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, separator...)
}

// DecodeKey parses a raw key produced by EncodeKey.
func DecodeKey(raw []byte) (Key, error) {
	if len(raw) < tableIDSize+len(separator)+suffixSize {
		return Key{}, errors.Newf("histstore: key too short (%d bytes)", len(raw))
	}
	sepStart := len(raw) - suffixSize - len(separator)
	if !bytes.Equal(raw[sepStart:sepStart+len(separator)], separator) {
		return Key{}, errors.Newf("histstore: key %x has no record separator", raw)
	}
	rk, err := unescape(raw[tableIDSize:sepStart])
	if err != nil {
		return Key{}, errors.Wrapf(err, "histstore: key %x", raw)
	}
	suffix := raw[len(raw)-suffixSize:]
	return Key{
		TableID:   binary.BigEndian.Uint32(raw),
		RecordKey: rk,
		Timestamp: binary.BigEndian.Uint64(suffix),
		Counter:   binary.BigEndian.Uint64(suffix[8:]),
	}, nil
}

func unescape(enc []byte) ([]byte, error) {
	out := make([]byte, 0, len(enc))
	for i := 0; i < len(enc); i++ {
		b := enc[i]
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(enc) {
			return nil, errors.New("unterminated escape")
		}
		if enc[i] != 0xFF {
			return nil, errors.Newf("invalid escape sequence: 0x00 0x%02x", enc[i])
		}
		out = append(out, 0x00)
	}
	return out, nil
}

// EncodeRecno packs a record number of a counter-keyed table into the record
// key used by the history store.
func EncodeRecno(recno uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, recnoSize), recno)
}

// DecodeRecno unpacks a record key produced by EncodeRecno.
func DecodeRecno(rk []byte) (uint64, error) {
	if len(rk) != recnoSize {
		return 0, errors.Newf("histstore: record number key has %d bytes", len(rk))
	}
	return binary.BigEndian.Uint64(rk), nil
}

// KeyTimestamp returns the timestamp of a raw key without decoding the
// record key.
func KeyTimestamp(raw []byte) (uint64, bool) {
	if len(raw) < tableIDSize+len(separator)+suffixSize {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw[len(raw)-suffixSize:]), true
}
