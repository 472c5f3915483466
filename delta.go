package histstore

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ValueFormat describes how a value is laid out for delta application.
type ValueFormat string

const (
	// FormatRaw values are arbitrary bytes; gaps are padded with 0x00.
	FormatRaw ValueFormat = "u"
	// FormatString values are nul-terminated strings; gaps are padded with
	// spaces and the terminator is kept at the end.
	FormatString ValueFormat = "S"
)

// ModifyEntry replaces Size bytes at Offset with Data.
type ModifyEntry struct {
	Data   []byte
	Offset int
	Size   int
}

// Modify is an ordered list of replace operations.
type Modify []ModifyEntry

// EncodeModify packs m as uvarint count, then per entry uvarint data length,
// offset and size followed by the data.
func EncodeModify(m Modify) []byte {
	out := binary.AppendUvarint(nil, uint64(len(m)))
	for _, e := range m {
		out = binary.AppendUvarint(out, uint64(len(e.Data)))
		out = binary.AppendUvarint(out, uint64(e.Offset))
		out = binary.AppendUvarint(out, uint64(e.Size))
		out = append(out, e.Data...)
	}
	return out
}

// DecodeModify parses a payload produced by EncodeModify. Entry data alias p.
func DecodeModify(p []byte) (Modify, error) {
	n, p, err := uvarint(p)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(p)) {
		return nil, errors.Newf("histstore: modify claims %d entries in %d bytes", n, len(p))
	}
	m := make(Modify, 0, n)
	for i := uint64(0); i < n; i++ {
		var dlen, off, size uint64
		if dlen, p, err = uvarint(p); err != nil {
			return nil, err
		}
		if off, p, err = uvarint(p); err != nil {
			return nil, err
		}
		if size, p, err = uvarint(p); err != nil {
			return nil, err
		}
		if dlen > uint64(len(p)) {
			return nil, errors.Newf("histstore: modify entry %d truncated", i)
		}
		m = append(m, ModifyEntry{Data: p[:dlen:dlen], Offset: int(off), Size: int(size)})
		p = p[dlen:]
	}
	if len(p) != 0 {
		return nil, errors.Newf("histstore: %d trailing bytes after modify", len(p))
	}
	return m, nil
}

func uvarint(p []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, nil, errors.New("histstore: malformed modify varint")
	}
	return v, p[n:], nil
}

// DeltaApplier applies one encoded delta to a base value.
type DeltaApplier interface {
	// Apply applies payload to buf and returns the result, which may reuse
	// buf's storage.
	Apply(format ValueFormat, buf []byte, payload []byte) ([]byte, error)
}

// DefaultApplier applies payloads encoded with EncodeModify.
type DefaultApplier struct{}

func (DefaultApplier) Apply(format ValueFormat, buf []byte, payload []byte) ([]byte, error) {
	m, err := DecodeModify(payload)
	if err != nil {
		return nil, err
	}
	return ApplyModify(format, buf, m)
}

// maxModifyPadding bounds how far past the end of a value a modify entry may
// start.
const maxModifyPadding = 16 << 20

// ApplyModify applies m to buf in order.
func ApplyModify(format ValueFormat, buf []byte, m Modify) ([]byte, error) {
	pad := byte(0x00)
	str := format == FormatString
	if str {
		pad = ' '
		if n := len(buf); n > 0 && buf[n-1] == 0x00 {
			buf = buf[:n-1]
		}
	}
	for _, e := range m {
		if e.Offset < 0 || e.Size < 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "modify entry offset %d size %d", e.Offset, e.Size)
		}
		if e.Offset-len(buf) > maxModifyPadding {
			return nil, errors.Wrapf(ErrInvalidArgument, "modify entry offset %d is %d bytes past the value", e.Offset, e.Offset-len(buf))
		}
		if e.Offset >= len(buf) {
			for len(buf) < e.Offset {
				buf = append(buf, pad)
			}
			buf = append(buf, e.Data...)
			continue
		}
		size := e.Size
		if size > len(buf)-e.Offset {
			size = len(buf) - e.Offset
		}
		tail := len(buf) - e.Offset - size
		newLen := e.Offset + len(e.Data) + tail
		if newLen > cap(buf) {
			grown := make([]byte, len(buf), newLen)
			copy(grown, buf)
			buf = grown
		}
		oldLen := len(buf)
		buf = buf[:max(oldLen, newLen)]
		copy(buf[e.Offset+len(e.Data):], buf[e.Offset+size:oldLen])
		copy(buf[e.Offset:], e.Data)
		buf = buf[:newLen]
	}
	if str {
		buf = append(buf, 0x00)
	}
	return buf, nil
}
