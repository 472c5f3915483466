package workload

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/ordered"
)

// Dump writes one line per history entry of table, in key order, stopping
// after limit entries when limit is positive. It returns the number of
// entries written.
func Dump(w io.Writer, st *histstore.Store, table uint32, limit int) (n int, err error) {
	c, err := st.NewCursor(nil)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, c.Close()) }()
	c.SetVisibilityBypass(true)

	start := binary.BigEndian.AppendUint32(nil, table)
	end := ordered.PrefixEnd(start)
	tree := st.Tree()

	c.SetRawKey(start)
	cmp, err := c.SearchNear()
	if errors.Is(err, histstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if cmp < 0 {
		if err = c.Next(); errors.Is(err, histstore.ErrNotFound) {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
	}

	var total uint64
	for limit <= 0 || n < limit {
		if end != nil && tree.Compare(c.RawKey(), end) >= 0 {
			break
		}
		k, err := c.Key()
		if err != nil {
			return n, err
		}
		rec, err := c.Value()
		if err != nil {
			return n, err
		}
		stop := "max"
		if rec.StopDurableTS != histstore.TSMax {
			stop = fmt.Sprint(rec.StopDurableTS)
		}
		fmt.Fprintf(w, "%q ts=%d ctr=%d durable=%d stop=%s %s %s writer=%d\n",
			k.RecordKey, k.Timestamp, k.Counter, rec.DurableTS, stop, rec.Kind,
			humanize.IBytes(uint64(len(rec.Payload))), c.Writer())
		total += uint64(len(rec.Payload))
		n++
		if err := c.Next(); errors.Is(err, histstore.ErrNotFound) {
			break
		} else if err != nil {
			return n, err
		}
	}
	fmt.Fprintf(w, "%s entries, %s of payload\n", humanize.Comma(int64(n)), humanize.IBytes(total))
	return n, nil
}
