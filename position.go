package histstore

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/moatus/histstore/ordered"
	"github.com/moatus/histstore/txn"
)

// PositionAt places c at key. It reports whether the position is an exact
// match.
//
// When the cursor still references a page from an earlier search, the search
// is first confined to that page. A confined result is trusted only if it is
// exact or lands strictly inside the page: a first or last slot may belong on
// a neighbouring page. Otherwise the cursor is reset and the whole structure
// is searched.
//
// With forInsert set the cursor is only prepared for ApplyDirect. Any error
// leaves the cursor reset.
func PositionAt(c *Cursor, key []byte, forInsert bool) (exact bool, err error) {
	defer func() {
		if err != nil {
			_ = c.Reset()
		}
	}()

	var (
		res    ordered.SearchResult
		usable bool
	)
	if page := c.oc.Page(); page != nil {
		res, err = c.oc.Search(key, forInsert, page)
		switch {
		case err == nil:
			usable = res.Exact() || !res.OnBoundary()
		case errors.Is(err, ErrNotFound):
			err = nil
		default:
			return false, structural(err, "confined search")
		}
		if !usable {
			if err = c.Reset(); err != nil {
				return false, err
			}
		}
	}
	if !usable {
		if res, err = c.oc.Search(key, forInsert, nil); err != nil {
			return false, structural(err, "search")
		}
	}

	c.compare = res.Compare
	if forInsert {
		c.positioned = false
		return res.Exact(), nil
	}
	c.positioned = true
	if invariantsEnabled {
		if err = checkLanding(c, key, res); err != nil {
			return false, err
		}
		c.initOrder()
	}
	return res.Exact(), nil
}

// checkLanding verifies the reported comparison against the landed key.
func checkLanding(c *Cursor, key []byte, res ordered.SearchResult) error {
	got := ordered.CompareSign(c.tree.Compare(c.oc.Key(), key))
	if got != ordered.CompareSign(res.Compare) {
		return errors.AssertionFailedf("histstore: search for %x landed on %x but reported %d", key, c.oc.Key(), res.Compare)
	}
	return nil
}

// FindNearestAtOrBefore positions c on the newest entry of (tableID, key)
// whose (timestamp, counter) is at or before (ts, counterBound). It returns
// ErrNotFound when the record has no such entry.
//
// The encoded search key is copied into *out when out is non-nil.
//
// Positioning runs under ReadUncommitted: history entries are visible as
// soon as they are written.
func FindNearestAtOrBefore(c *Cursor, tableID uint32, key []byte, ts, counterBound uint64, out *[]byte) error {
	return c.WithIsolation(txn.ReadUncommitted, func() error {
		c.SetKey(tableID, key, ts, counterBound)
		var srch []byte
		if out != nil {
			*out = append((*out)[:0], c.key...)
			srch = *out
		} else {
			srch = bytes.Clone(c.key)
		}

		exact, err := c.SearchNear()
		if err != nil {
			return err
		}
		// Entries of other records can be inserted between the landing point
		// and the target while we walk, so one step back is not always
		// enough. Each step moves strictly backward; the walk ends at the
		// start of the store at the latest.
		if exact > 0 {
			for c.tree.Compare(c.RawKey(), srch) > 0 {
				if err := c.Prev(); err != nil {
					return err
				}
				c.stats.Inc(StatPositionSkip)
			}
		}
		if invariantsEnabled && c.tree.Compare(c.RawKey(), srch) > 0 {
			return errors.AssertionFailedf("histstore: positioned at %x after search key %x", c.RawKey(), srch)
		}
		if !bytes.HasPrefix(c.RawKey(), KeyPrefix(tableID, key)) {
			return ErrNotFound
		}
		return nil
	})
}
