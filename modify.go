package histstore

import "github.com/cockroachdb/errors"

// Update is one history entry to write.
type Update struct {
	// Txn is the writer. History entries are visible as soon as they are
	// written whatever the writer's state; Txn only feeds visibility checks
	// of readers that ask for them.
	Txn    uint64
	Record Record
}

// ApplyDirect writes upd at the key loaded on c. The caller positions c with
// PositionAt(c, key, true) first. Other writers may be inserting into the
// same page, so the write is not exclusive.
func ApplyDirect(c *Cursor, upd Update) error {
	if len(c.key) == 0 {
		return errors.Wrap(ErrInvalidArgument, "apply without a loaded key")
	}
	v, err := EncodeRecord(upd.Record)
	if err != nil {
		return err
	}
	if err := c.oc.Modify(c.key, v, upd.Txn, false); err != nil {
		return structural(err, "modify")
	}
	c.positioned = false
	return nil
}
