package histstore

import (
	"github.com/cockroachdb/errors"

	"github.com/moatus/histstore/ordered"
)

var (
	// ErrNotFound means there is no matching entry. The resolver never
	// returns it; it turns into an empty result there.
	ErrNotFound = ordered.ErrNotFound
	// ErrStructural marks failures reported by the ordered structure.
	ErrStructural = errors.New("histstore: ordered structure failure")
	// ErrAllocation is returned when scratch memory cannot be obtained.
	ErrAllocation = errors.New("histstore: scratch allocation failed")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("histstore: invalid argument")
)

// structural wraps a backend failure so callers can recognise it with
// errors.Is(err, ErrStructural). Not-found passes through unchanged.
func structural(err error, op string) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.HasAssertionFailure(err) {
		return err
	}
	if errors.Is(err, ErrStructural) {
		return err
	}
	return errors.Mark(errors.Wrap(err, op), ErrStructural)
}
