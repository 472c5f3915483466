// Package txn provides the transaction and visibility context readers of the
// history store run under.
package txn

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// IsolationLevel selects which writers a reader can see.
type IsolationLevel int

const (
	// ReadUncommitted sees every entry regardless of its writer's state.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted sees entries of committed writers at the time of the read.
	ReadCommitted
	// Snapshot sees entries of writers committed before the reader began.
	Snapshot
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case Snapshot:
		return "snapshot"
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// TxnNone is the writer id of entries that belong to no transaction; they are
// visible to everyone.
const TxnNone uint64 = 0

type state uint8

const (
	stateActive state = iota
	stateCommitted
	stateAborted
)

var (
	// ErrNotActive is returned when committing or aborting a finished transaction.
	ErrNotActive = errors.New("txn: transaction is not active")
)

// Manager hands out transaction ids and tracks their outcome.
//
// Only running and aborted ids are kept. A committed id is dropped at commit:
// unknown ids read as committed, and a snapshot holds its own copy of the ids
// that were running when it began.
type Manager struct {
	mu     sync.RWMutex
	nextID uint64
	states map[uint64]state
}

// NewManager creates a Manager. Ids start at 1; 0 is TxnNone.
func NewManager() *Manager {
	return &Manager{nextID: 1, states: make(map[uint64]state)}
}

// Txn is one transaction's read context.
type Txn struct {
	m             *Manager
	ID            uint64
	ReadTimestamp uint64
	isolation     IsolationLevel

	// snapshot: writers >= snapMax or in snapActive were not committed when
	// the transaction began.
	snapMax    uint64
	snapActive map[uint64]struct{}
}

// Begin starts a transaction with the given isolation and read timestamp.
func (m *Manager) Begin(iso IsolationLevel, readTS uint64) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Txn{
		m:             m,
		ID:            m.nextID,
		ReadTimestamp: readTS,
		isolation:     iso,
		snapMax:       m.nextID,
		snapActive:    make(map[uint64]struct{}),
	}
	for id, s := range m.states {
		if s == stateActive {
			t.snapActive[id] = struct{}{}
		}
	}
	m.states[t.ID] = stateActive
	m.nextID++
	return t
}

// Commit marks t committed.
func (m *Manager) Commit(t *Txn) error { return m.finish(t, stateCommitted) }

// Rollback marks t aborted.
func (m *Manager) Rollback(t *Txn) error { return m.finish(t, stateAborted) }

func (m *Manager) finish(t *Txn, s state) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[t.ID]; !ok || cur != stateActive {
		return errors.Wrapf(ErrNotActive, "txn %d", t.ID)
	}
	if s == stateCommitted {
		delete(m.states, t.ID)
		return nil
	}
	m.states[t.ID] = s
	return nil
}

// committed reports whether writer has committed. Unknown ids are treated as
// committed: they predate this manager.
func (m *Manager) committed(writer uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[writer]
	return !ok || s == stateCommitted
}

// Isolation returns the transaction's current isolation level.
func (t *Txn) Isolation() IsolationLevel { return t.isolation }

// WithIsolation runs fn with the isolation level overridden, restoring the
// previous level afterwards.
func (t *Txn) WithIsolation(level IsolationLevel, fn func() error) error {
	saved := t.isolation
	t.isolation = level
	defer func() { t.isolation = saved }()
	return fn()
}

// Visible reports whether an entry written by writer is visible to t under iso.
// A nil transaction carries no visibility context and sees every entry.
func (t *Txn) Visible(writer uint64, iso IsolationLevel) bool {
	if writer == TxnNone || iso == ReadUncommitted {
		return true
	}
	if t == nil {
		return true
	}
	if writer == t.ID {
		return true
	}
	if !t.m.committed(writer) {
		return false
	}
	if iso == Snapshot {
		if writer >= t.snapMax {
			return false
		}
		if _, ok := t.snapActive[writer]; ok {
			return false
		}
	}
	return true
}
