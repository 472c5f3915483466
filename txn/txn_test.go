package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisibility(t *testing.T) {
	m := NewManager()
	early := m.Begin(ReadCommitted, 0)
	require.NoError(t, m.Commit(early))
	running := m.Begin(ReadCommitted, 0)
	aborted := m.Begin(ReadCommitted, 0)
	require.NoError(t, m.Rollback(aborted))

	reader := m.Begin(Snapshot, 100)
	late := m.Begin(ReadCommitted, 0)
	require.NoError(t, m.Commit(late))
	require.NoError(t, m.Commit(running))

	for _, tc := range []struct {
		name   string
		writer uint64
		iso    IsolationLevel
		want   bool
	}{
		{"none is visible", TxnNone, Snapshot, true},
		{"own writes", reader.ID, Snapshot, true},
		{"committed before start", early.ID, Snapshot, true},
		{"running at start", running.ID, Snapshot, false},
		{"running at start, read committed", running.ID, ReadCommitted, true},
		{"started after", late.ID, Snapshot, false},
		{"started after, read committed", late.ID, ReadCommitted, true},
		{"aborted", aborted.ID, ReadCommitted, false},
		{"aborted, read uncommitted", aborted.ID, ReadUncommitted, true},
		{"unknown id predates manager", 9999, ReadCommitted, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, reader.Visible(tc.writer, tc.iso))
		})
	}

	var none *Txn
	require.True(t, none.Visible(aborted.ID, Snapshot))
}

func TestWithIsolationRestores(t *testing.T) {
	m := NewManager()
	tx := m.Begin(Snapshot, 5)
	err := tx.WithIsolation(ReadUncommitted, func() error {
		require.Equal(t, ReadUncommitted, tx.Isolation())
		return ErrNotActive
	})
	require.ErrorIs(t, err, ErrNotActive)
	require.Equal(t, Snapshot, tx.Isolation())
	require.Equal(t, uint64(5), tx.ReadTimestamp)
}

func TestFinishTwice(t *testing.T) {
	m := NewManager()
	tx := m.Begin(ReadCommitted, 0)
	require.NoError(t, m.Commit(tx))
	require.ErrorIs(t, m.Commit(tx), ErrNotActive)
	require.ErrorIs(t, m.Rollback(tx), ErrNotActive)
	require.Equal(t, "snapshot", Snapshot.String())
}

func (m *Manager) tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

func TestCommittedIdsAreDropped(t *testing.T) {
	m := NewManager()
	writer := m.Begin(ReadCommitted, 0)
	reader := m.Begin(Snapshot, 10)
	aborted := m.Begin(ReadCommitted, 0)
	require.Equal(t, 3, m.tracked())

	require.NoError(t, m.Commit(writer))
	require.NoError(t, m.Rollback(aborted))
	require.Equal(t, 2, m.tracked())
	// The snapshot began while writer was running.
	require.False(t, reader.Visible(writer.ID, Snapshot))
	require.True(t, reader.Visible(writer.ID, ReadCommitted))
	require.False(t, reader.Visible(aborted.ID, ReadCommitted))

	require.NoError(t, m.Commit(reader))
	require.Equal(t, 1, m.tracked(), "only the aborted id stays")
	require.ErrorIs(t, m.Commit(writer), ErrNotActive)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Commit(m.Begin(ReadCommitted, 0)))
	}
	require.Equal(t, 1, m.tracked())
	later := m.Begin(Snapshot, 20)
	require.Empty(t, later.snapActive)
	require.True(t, later.Visible(writer.ID, Snapshot))
}
