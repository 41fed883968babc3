package trnman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	t.Run("own writes and older commits are visible", func(t *testing.T) {
		m := newTestManager(t)

		writer := m.Begin()
		require.NoError(t, m.Commit(writer))

		reader := m.Begin()
		assert.True(t, m.CanReadFrom(reader, reader.ID))
		assert.True(t, m.CanReadFrom(reader, writer.ID))
	})

	t.Run("uncommitted and later transactions are invisible", func(t *testing.T) {
		m := newTestManager(t)

		writer := m.Begin()
		reader := m.Begin()
		assert.False(t, m.CanReadFrom(reader, writer.ID))

		// committed after reader started
		require.NoError(t, m.Commit(writer))
		assert.False(t, m.CanReadFrom(reader, writer.ID))

		later := m.Begin()
		assert.False(t, m.CanReadFrom(reader, later.ID))
		assert.True(t, m.CanReadFrom(later, writer.ID))
	})

	t.Run("min read from follows the oldest active transaction", func(t *testing.T) {
		m := newTestManager(t)

		first := m.Begin()
		second := m.Begin()
		assert.Equal(t, first.ID, second.MinReadFrom)
		assert.Equal(t, first.ID, m.MinReadFrom())

		require.NoError(t, m.Commit(first))
		assert.Equal(t, first.ID, m.MinReadFrom())

		require.NoError(t, m.Abort(second))
		assert.Equal(t, m.NextTrid(), m.MinReadFrom())
	})

	t.Run("pruned commits stay visible", func(t *testing.T) {
		m := newTestManager(t)

		writer := m.Begin()
		require.NoError(t, m.Commit(writer))
		assert.Equal(t, 0, m.committed.Len())

		reader := m.Begin()
		assert.True(t, m.CanReadFrom(reader, writer.ID))
	})

	t.Run("ending twice fails", func(t *testing.T) {
		m := newTestManager(t)

		trn := m.Begin()
		require.NoError(t, m.Commit(trn))
		assert.Error(t, m.Abort(trn))
		assert.Equal(t, COMMITTED, trn.State())
	})

	t.Run("recreated transactions advance the counter", func(t *testing.T) {
		m := newTestManager(t)

		trn := m.Recreate(41)
		assert.Same(t, trn, m.Recreate(41))
		assert.Equal(t, uint64(42), m.NextTrid())
		assert.Equal(t, []*Trn{trn}, m.Active())

		m.SetNextTrid(100)
		assert.Equal(t, uint64(100), m.Begin().ID)
	})
}

func TestTrnUndoChain(t *testing.T) {
	trn := &Trn{ID: 1}

	trn.LoggedUndo(10)
	trn.LoggedUndo(20)
	assert.Equal(t, uint64(10), trn.FirstUndoLSN())
	assert.Equal(t, uint64(20), trn.UndoNext())

	trn.LoggedClr(30, 10)
	assert.Equal(t, uint64(30), trn.UndoLSN())
	assert.Equal(t, uint64(10), trn.UndoNext())
}

func newTestManager(t *testing.T) *Manager {
	m, err := NewManager(1024)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}
