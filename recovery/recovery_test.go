package recovery

import (
	"bytes"
	"testing"

	"github.com/jobala/rowstore/blockrec"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTableID = 1

func testDefinition() *blockrec.Definition {
	return blockrec.NewDefinition("items", testTableID, []record.Column{
		{Name: "id", Type: record.FIELD_NORMAL, Length: 4},
		{Name: "name", Type: record.FIELD_VARCHAR, Length: 100, Nullable: true},
		{Name: "body", Type: record.FIELD_BLOB, Length: record.BLOB_POINTER_SIZE + 2, Nullable: true},
	}, true, 1024, 16)
}

func row(n uint32, name string, blobSize int) record.Record {
	id := make([]byte, 4)
	util.Int4Store(id, n)

	var body []byte
	if blobSize > 0 {
		body = bytes.Repeat([]byte{byte('a' + n%26)}, blobSize)
	}
	return record.Record{id, []byte(name), body}
}

// world is one run of the engine over a directory: a log, a transaction manager and
// the tables opened so far.
type world struct {
	t      *testing.T
	dir    string
	log    *wal.Log
	trnman *trnman.Manager
	tables map[uint16]*blockrec.Table
}

func startWorld(t *testing.T, dir string) *world {
	l, err := wal.Open(dir, wal.Options{})
	require.NoError(t, err)
	tm, err := trnman.NewManager(0)
	require.NoError(t, err)

	return &world{t: t, dir: dir, log: l, trnman: tm, tables: map[uint16]*blockrec.Table{}}
}

func (w *world) env() blockrec.Env {
	return blockrec.Env{Log: w.log, Trnman: w.trnman, CacheFrames: 16}
}

func (w *world) create() *blockrec.Table {
	table, err := blockrec.Create(w.dir, testDefinition(), w.env())
	require.NoError(w.t, err)
	_, err = LogFileID(w.log, testTableID, "items")
	require.NoError(w.t, err)
	w.tables[testTableID] = table
	return table
}

func (w *world) open(id uint16, name string) (Applier, error) {
	if table, ok := w.tables[id]; ok {
		return table, nil
	}
	table, err := blockrec.Open(w.dir, name, w.env())
	if err != nil {
		return nil, err
	}
	w.tables[id] = table
	return table, nil
}

func (w *world) lookup(id uint16) (Applier, error) {
	return w.open(id, "items")
}

func (w *world) commit(trn *trnman.Trn) {
	lsn, err := w.log.Append(&wal.Record{Type: wal.COMMIT, Trid: trn.ID})
	require.NoError(w.t, err)
	require.NoError(w.t, w.log.Flush(lsn))
	require.NoError(w.t, w.trnman.Commit(trn))
}

// crash stops the run without flushing any table.
func (w *world) crash() {
	require.NoError(w.t, w.log.FlushAll())
	require.NoError(w.t, w.log.Close())
	w.trnman.Close()
}

func (w *world) shutdown() {
	for _, table := range w.tables {
		_ = table.Close()
	}
	_ = w.log.Close()
	w.trnman.Close()
}

func (w *world) recover(checkpointLSN uint64) *Result {
	res, err := New(w.log, w.trnman, w.open).Run(checkpointLSN)
	require.NoError(w.t, err)
	return res
}

func (w *world) rows() map[blockrec.RecordPos]record.Record {
	rows := map[blockrec.RecordPos]record.Record{}
	err := w.tables[testTableID].Scan(nil, func(pos blockrec.RecordPos, rec record.Record) error {
		rows[pos] = rec
		return nil
	})
	require.NoError(w.t, err)
	return rows
}

func TestRecovery(t *testing.T) {
	t.Run("keeps committed rows and rolls back the rest", func(t *testing.T) {
		dir := t.TempDir()
		w := startWorld(t, dir)
		table := w.create()

		winner := w.trnman.Begin()
		first, err := table.Insert(winner, row(1, "first", 0))
		require.NoError(t, err)
		second, err := table.Insert(winner, row(2, "second", 2500))
		require.NoError(t, err)
		w.commit(winner)

		loser := w.trnman.Begin()
		_, err = table.Insert(loser, row(3, "third", 1800))
		require.NoError(t, err)
		require.NoError(t, table.Delete(loser, first))
		require.NoError(t, table.Update(loser, second, row(2, "second", 2500), row(2, "changed", 40)))
		w.crash()

		w = startWorld(t, dir)
		t.Cleanup(w.shutdown)
		res := w.recover(0)

		assert.Equal(t, []uint64{loser.ID}, res.Losers)
		assert.Equal(t, 3, res.Undone)
		assert.Positive(t, res.Redone)
		assert.Empty(t, res.Crashed)
		assert.Greater(t, w.trnman.NextTrid(), loser.ID)

		want := map[blockrec.RecordPos]record.Record{
			first:  row(1, "first", 0),
			second: row(2, "second", 2500),
		}
		assert.Equal(t, want, w.rows())

		recovered := w.tables[testTableID]
		assert.Equal(t, int64(2), recovered.State().Rows)
		report, err := recovered.Check()
		require.NoError(t, err)
		assert.Empty(t, report.Problems)

		last, err := w.log.Read(w.log.LastLSN())
		require.NoError(t, err)
		assert.Equal(t, wal.ABORT, last.Type)
		assert.Equal(t, loser.ID, last.Trid)
	})

	t.Run("a second run finds nothing left to undo", func(t *testing.T) {
		dir := t.TempDir()
		w := startWorld(t, dir)
		table := w.create()

		loser := w.trnman.Begin()
		_, err := table.Insert(loser, row(1, "gone", 3000))
		require.NoError(t, err)
		w.crash()

		w = startWorld(t, dir)
		res := w.recover(0)
		assert.Len(t, res.Losers, 1)
		w.crash()

		w = startWorld(t, dir)
		t.Cleanup(w.shutdown)
		res = w.recover(0)
		assert.Empty(t, res.Losers)
		assert.Empty(t, w.rows())
		assert.Equal(t, int64(0), w.tables[testTableID].State().Rows)
	})

	t.Run("starts at a checkpoint and follows undo chains before it", func(t *testing.T) {
		dir := t.TempDir()
		w := startWorld(t, dir)
		table := w.create()

		done := w.trnman.Begin()
		kept, err := table.Insert(done, row(1, "kept", 1200))
		require.NoError(t, err)
		w.commit(done)

		loser := w.trnman.Begin()
		_, err = table.Insert(loser, row(2, "before checkpoint", 0))
		require.NoError(t, err)

		require.NoError(t, table.Flush())
		checkpoint := NewCheckpoint(map[uint16]string{testTableID: "items"}, w.trnman.Active(), w.trnman.NextTrid())
		lsn, err := LogCheckpoint(w.log, checkpoint)
		require.NoError(t, err)
		assert.Equal(t, loser.FirstUndoLSN(), checkpoint.OldestLSN(lsn))

		_, err = table.Insert(loser, row(3, "after checkpoint", 2000))
		require.NoError(t, err)
		w.crash()

		w = startWorld(t, dir)
		t.Cleanup(w.shutdown)
		res := w.recover(lsn)

		assert.Equal(t, []uint64{loser.ID}, res.Losers)
		assert.Equal(t, 2, res.Undone)
		assert.Equal(t, map[blockrec.RecordPos]record.Record{kept: row(1, "kept", 1200)}, w.rows())
		assert.Equal(t, int64(1), w.tables[testTableID].State().Rows)
	})

	t.Run("skips records of unknown tables", func(t *testing.T) {
		dir := t.TempDir()
		w := startWorld(t, dir)
		t.Cleanup(w.shutdown)

		_, err := w.log.Append(&wal.Record{Type: wal.REDO_PURGE_ROW_HEAD, Table: 9, Body: []byte{0x80}})
		require.NoError(t, err)

		res := w.recover(0)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 0, res.Redone)
	})

	t.Run("refuses a checkpoint lsn that is not a checkpoint", func(t *testing.T) {
		w := startWorld(t, t.TempDir())
		t.Cleanup(w.shutdown)

		lsn, err := w.log.Append(&wal.Record{Type: wal.COMMIT, Trid: 1})
		require.NoError(t, err)

		_, err = New(w.log, w.trnman, w.open).Run(lsn)
		assert.Error(t, err)
	})
}

func TestRollback(t *testing.T) {
	t.Run("undoes every change of the transaction", func(t *testing.T) {
		w := startWorld(t, t.TempDir())
		t.Cleanup(w.shutdown)
		table := w.create()

		setup := w.trnman.Begin()
		pos, err := table.Insert(setup, row(1, "original", 900))
		require.NoError(t, err)
		w.commit(setup)

		trn := w.trnman.Begin()
		require.NoError(t, table.Update(trn, pos, row(1, "original", 900), row(1, "updated", 4000)))
		_, err = table.Insert(trn, row(2, "new", 0))
		require.NoError(t, err)

		undone, err := Rollback(w.log, w.trnman, trn, w.lookup)
		require.NoError(t, err)
		assert.Equal(t, 2, undone)
		assert.Equal(t, trnman.ABORTED, trn.State())

		assert.Equal(t, map[blockrec.RecordPos]record.Record{pos: row(1, "original", 900)}, w.rows())
		assert.Equal(t, int64(1), table.State().Rows)
	})

	t.Run("continues after an abort insert", func(t *testing.T) {
		w := startWorld(t, t.TempDir())
		t.Cleanup(w.shutdown)
		table := w.create()

		trn := w.trnman.Begin()
		_, err := table.Insert(trn, row(1, "one", 0))
		require.NoError(t, err)
		pos, err := table.Insert(trn, row(2, "two", 0))
		require.NoError(t, err)
		require.NoError(t, table.AbortInsert(trn, pos))

		undone, err := Rollback(w.log, w.trnman, trn, w.lookup)
		require.NoError(t, err)
		assert.Equal(t, 1, undone)
		assert.Empty(t, w.rows())
	})
}
