package recovery

import (
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
)

// FileID binds the short table id used in log records to a table name.
type FileID struct {
	ID   uint16 `msgpack:"id"`
	Name string `msgpack:"name"`
}

// ActiveTrn is the undo chain of a transaction that was running at a checkpoint.
type ActiveTrn struct {
	Trid         uint64 `msgpack:"trid"`
	UndoLSN      uint64 `msgpack:"undo"`
	UndoNext     uint64 `msgpack:"next"`
	FirstUndoLSN uint64 `msgpack:"first"`
}

// Checkpoint is the body of a CHECKPOINT record. Every page change logged before
// RedoLSN is on disk, so recovery starts reading the log there, or at the checkpoint
// itself when RedoLSN is 0.
type Checkpoint struct {
	RedoLSN  uint64            `msgpack:"redo_lsn"`
	Tables   map[uint16]string `msgpack:"tables"`
	Active   []ActiveTrn       `msgpack:"active"`
	NextTrid uint64            `msgpack:"next_trid"`
}

func NewCheckpoint(tables map[uint16]string, active []*trnman.Trn, nextTrid uint64) *Checkpoint {
	c := &Checkpoint{
		Tables:   tables,
		NextTrid: nextTrid,
	}
	for _, trn := range active {
		c.Active = append(c.Active, ActiveTrn{
			Trid:         trn.ID,
			UndoLSN:      trn.UndoLSN(),
			UndoNext:     trn.UndoNext(),
			FirstUndoLSN: trn.FirstUndoLSN(),
		})
	}
	return c
}

// OldestLSN is the first log record recovery from the checkpoint at lsn may read: the
// redo start or the first UNDO record of a transaction still running.
func (c *Checkpoint) OldestLSN(lsn uint64) uint64 {
	oldest := lsn
	if c.RedoLSN != 0 {
		oldest = min(oldest, c.RedoLSN)
	}
	for _, trn := range c.Active {
		if trn.FirstUndoLSN != 0 {
			oldest = min(oldest, trn.FirstUndoLSN)
		}
	}
	return oldest
}

func LogFileID(l *wal.Log, id uint16, name string) (uint64, error) {
	body, err := util.ToByteSlice(&FileID{ID: id, Name: name})
	if err != nil {
		return 0, err
	}
	lsn, err := l.Append(&wal.Record{Type: wal.FILE_ID, Table: id, Body: body})
	if err != nil {
		return 0, errors.Wrapf(err, "log table id of %s", name)
	}
	return lsn, nil
}

func LogCheckpoint(l *wal.Log, c *Checkpoint) (uint64, error) {
	body, err := util.ToByteSlice(c)
	if err != nil {
		return 0, err
	}
	lsn, err := l.Append(&wal.Record{Type: wal.CHECKPOINT, Body: body})
	if err != nil {
		return 0, errors.Wrap(err, "log checkpoint")
	}
	return lsn, l.Flush(lsn)
}

func decode[T any](rec *wal.Record) (*T, error) {
	v, err := util.ToStruct[T](rec.Body)
	if err != nil {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "lsn %d: %s: %v", rec.LSN, rec.Type, err)
	}
	return &v, nil
}
