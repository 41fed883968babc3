package blockrec

import (
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
)

// stateDelta is the change a log record makes to the row count and table checksum.
type stateDelta struct {
	Rows     int64  `msgpack:"r,omitempty"`
	Checksum uint32 `msgpack:"c,omitempty"`
	Reset    bool   `msgpack:"z,omitempty"`
}

func (d stateDelta) reverse() stateDelta {
	return stateDelta{Rows: -d.Rows, Checksum: -d.Checksum}
}

// REDO_NEW_ROW_*, REDO_INSERT_ROW_*: the row bytes of a directory slot.
type redoRow struct {
	Page  uint64     `msgpack:"p"`
	Slot  int        `msgpack:"s"`
	Data  []byte     `msgpack:"d"`
	State stateDelta `msgpack:"st"`
}

// REDO_PURGE_ROW_*, REDO_FREE_HEAD_OR_TAIL
type redoPurge struct {
	Page uint64 `msgpack:"p"`
	Slot int    `msgpack:"s"`
}

// REDO_INSERT_ROW_BLOBS: full pages filled in extent order.
type redoBlobs struct {
	Extents []byte `msgpack:"e"`
	Data    []byte `msgpack:"d"`
}

// REDO_FREE_BLOCKS
type redoFreeBlocks struct {
	Extents []byte `msgpack:"e"`
}

// REDO_DELETE_ALL
type redoDeleteAll struct {
	State stateDelta `msgpack:"st"`
}

type undoInsert struct {
	Pos   RecordPos  `msgpack:"p"`
	State stateDelta `msgpack:"st"`
}

type undoDelete struct {
	Pos        RecordPos     `msgpack:"p"`
	Row        record.Record `msgpack:"row"`
	HeadLength int           `msgpack:"hl"`
	Trid       uint64        `msgpack:"t"`
	State      stateDelta    `msgpack:"st"`
}

type undoUpdate struct {
	Pos   RecordPos            `msgpack:"p"`
	Diff  []record.ColumnValue `msgpack:"diff"`
	Trid  uint64               `msgpack:"t"`
	State stateDelta           `msgpack:"st"`
}

type undoBulkInsert struct {
	State stateDelta `msgpack:"st"`
}

type clrEnd struct {
	Undone wal.RecordType `msgpack:"u"`
	Pos    RecordPos      `msgpack:"p"`
	State  stateDelta     `msgpack:"st"`
}

// logRecord appends a record for trn and brings the transaction's undo chain and the
// table counters up to date. undoNext is only used for CLR_END: it is where rollback
// continues after the compensated record. A nil trn writes a record outside any
// transaction.
func (t *Table) logRecord(trn *trnman.Trn, kind wal.RecordType, body any, undoNext uint64) (uint64, error) {
	data, err := util.ToByteSlice(body)
	if err != nil {
		return 0, errors.Wrapf(err, "encode %s", kind)
	}

	rec := &wal.Record{
		Type:  kind,
		Table: t.ID,
		Body:  data,
	}
	if trn != nil {
		rec.Trid = trn.ID
		switch {
		case kind == wal.CLR_END:
			rec.PrevUndoLSN = undoNext
		case kind.IsUndo():
			rec.PrevUndoLSN = trn.UndoLSN()
		}
	}

	lsn, err := t.log.Append(rec)
	if err != nil {
		return 0, errors.Wrapf(err, "append %s", kind)
	}

	switch {
	case trn != nil && kind == wal.CLR_END:
		trn.LoggedClr(lsn, undoNext)
	case trn != nil && kind.IsUndo():
		trn.LoggedUndo(lsn)
	}

	if delta, ok := stateOf(body); ok {
		t.applyDelta(delta, lsn)
	}
	return lsn, nil
}

func stateOf(body any) (stateDelta, bool) {
	switch b := body.(type) {
	case *redoRow:
		return b.State, true
	case *redoDeleteAll:
		return b.State, true
	case *undoInsert:
		return b.State, true
	case *undoDelete:
		return b.State, true
	case *undoUpdate:
		return b.State, true
	case *undoBulkInsert:
		return b.State, true
	case *clrEnd:
		return b.State, true
	}
	return stateDelta{}, false
}

// decodeBody returns the payload struct of a record written by this package.
func decodeBody(rec *wal.Record) (any, error) {
	var (
		body any
		err  error
	)

	switch rec.Type {
	case wal.REDO_NEW_ROW_HEAD, wal.REDO_NEW_ROW_TAIL, wal.REDO_INSERT_ROW_HEAD, wal.REDO_INSERT_ROW_TAIL:
		body, err = decodeAs[redoRow](rec.Body)
	case wal.REDO_PURGE_ROW_HEAD, wal.REDO_PURGE_ROW_TAIL, wal.REDO_FREE_HEAD_OR_TAIL:
		body, err = decodeAs[redoPurge](rec.Body)
	case wal.REDO_INSERT_ROW_BLOBS:
		body, err = decodeAs[redoBlobs](rec.Body)
	case wal.REDO_FREE_BLOCKS:
		body, err = decodeAs[redoFreeBlocks](rec.Body)
	case wal.REDO_DELETE_ALL:
		body, err = decodeAs[redoDeleteAll](rec.Body)
	case wal.UNDO_ROW_INSERT:
		body, err = decodeAs[undoInsert](rec.Body)
	case wal.UNDO_ROW_DELETE:
		body, err = decodeAs[undoDelete](rec.Body)
	case wal.UNDO_ROW_UPDATE:
		body, err = decodeAs[undoUpdate](rec.Body)
	case wal.UNDO_BULK_INSERT:
		body, err = decodeAs[undoBulkInsert](rec.Body)
	case wal.CLR_END:
		body, err = decodeAs[clrEnd](rec.Body)
	default:
		return nil, errors.Errorf("%s is not a row record", rec.Type)
	}

	if err != nil {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "lsn %d: %s: %v", rec.LSN, rec.Type, err)
	}
	return body, nil
}

func decodeAs[T any](data []byte) (*T, error) {
	v, err := util.ToStruct[T](data)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
