package blockrec

import (
	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ApplyUndo reverses the UNDO record rec of trn and logs the CLR_END that compensates
// it. A failure marks the table crashed.
func (t *Table) ApplyUndo(trn *trnman.Trn, rec *wal.Record) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	body, err := decodeBody(rec)
	if err != nil {
		t.MarkCrashed(err)
		return err
	}

	t.beginOp()
	defer t.endOp()

	switch b := body.(type) {
	case *undoInsert:
		err = t.undoInsert(trn, rec, b)
	case *undoDelete:
		err = t.undoDelete(trn, rec, b)
	case *undoUpdate:
		err = t.undoUpdate(trn, rec, b)
	case *undoBulkInsert:
		err = t.undoBulkInsert(trn, rec, b)
	default:
		return errors.Errorf("lsn %d: %s is not an undo record", rec.LSN, rec.Type)
	}

	if err != nil {
		t.MarkCrashed(errors.Wrapf(err, "undo lsn %d", rec.LSN))
		return err
	}

	t.logger.WithFields(log.Fields{
		"lsn":  rec.LSN,
		"type": rec.Type.String(),
		"trid": trn.ID,
	}).Debug("undone")
	return nil
}

// logClr writes the CLR_END for an undone record. Rollback continues with the UNDO
// record logged before it.
func (t *Table) logClr(trn *trnman.Trn, rec *wal.Record, pos RecordPos, state stateDelta) error {
	_, err := t.logRecord(trn, wal.CLR_END, &clrEnd{
		Undone: rec.Type,
		Pos:    pos,
		State:  state.reverse(),
	}, rec.PrevUndoLSN)
	return err
}

func (t *Table) undoInsert(trn *trnman.Trn, rec *wal.Record, body *undoInsert) error {
	guard, err := t.bpm.WritePage(int64(body.Pos.Page()))
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	row, err := headRowAt(pg, body.Pos)
	if err != nil {
		return err
	}
	h, err := t.decodeRowHeader(body.Pos, row)
	if err != nil {
		return err
	}
	if _, err := t.loadExtents(body.Pos, h, row); err != nil {
		return err
	}

	if err := t.purgeRow(trn, pg, body.Pos, h); err != nil {
		return err
	}
	return t.logClr(trn, rec, body.Pos, body.State)
}

func (t *Table) undoDelete(trn *trnman.Trn, rec *wal.Record, body *undoDelete) error {
	p, err := t.schema.Pack(body.Row)
	if err != nil {
		return errors.Wrapf(util.ErrWrongInRecord, "lsn %d: logged row: %v", rec.LSN, err)
	}

	pos, err := t.restoreRow(trn, body.Pos, p, body.Trid, body.HeadLength)
	if err != nil {
		return err
	}
	return t.logClr(trn, rec, pos, body.State)
}

func (t *Table) undoUpdate(trn *trnman.Trn, rec *wal.Record, body *undoUpdate) error {
	guard, err := t.bpm.WritePage(int64(body.Pos.Page()))
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	h, current, err := t.readRow(pg, body.Pos)
	if err != nil {
		return err
	}

	old, err := t.schema.ApplyDiff(current, body.Diff)
	if err != nil {
		return errors.Wrapf(util.ErrWrongInRecord, "lsn %d: %v", rec.LSN, err)
	}
	p, err := t.schema.Pack(old)
	if err != nil {
		return errors.Wrapf(util.ErrWrongInRecord, "lsn %d: row before update: %v", rec.LSN, err)
	}

	if err := t.rewriteRow(trn, pg, body.Pos, h, p, body.Trid); err != nil {
		return err
	}
	return t.logClr(trn, rec, body.Pos, body.State)
}

func (t *Table) undoBulkInsert(trn *trnman.Trn, rec *wal.Record, body *undoBulkInsert) error {
	if err := t.deleteAll(trn); err != nil {
		return err
	}
	return t.logClr(trn, rec, 0, body.State)
}

// restoreRow puts a deleted row back at its old position when the slot is still free
// and its page has room, and at a new position otherwise.
func (t *Table) restoreRow(trn *trnman.Trn, pos RecordPos, p *record.Packed, trid uint64, headLength int) (RecordPos, error) {
	restored, err := t.restoreAt(trn, pos, p, trid, headLength)
	if err != nil || restored {
		return pos, err
	}

	newPos, err := t.insertRow(trn, p, trid, stateDelta{})
	if err != nil {
		return 0, err
	}
	t.logger.WithFields(log.Fields{"old": pos.String(), "new": newPos.String()}).Warn("deleted row restored at a new position")
	return newPos, nil
}

func (t *Table) restoreAt(trn *trnman.Trn, pos RecordPos, p *record.Packed, trid uint64, headLength int) (bool, error) {
	headPage, slot := pos.Page(), pos.Slot()
	if !t.bitmap.Reserve(headPage) {
		return false, nil
	}

	guard, fresh, err := t.pinForRow(headPage, page.HEAD_PAGE)
	if err != nil {
		t.bitmap.Release(headPage)
		return false, err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	defer func() {
		t.bitmap.SetPageBits(headPage, bitmap.HeadPageBits(pg, t.minBlock))
	}()

	// the old head length keeps the old split of the row when there is room for it
	capacity := min(roomAtSlot(pg, slot), max(headLength, t.headRequest(p, trid)), page.EmptyPageSpace(t.blockSize))
	if capacity < t.minBlock {
		return false, nil
	}

	plan, err := planRow(t.schema, p, trid, capacity, t.blockSize)
	if err != nil {
		if errors.Is(err, util.ErrNoSpace) {
			return false, nil
		}
		return false, err
	}
	if err := t.allocate(plan, capacity); err != nil {
		return false, err
	}

	extents, err := t.writeGroups(trn, plan)
	if err != nil {
		return false, t.orphaned(plan.logged, err)
	}

	row := plan.headRow(t.schema, extents)
	offset, err := pg.InsertAtSlot(slot, len(row), t.minBlock)
	if err != nil {
		return false, t.orphaned(plan.logged, util.NewPageError(headPage, err, "restore %s", pos))
	}
	copy(pg[offset:], row)
	if trid != 0 {
		pg.SetCanBeCompacted()
	}

	kind := wal.REDO_INSERT_ROW_HEAD
	if fresh {
		kind = wal.REDO_NEW_ROW_HEAD
	}
	lsn, err := t.logRecord(trn, kind, &redoRow{Page: headPage, Slot: slot, Data: row}, 0)
	if err != nil {
		return false, t.orphaned(plan.logged, err)
	}
	pg.SetLSN(lsn)
	return true, nil
}

// roomAtSlot is the largest row InsertAtSlot can place at slot.
func roomAtSlot(pg page.Page, slot int) int {
	count := pg.DirCount()
	if slot < count {
		if !pg.IsFree(slot) {
			return 0
		}
		return pg.EmptySpace()
	}
	if slot >= page.MAX_ROWS_PER_PAGE {
		return 0
	}
	return max(pg.EmptySpace()-(slot+1-count)*page.DIR_ENTRY_SIZE, 0)
}
