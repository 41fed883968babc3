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

// Insert writes rec as a new row of trn and returns its position.
func (t *Table) Insert(trn *trnman.Trn, rec record.Record) (RecordPos, error) {
	if err := t.checkUsable(); err != nil {
		return 0, err
	}

	p, err := t.schema.Pack(rec)
	if err != nil {
		return 0, err
	}

	t.beginOp()
	defer t.endOp()

	pos, err := t.insertRow(trn, p, trn.ID, stateDelta{})
	if err != nil {
		return 0, t.fail(err)
	}

	_, err = t.logRecord(trn, wal.UNDO_ROW_INSERT, &undoInsert{
		Pos:   pos,
		State: stateDelta{Rows: 1, Checksum: p.Checksum},
	}, 0)
	if err != nil {
		t.MarkCrashed(err)
		return 0, err
	}
	return pos, nil
}

// Update replaces the row at pos. oldRec must be the row as last read; a row that has
// changed since, or that trn cannot see, gives ErrRecordChanged. The head row keeps its
// position.
func (t *Table) Update(trn *trnman.Trn, pos RecordPos, oldRec, newRec record.Record) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if len(oldRec) != len(t.schema.Columns) {
		return errors.Errorf("old record has %d values, table has %d columns", len(oldRec), len(t.schema.Columns))
	}

	p, err := t.schema.Pack(newRec)
	if err != nil {
		return err
	}

	t.beginOp()
	defer t.endOp()

	guard, err := t.bpm.WritePage(int64(pos.Page()))
	if err != nil {
		return t.fail(err)
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	h, current, err := t.readRow(pg, pos)
	if err != nil {
		return t.fail(err)
	}
	if !t.visible(trn, h.trid) {
		return errors.Wrapf(util.ErrRecordChanged, "row %s was written by transaction %d", pos, h.trid)
	}

	oldChecksum := t.schema.RowChecksum(current)
	if oldChecksum != t.schema.RowChecksum(oldRec) {
		return errors.Wrapf(util.ErrRecordChanged, "row %s", pos)
	}

	if err := t.rewriteRow(trn, pg, pos, h, p, trn.ID); err != nil {
		return err
	}

	_, err = t.logRecord(trn, wal.UNDO_ROW_UPDATE, &undoUpdate{
		Pos:   pos,
		Diff:  t.schema.Diff(current, newRec),
		Trid:  h.trid,
		State: stateDelta{Checksum: p.Checksum - oldChecksum},
	}, 0)
	if err != nil {
		t.MarkCrashed(err)
		return err
	}
	return nil
}

// Delete removes the row at pos. A row trn cannot see gives ErrRecordChanged.
func (t *Table) Delete(trn *trnman.Trn, pos RecordPos) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	t.beginOp()
	defer t.endOp()

	guard, err := t.bpm.WritePage(int64(pos.Page()))
	if err != nil {
		return t.fail(err)
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	h, rec, err := t.readRow(pg, pos)
	if err != nil {
		return t.fail(err)
	}
	if !t.visible(trn, h.trid) {
		return errors.Wrapf(util.ErrRecordChanged, "row %s was written by transaction %d", pos, h.trid)
	}

	_, headLength := pg.Entry(pos.Slot())
	checksum := t.schema.RowChecksum(rec)

	if err := t.purgeRow(trn, pg, pos, h); err != nil {
		return err
	}

	_, err = t.logRecord(trn, wal.UNDO_ROW_DELETE, &undoDelete{
		Pos:        pos,
		Row:        rec,
		HeadLength: headLength,
		Trid:       h.trid,
		State:      stateDelta{Rows: -1, Checksum: -checksum},
	}, 0)
	if err != nil {
		t.MarkCrashed(err)
		return err
	}
	return nil
}

// AbortInsert removes a row trn inserted last, for a caller that finds the insert
// must not stand, without rolling back the rest of the transaction.
func (t *Table) AbortInsert(trn *trnman.Trn, pos RecordPos) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	rec, err := t.log.Read(trn.UndoLSN())
	if err != nil {
		return errors.Wrapf(err, "abort insert of %s", pos)
	}
	if rec.Type != wal.UNDO_ROW_INSERT || rec.Table != t.ID || rec.Trid != trn.ID {
		return errors.Errorf("abort insert of %s: last undo record is %s of table %d", pos, rec.Type, rec.Table)
	}

	body, err := decodeAs[undoInsert](rec.Body)
	if err != nil {
		return errors.Wrapf(util.ErrWrongInRecord, "lsn %d: %v", rec.LSN, err)
	}
	if body.Pos != pos {
		return errors.Errorf("abort insert of %s: last insert was %s", pos, body.Pos)
	}

	t.beginOp()
	defer t.endOp()
	return t.undoInsert(trn, rec, body)
}

// BulkInsert loads rows into an empty table. Only one UNDO record is logged; rolling
// it back empties the table again.
func (t *Table) BulkInsert(trn *trnman.Trn, recs []record.Record) ([]RecordPos, error) {
	if err := t.checkUsable(); err != nil {
		return nil, err
	}
	if rows := t.State().Rows; rows != 0 {
		return nil, errors.Errorf("bulk insert into table %s with %d rows", t.Name, rows)
	}

	packed := make([]*record.Packed, len(recs))
	for i, rec := range recs {
		p, err := t.schema.Pack(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		packed[i] = p
	}

	t.beginOp()
	defer t.endOp()

	if _, err := t.logRecord(trn, wal.UNDO_BULK_INSERT, &undoBulkInsert{}, 0); err != nil {
		return nil, err
	}

	positions := make([]RecordPos, 0, len(packed))
	for _, p := range packed {
		pos, err := t.insertRow(trn, p, trn.ID, stateDelta{Rows: 1, Checksum: p.Checksum})
		if err != nil {
			return positions, t.fail(err)
		}
		positions = append(positions, pos)
	}

	t.logger.WithField("rows", len(positions)).Info("bulk insert done")
	return positions, nil
}

// purgeRow frees the tails, full pages and head slot of a row on a locked head page.
func (t *Table) purgeRow(trn *trnman.Trn, pg page.Page, pos RecordPos, h *rowHeader) error {
	logged, err := t.freeExtents(trn, h.extents)
	if err != nil {
		return t.orphaned(logged, err)
	}

	empty, err := pg.DeleteRow(pos.Slot())
	if err != nil {
		return t.orphaned(logged, util.NewPageError(pos.Page(), util.ErrWrongInRecord, "purge %s: %v", pos, err))
	}

	kind := wal.REDO_PURGE_ROW_HEAD
	if empty {
		kind = wal.REDO_FREE_HEAD_OR_TAIL
	}
	lsn, err := t.logRecord(trn, kind, &redoPurge{Page: pos.Page(), Slot: pos.Slot()}, 0)
	if err != nil {
		return t.orphaned(logged, err)
	}
	pg.SetLSN(lsn)
	t.bitmap.SetPageBits(pos.Page(), bitmap.HeadPageBits(pg, t.minBlock))
	return nil
}

// freeExtents deletes the tails and gives back the full pages of an extent list. It
// reports whether anything was logged.
func (t *Table) freeExtents(trn *trnman.Trn, extents []Extent) (bool, error) {
	logged := false
	var full []Extent
	for _, e := range extents {
		if !e.Tail {
			full = append(full, e)
			continue
		}
		if err := t.deleteTail(trn, e); err != nil {
			return logged, err
		}
		logged = true
	}

	if len(full) == 0 {
		return logged, nil
	}

	if _, err := t.logRecord(trn, wal.REDO_FREE_BLOCKS, &redoFreeBlocks{Extents: encodeExtents(full)}, 0); err != nil {
		return logged, err
	}
	for _, e := range full {
		t.bitmap.ResetFullPageBits(e.Page, e.Count)
	}
	return true, nil
}

func (t *Table) deleteTail(trn *trnman.Trn, e Extent) error {
	guard, err := t.bpm.WritePage(int64(e.Page))
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.Type() != page.TAIL_PAGE {
		return util.NewPageError(e.Page, util.ErrWrongInRecord, "tail extent points to a %s page", pg.Type())
	}

	empty, err := pg.DeleteRow(e.Slot())
	if err != nil {
		return util.NewPageError(e.Page, util.ErrWrongInRecord, "delete tail slot %d: %v", e.Slot(), err)
	}

	kind := wal.REDO_PURGE_ROW_TAIL
	if empty {
		kind = wal.REDO_FREE_HEAD_OR_TAIL
	}
	lsn, err := t.logRecord(trn, kind, &redoPurge{Page: e.Page, Slot: e.Slot()}, 0)
	if err != nil {
		return err
	}
	pg.SetLSN(lsn)
	t.bitmap.SetPageBits(e.Page, bitmap.TailPageBits(pg, t.minBlock))
	return nil
}

// deleteAll empties the table.
func (t *Table) deleteAll(trn *trnman.Trn) error {
	lsn, err := t.logRecord(trn, wal.REDO_DELETE_ALL, &redoDeleteAll{State: stateDelta{Reset: true}}, 0)
	if err != nil {
		return err
	}
	return t.clearPages(lsn)
}

// clearPages zeroes every data page last changed before lsn and rebuilds the bitmap
// from the pages that are kept.
func (t *Table) clearPages(lsn uint64) error {
	filePages, err := t.disk.NumPages()
	if err != nil {
		return err
	}
	last := max(t.bitmap.Used(), uint64(filePages))

	kept := map[uint64]uint8{}
	for p := uint64(1); p < last; p++ {
		if t.isBitmapPage(int64(p)) {
			continue
		}

		guard, err := t.bpm.WritePage(int64(p))
		if err != nil {
			if !util.IsCorruption(err) {
				return err
			}
			if guard, err = t.bpm.NewPage(int64(p)); err != nil {
				return err
			}
		}

		pg := page.Page(guard.GetData())
		if pg.LSN() > lsn {
			kept[p] = bitmap.PageBits(pg, t.minBlock)
		} else {
			clear(pg)
			pg.SetLSN(lsn)
		}
		guard.Drop()
	}

	t.bitmap.Reset()
	for p, bits := range kept {
		t.bitmap.SetPageBits(p, bits)
	}

	t.logger.WithFields(log.Fields{"pages": last - 1, "kept": len(kept)}).Info("cleared table pages")
	return nil
}
