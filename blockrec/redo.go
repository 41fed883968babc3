package blockrec

import (
	"math"

	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/buffer"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ApplyRedo replays the page changes of rec. Pages that already carry rec.LSN or a
// later one are left alone, but their bitmap bits are derived again. Records without
// page changes are ignored. A failure marks the table crashed.
func (t *Table) ApplyRedo(rec *wal.Record) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	if !rec.Type.IsRedo() {
		return nil
	}

	body, err := decodeBody(rec)
	if err != nil {
		t.MarkCrashed(err)
		return err
	}

	switch b := body.(type) {
	case *redoRow:
		err = t.redoRow(rec, b)
	case *redoPurge:
		err = t.redoPurge(rec, b)
	case *redoBlobs:
		err = t.redoBlobs(rec, b)
	case *redoFreeBlocks:
		err = t.redoFreeBlocks(rec, b)
	case *redoDeleteAll:
		err = t.clearPages(rec.LSN)
	}

	if err != nil {
		t.MarkCrashed(errors.Wrapf(err, "redo lsn %d", rec.LSN))
		return err
	}
	return nil
}

// pinForRedo write-locks a page for replay. With synthesize a page that cannot be read
// is rebuilt from scratch, for records that write the whole page.
func (t *Table) pinForRedo(p uint64, synthesize bool) (*buffer.WritePageGuard, error) {
	guard, err := t.bpm.WritePage(int64(p))
	if err == nil {
		return guard, nil
	}
	if !synthesize || !util.IsCorruption(err) {
		return nil, err
	}

	t.logger.WithFields(log.Fields{"page": p}).WithError(err).Warn("rebuilding unreadable page")
	if guard, err = t.bpm.NewPage(int64(p)); err != nil {
		return nil, err
	}
	clear(guard.GetData())
	return guard, nil
}

func (t *Table) deriveBits(p uint64, pg page.Page) {
	t.bitmap.SetPageBits(p, bitmap.PageBits(pg, t.minBlock))
}

func (t *Table) redoRow(rec *wal.Record, b *redoRow) error {
	fresh := rec.Type == wal.REDO_NEW_ROW_HEAD || rec.Type == wal.REDO_NEW_ROW_TAIL
	pageType := page.TAIL_PAGE
	if rec.Type == wal.REDO_NEW_ROW_HEAD || rec.Type == wal.REDO_INSERT_ROW_HEAD {
		pageType = page.HEAD_PAGE
	}

	guard, err := t.pinForRedo(b.Page, fresh)
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.LSN() >= rec.LSN {
		t.deriveBits(b.Page, pg)
		return nil
	}

	if fresh {
		pg.Init(pageType)
	} else if pg.Type() != pageType {
		return util.NewPageError(b.Page, util.ErrWrongInRecord, "%s on a %s page", rec.Type, pg.Type())
	}

	offset, err := t.roomFor(pg, b.Slot, len(b.Data))
	if err != nil {
		return util.NewPageError(b.Page, err, "%s slot %d", rec.Type, b.Slot)
	}
	_, length := pg.Entry(b.Slot)
	copy(pg[offset:], b.Data)
	clear(pg[offset+len(b.Data) : offset+length])

	if pageType == page.HEAD_PAGE && len(b.Data) > 0 && b.Data[0]&ROW_FLAG_TRANSID != 0 {
		pg.SetCanBeCompacted()
	}
	pg.SetLSN(rec.LSN)
	t.deriveBits(b.Page, pg)
	return nil
}

// roomFor sizes slot for a replayed row of length bytes. The page may hold transaction
// ids the original run had already stripped, so when space is short every id goes.
func (t *Table) roomFor(pg page.Page, slot, length int) (int, error) {
	length = max(length, t.minBlock)
	occupied := slot < pg.DirCount() && !pg.IsFree(slot)

	need := length
	if occupied {
		_, current := pg.Entry(slot)
		need -= current
	} else if slot >= pg.DirCount() {
		need += (slot + 1 - pg.DirCount()) * page.DIR_ENTRY_SIZE
	}

	if need > pg.EmptySpace() && pg.DirCount() > 0 {
		pg.Compact(pg.DirCount()-1, false, math.MaxUint64, t.minBlock)
	}

	if occupied {
		return pg.SetRowLength(slot, length, t.minBlock)
	}
	return pg.InsertAtSlot(slot, length, t.minBlock)
}

func (t *Table) redoPurge(rec *wal.Record, b *redoPurge) error {
	guard, err := t.pinForRedo(b.Page, false)
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.LSN() >= rec.LSN {
		t.deriveBits(b.Page, pg)
		return nil
	}

	if pg.Type() != page.HEAD_PAGE && pg.Type() != page.TAIL_PAGE {
		return util.NewPageError(b.Page, util.ErrWrongInRecord, "%s on a %s page", rec.Type, pg.Type())
	}
	if _, err := pg.DeleteRow(b.Slot); err != nil {
		return util.NewPageError(b.Page, util.ErrWrongInRecord, "%s: %v", rec.Type, err)
	}

	pg.SetLSN(rec.LSN)
	t.deriveBits(b.Page, pg)
	return nil
}

func (t *Table) redoBlobs(rec *wal.Record, b *redoBlobs) error {
	extents, err := decodeExtents(b.Extents)
	if err != nil {
		return err
	}

	capacity := page.FullPageCapacity(t.blockSize)
	data := b.Data
	for _, p := range extentPages(extents) {
		chunk := data[:min(len(data), capacity)]
		data = data[len(chunk):]

		if err := t.redoFullPage(rec.LSN, p, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) redoFullPage(lsn, p uint64, chunk []byte) error {
	guard, err := t.pinForRedo(p, true)
	if err != nil {
		return err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.LSN() < lsn {
		area := pg.InitFull()
		n := copy(area, chunk)
		clear(area[n:])
		pg.SetLSN(lsn)
	}
	t.deriveBits(p, pg)
	return nil
}

// redoFreeBlocks gives back full pages that no later change has used again.
func (t *Table) redoFreeBlocks(rec *wal.Record, b *redoFreeBlocks) error {
	extents, err := decodeExtents(b.Extents)
	if err != nil {
		return err
	}

	for _, p := range extentPages(extents) {
		guard, err := t.bpm.ReadPage(int64(p))
		if err != nil {
			if !util.IsCorruption(err) {
				return err
			}
			t.bitmap.ResetFullPageBits(p, 1)
			continue
		}

		if page.Page(guard.GetData()).LSN() <= rec.LSN {
			t.bitmap.ResetFullPageBits(p, 1)
		}
		guard.Drop()
	}
	return nil
}
