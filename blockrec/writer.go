package blockrec

import (
	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/buffer"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
)

// headRequest is the head row size asked from the bitmap for a packed row. A row too
// big for a page asks for its header, extent list and row stream, leaving the blobs to
// their extents.
func (t *Table) headRequest(p *record.Packed, trid uint64) int {
	size := unsplitLength(t.schema, p, trid)
	eps := page.EmptyPageSpace(t.blockSize)
	if size > eps {
		size = eps
		if plan, err := planRow(t.schema, p, trid, eps, t.blockSize); err == nil {
			size = headerLength(t.schema, trid != 0, max(plan.extents, 1), len(p.FieldLengths)) + len(plan.stream)
		}
	}
	return max(min(size, eps), t.minBlock)
}

// allocate reserves the full pages of every group. When the reserved runs need more
// extents than planned, the longer extent list takes room from the head and the
// overflow grows into its tail or into more full pages.
func (t *Table) allocate(plan *rowPlan, capacity int) error {
	if !plan.split {
		return nil
	}

	for {
		for _, g := range plan.groups() {
			if err := t.reserveFull(g); err != nil {
				t.releasePlan(plan)
				return err
			}
		}

		needed := plan.extentCount(t.blockSize)
		if needed == plan.extents {
			return nil
		}

		plan.extents = needed
		if err := plan.fitHead(t.schema, needed, capacity, t.blockSize); err != nil {
			t.releasePlan(plan)
			return err
		}
	}
}

func (t *Table) reserveFull(g *group) error {
	reserved := 0
	for _, run := range g.runs {
		reserved += run.Count
	}
	if g.fullPages <= reserved {
		if g.runs == nil {
			g.runs = []bitmap.Run{}
		}
		return nil
	}

	runs, err := t.bitmap.FindFullPages(g.fullPages - reserved)
	if err != nil {
		return err
	}
	g.runs = append(g.runs, runs...)
	return nil
}

// releasePlan gives back full pages that were reserved for a row that is not written.
func (t *Table) releasePlan(plan *rowPlan) {
	for _, g := range plan.groups() {
		for _, run := range g.runs {
			t.bitmap.ResetFullPageBits(run.Page, run.Count)
		}
		g.runs = nil
	}
}

func runExtents(runs []bitmap.Run) []Extent {
	var extents []Extent
	for _, run := range runs {
		for done := 0; done < run.Count; {
			n := min(run.Count-done, MAX_EXTENT_PAGES)
			extents = append(extents, Extent{Page: run.Page + uint64(done), Count: n})
			done += n
		}
	}
	return extents
}

// writeGroups writes the groups of a split row and returns the extent list in storage
// order: overflow runs and tail, then the runs and tail of every blob. The blobs are
// written first so that the whole list is known before the overflow, which may hold
// part of it.
func (t *Table) writeGroups(trn *trnman.Trn, plan *rowPlan) ([]Extent, error) {
	if !plan.split {
		return nil, nil
	}

	var blobs []Extent
	for _, g := range plan.blobs {
		extents, err := t.writeGroup(trn, plan, g, nil)
		if err != nil {
			return nil, err
		}
		if len(extents) > 0 {
			extents[0].NewBlob = true
		}
		blobs = append(blobs, extents...)
	}

	if plan.overflow == nil {
		return blobs, plan.setExtents(blobs)
	}

	var all []Extent
	_, err := t.writeGroup(trn, plan, plan.overflow, func(extents []Extent) error {
		all = append(append(all, extents...), blobs...)
		return plan.setExtents(all)
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// writeGroup writes the full pages and the tail of a group. The tail slot is taken
// first, so known calls back with every extent of the group before any data is written.
func (t *Table) writeGroup(trn *trnman.Trn, plan *rowPlan, g *group, known func([]Extent) error) ([]Extent, error) {
	extents := runExtents(g.runs)
	full := len(extents)

	var tail *tailSlot
	if n := g.tailLength(t.blockSize); n > 0 {
		var err error
		if tail, err = t.reserveTail(n); err != nil {
			return nil, err
		}
		defer t.closeTail(tail)
		extents = append(extents, tail.extent())
	}

	if known != nil {
		if err := known(extents); err != nil {
			return nil, err
		}
	}

	if full > 0 {
		if err := t.writeFullPages(trn, plan, g, extents[:full]); err != nil {
			return nil, err
		}
	}
	if tail != nil {
		if err := t.fillTail(trn, plan, tail, g.data[len(g.data)-tail.length:]); err != nil {
			return nil, err
		}
	}
	return extents, nil
}

// writeFullPages logs the full page part of a group and fills its pages.
func (t *Table) writeFullPages(trn *trnman.Trn, plan *rowPlan, g *group, extents []Extent) error {
	capacity := page.FullPageCapacity(t.blockSize)
	data := g.data[:min(len(g.data), g.fullPages*capacity)]

	lsn, err := t.logRecord(trn, wal.REDO_INSERT_ROW_BLOBS, &redoBlobs{
		Extents: encodeExtents(extents),
		Data:    data,
	}, 0)
	if err != nil {
		return err
	}
	plan.logged = true

	for _, p := range extentPages(extents) {
		chunk := data[:min(len(data), capacity)]
		data = data[len(chunk):]

		if err := t.writeFullPage(p, chunk, lsn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) writeFullPage(p uint64, chunk []byte, lsn uint64) error {
	guard, err := t.bpm.NewPage(int64(p))
	if err != nil {
		return errors.Wrapf(err, "full page %d", p)
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	area := pg.InitFull()
	n := copy(area, chunk)
	clear(area[n:])
	pg.SetLSN(lsn)
	return nil
}

// tailSlot is a tail row taken on a write-locked tail page and not written yet.
type tailSlot struct {
	page   uint64
	slot   int
	offset int
	length int
	fresh  bool
	filled bool
	guard  *buffer.WritePageGuard
}

func (ts *tailSlot) extent() Extent {
	return Extent{Page: ts.page, Count: ts.slot, Tail: true}
}

// reserveTail takes a row of n bytes on a tail page. The page stays locked until
// closeTail.
func (t *Table) reserveTail(n int) (*tailSlot, error) {
	p, err := t.bitmap.FindTail(max(n, t.minBlock))
	if err != nil {
		return nil, err
	}

	guard, fresh, err := t.pinForRow(p, page.TAIL_PAGE)
	if err != nil {
		t.bitmap.Release(p)
		return nil, err
	}

	pg := page.Page(guard.GetData())
	slot, offset, err := pg.AddRow(n, t.minBlock)
	if err != nil {
		t.bitmap.SetPageBits(p, bitmap.TailPageBits(pg, t.minBlock))
		guard.Drop()
		return nil, util.NewPageError(p, err, "add tail of %d bytes", n)
	}

	return &tailSlot{page: p, slot: slot, offset: offset, length: n, fresh: fresh, guard: guard}, nil
}

// fillTail copies data into a reserved tail row and logs it.
func (t *Table) fillTail(trn *trnman.Trn, plan *rowPlan, ts *tailSlot, data []byte) error {
	pg := page.Page(ts.guard.GetData())

	kind := wal.REDO_INSERT_ROW_TAIL
	if ts.fresh {
		kind = wal.REDO_NEW_ROW_TAIL
	}
	lsn, err := t.logRecord(trn, kind, &redoRow{Page: ts.page, Slot: ts.slot, Data: data}, 0)
	if err != nil {
		return err
	}
	plan.logged = true

	copy(pg[ts.offset:], data)
	pg.SetLSN(lsn)
	ts.filled = true
	return nil
}

// closeTail unlocks the tail page. A tail row that was never filled is taken out again.
func (t *Table) closeTail(ts *tailSlot) {
	pg := page.Page(ts.guard.GetData())
	if !ts.filled {
		_, _ = pg.DeleteRow(ts.slot)
	}
	t.bitmap.SetPageBits(ts.page, bitmap.TailPageBits(pg, t.minBlock))
	ts.guard.Drop()
}

// pinForRow write-locks a page the bitmap handed out for a head or tail row. A page the
// bitmap knows as empty is formatted, whatever it held before.
func (t *Table) pinForRow(p uint64, pageType page.PageType) (*buffer.WritePageGuard, bool, error) {
	if t.bitmap.GetPageBits(p) == bitmap.EMPTY_PAGE {
		guard, err := t.bpm.NewPage(int64(p))
		if err != nil {
			return nil, false, errors.Wrapf(err, "new %s page %d", pageType, p)
		}

		pg := page.Page(guard.GetData())
		lsn := pg.LSN()
		pg.Init(pageType)
		pg.SetLSN(lsn)
		return guard, true, nil
	}

	guard, err := t.bpm.WritePage(int64(p))
	if err != nil {
		return nil, false, err
	}
	if pg := page.Page(guard.GetData()); pg.Type() != pageType {
		guard.Drop()
		return nil, false, util.NewPageError(p, util.ErrWrongInRecord, "bitmap says %s page, found %s", pageType, pg.Type())
	}
	return guard, false, nil
}

// insertRow writes a packed row at a new position and logs its REDO records. The
// caller logs the UNDO record. delta is carried by the head REDO record, which only
// bulk inserts use. A head page that turns out too small for the row header is given
// back and the row goes to an empty page.
func (t *Table) insertRow(trn *trnman.Trn, p *record.Packed, trid uint64, delta stateDelta) (RecordPos, error) {
	request := t.headRequest(p, trid)
	for {
		pos, retry, err := t.insertAt(trn, p, trid, delta, request)
		if retry && request < page.EmptyPageSpace(t.blockSize) {
			request = page.EmptyPageSpace(t.blockSize)
			continue
		}
		return pos, err
	}
}

func (t *Table) insertAt(trn *trnman.Trn, p *record.Packed, trid uint64, delta stateDelta, request int) (RecordPos, bool, error) {
	headPage, err := t.bitmap.FindHead(request)
	if err != nil {
		return 0, false, err
	}

	guard, fresh, err := t.pinForRow(headPage, page.HEAD_PAGE)
	if err != nil {
		t.bitmap.Release(headPage)
		return 0, false, err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	defer func() {
		t.bitmap.SetPageBits(headPage, bitmap.HeadPageBits(pg, t.minBlock))
	}()

	capacity := pg.FreeSpaceForNewRow(t.minBlock)
	plan, err := planRow(t.schema, p, trid, capacity, t.blockSize)
	if err != nil {
		return 0, errors.Is(err, util.ErrNoSpace), err
	}
	if err := t.allocate(plan, capacity); err != nil {
		return 0, false, err
	}

	extents, err := t.writeGroups(trn, plan)
	if err != nil {
		return 0, false, t.orphaned(plan.logged, err)
	}

	row := plan.headRow(t.schema, extents)
	slot, offset, err := pg.AddRow(len(row), t.minBlock)
	if err != nil {
		return 0, false, t.orphaned(plan.logged, util.NewPageError(headPage, err, "add head of %d bytes", len(row)))
	}
	copy(pg[offset:], row)
	if trid != 0 {
		pg.SetCanBeCompacted()
	}

	kind := wal.REDO_INSERT_ROW_HEAD
	if fresh {
		kind = wal.REDO_NEW_ROW_HEAD
	}
	lsn, err := t.logRecord(trn, kind, &redoRow{Page: headPage, Slot: slot, Data: row, State: delta}, 0)
	if err != nil {
		return 0, false, t.orphaned(plan.logged, err)
	}
	pg.SetLSN(lsn)

	return MakePos(headPage, slot), false, nil
}

// rewriteRow replaces the row of a write-locked head page with a new image. The old
// tails and full pages are freed before the new ones are written.
func (t *Table) rewriteRow(trn *trnman.Trn, pg page.Page, pos RecordPos, old *rowHeader, p *record.Packed, trid uint64) error {
	slot := pos.Slot()
	eps := page.EmptyPageSpace(t.blockSize)

	_, current := pg.Entry(slot)
	if current+pg.EmptySpace() < t.headRequest(p, trid) && pg.CanBeCompacted() {
		pg.Compact(slot, false, t.trnman.MinReadFrom(), t.minBlock)
		_, current = pg.Entry(slot)
	}

	capacity := min(current+pg.EmptySpace(), eps)
	plan, err := planRow(t.schema, p, trid, capacity, t.blockSize)
	if err != nil {
		return err
	}

	freed, err := t.freeExtents(trn, old.extents)
	plan.logged = freed
	if err != nil {
		return t.orphaned(plan.logged, err)
	}
	if err := t.allocate(plan, capacity); err != nil {
		return t.orphaned(plan.logged, err)
	}

	extents, err := t.writeGroups(trn, plan)
	if err != nil {
		return t.orphaned(plan.logged, err)
	}

	row := plan.headRow(t.schema, extents)
	offset, err := pg.SetRowLength(slot, len(row), t.minBlock)
	if err != nil {
		return t.orphaned(plan.logged, util.NewPageError(pos.Page(), err, "resize head %s to %d bytes", pos, len(row)))
	}
	_, length := pg.Entry(slot)
	copy(pg[offset:], row)
	clear(pg[offset+len(row) : offset+length])
	if trid != 0 {
		pg.SetCanBeCompacted()
	}

	lsn, err := t.logRecord(trn, wal.REDO_INSERT_ROW_HEAD, &redoRow{Page: pos.Page(), Slot: slot, Data: row}, 0)
	if err != nil {
		return t.orphaned(plan.logged, err)
	}
	pg.SetLSN(lsn)
	t.bitmap.SetPageBits(pos.Page(), bitmap.HeadPageBits(pg, t.minBlock))
	return nil
}

// orphaned marks the table crashed when err interrupted an operation after some of its
// REDO records were logged. Recovery cannot finish such an operation.
func (t *Table) orphaned(logged bool, err error) error {
	if logged {
		t.MarkCrashed(errors.Wrap(err, "operation failed after logging"))
		return err
	}
	return t.fail(err)
}
