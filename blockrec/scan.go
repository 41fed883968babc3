package blockrec

import (
	"io"
	"slices"

	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

// Scan calls fn for every row trn can see, in position order. Returning io.EOF from fn
// ends the scan without an error.
func (t *Table) Scan(trn *trnman.Trn, fn func(RecordPos, record.Record) error) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	for _, p := range t.headPages() {
		slots, err := t.occupiedSlots(p)
		if err != nil {
			return t.fail(err)
		}

		for _, slot := range slots {
			pos := MakePos(p, slot)
			rec, status, err := t.Read(trn, pos)
			if errors.Is(err, util.ErrRecordDeleted) || status == RowNotVisible {
				continue
			}
			if err != nil {
				return err
			}

			if err := fn(pos, rec); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// headPages lists the pages the bitmap knows to hold head rows.
func (t *Table) headPages() []uint64 {
	var pages []uint64
	for p, bits := range t.bitmap.Pages() {
		if bits >= bitmap.HEAD_70_FREE && bits <= bitmap.FULL_HEAD_PAGE {
			pages = append(pages, p)
		}
	}
	slices.Sort(pages)
	return pages
}

func (t *Table) occupiedSlots(p uint64) ([]int, error) {
	guard, err := t.bpm.ReadPage(int64(p))
	if err != nil {
		return nil, err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.Type() != page.HEAD_PAGE {
		return nil, nil
	}

	var slots []int
	for slot := range pg.DirCount() {
		if !pg.IsFree(slot) {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}
