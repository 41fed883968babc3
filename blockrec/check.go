package blockrec

import (
	"fmt"

	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/page"
)

// CheckReport is the result of a full table check.
type CheckReport struct {
	Pages      int
	HeadPages  int
	TailPages  int
	FullPages  int
	EmptyPages int
	Rows       int64
	RowBytes   int64
	Checksum   uint32
	Problems   []string
}

// PageInfo describes one page for a table dump.
type PageInfo struct {
	Page       uint64
	Type       page.PageType
	Bits       uint8
	LSN        uint64
	Rows       int
	Slots      int
	EmptySpace int
}

func (r *CheckReport) OK() bool {
	return len(r.Problems) == 0
}

func (r *CheckReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check verifies every page of the table, the bitmap bits and the saved row count and
// checksum. Mutations wait until it is done. It also runs on crashed tables.
func (t *Table) Check() (*CheckReport, error) {
	resume := t.quiesce()
	defer resume()

	filePages, err := t.disk.NumPages()
	if err != nil {
		return nil, err
	}
	last := max(t.bitmap.Used(), uint64(filePages))

	report := &CheckReport{}
	fullOwner := map[uint64]RecordPos{}
	tailOwner := map[Extent]RecordPos{}
	var blobPages, tailSlots []Extent

	for p := uint64(1); p < last; p++ {
		if t.isBitmapPage(int64(p)) {
			continue
		}
		report.Pages++

		guard, err := t.bpm.ReadPage(int64(p))
		if err != nil {
			report.problem("page %d: %v", p, err)
			continue
		}
		pg := page.Page(guard.GetData())
		bits := t.bitmap.GetPageBits(p)

		switch pg.Type() {
		case page.HEAD_PAGE, page.TAIL_PAGE:
			if bits == bitmap.EMPTY_PAGE && pg.DirCount() == 0 {
				report.EmptyPages++
				break
			}
			if err := pg.Check(t.minBlock); err != nil {
				report.problem("page %d: %v", p, err)
				break
			}
			if expected := bitmap.PageBits(pg, t.minBlock); bits != expected {
				report.problem("page %d: bitmap has class %d, page content gives %d", p, bits, expected)
			}

			if pg.Type() == page.TAIL_PAGE {
				report.TailPages++
				for slot := range pg.DirCount() {
					if !pg.IsFree(slot) {
						tailSlots = append(tailSlots, Extent{Page: p, Count: slot, Tail: true})
					}
				}
				break
			}

			report.HeadPages++
			t.checkHeadPage(report, pg, p, fullOwner, tailOwner)

		case page.BLOB_PAGE:
			if bits == bitmap.FULL_PAGE {
				report.FullPages++
				blobPages = append(blobPages, Extent{Page: p, Count: 1})
			} else {
				report.EmptyPages++
			}

		default:
			report.EmptyPages++
			if bits != bitmap.EMPTY_PAGE {
				report.problem("page %d: unused page has bitmap class %d", p, bits)
			}
		}
		guard.Drop()
	}

	for _, e := range blobPages {
		if _, ok := fullOwner[e.Page]; !ok {
			report.problem("full page %d is not used by any row", e.Page)
		}
	}
	for _, e := range tailSlots {
		if _, ok := tailOwner[e]; !ok {
			report.problem("tail %d:%d is not used by any row", e.Page, e.Slot())
		}
	}

	state := t.State()
	if state.Rows != report.Rows {
		report.problem("table has %d rows, state says %d", report.Rows, state.Rows)
	}
	if state.Checksum != report.Checksum {
		report.problem("table checksum is %#x, state says %#x", report.Checksum, state.Checksum)
	}

	t.logger.WithField("problems", len(report.Problems)).Info("checked table")
	return report, nil
}

func (t *Table) checkHeadPage(report *CheckReport, pg page.Page, p uint64, fullOwner map[uint64]RecordPos, tailOwner map[Extent]RecordPos) {
	for slot := range pg.DirCount() {
		if pg.IsFree(slot) {
			continue
		}
		pos := MakePos(p, slot)

		h, rec, err := t.readRow(pg, pos)
		if err != nil {
			report.problem("row %s: %v", pos, err)
			continue
		}

		report.Rows++
		report.Checksum += t.schema.RowChecksum(rec)
		for _, value := range rec {
			report.RowBytes += int64(len(value))
		}

		for _, e := range h.extents {
			if e.Tail {
				key := Extent{Page: e.Page, Count: e.Slot(), Tail: true}
				if owner, ok := tailOwner[key]; ok {
					report.problem("row %s: tail %d:%d is also used by %s", pos, e.Page, e.Slot(), owner)
				}
				tailOwner[key] = pos
				continue
			}

			for i := range e.Count {
				fp := e.Page + uint64(i)
				if owner, ok := fullOwner[fp]; ok {
					report.problem("row %s: full page %d is also used by %s", pos, fp, owner)
				}
				fullOwner[fp] = pos
				if bits := t.bitmap.GetPageBits(fp); bits != bitmap.FULL_PAGE {
					report.problem("row %s: full page %d has bitmap class %d", pos, fp, bits)
				}
			}
		}
	}
}

// Dump lists the pages of the table with their bitmap class and directory summary.
func (t *Table) Dump() ([]PageInfo, error) {
	resume := t.quiesce()
	defer resume()

	filePages, err := t.disk.NumPages()
	if err != nil {
		return nil, err
	}

	var pages []PageInfo
	for p := uint64(1); p < max(t.bitmap.Used(), uint64(filePages)); p++ {
		if t.isBitmapPage(int64(p)) {
			continue
		}

		guard, err := t.bpm.ReadPage(int64(p))
		if err != nil {
			return nil, err
		}
		pg := page.Page(guard.GetData())

		info := PageInfo{
			Page: p,
			Type: pg.Type(),
			Bits: t.bitmap.GetPageBits(p),
			LSN:  pg.LSN(),
		}
		if info.Type == page.HEAD_PAGE || info.Type == page.TAIL_PAGE {
			info.Slots = pg.DirCount()
			info.EmptySpace = pg.EmptySpace()
			for slot := range info.Slots {
				if !pg.IsFree(slot) {
					info.Rows++
				}
			}
		}
		guard.Drop()
		pages = append(pages, info)
	}
	return pages, nil
}
