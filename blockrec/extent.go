package blockrec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

const (
	ROW_EXTENT_SIZE      = 7
	ROW_EXTENT_PAGE_SIZE = 5
	TAIL_BIT             = 0x8000
	START_EXTENT_BIT     = 0x4000
	MAX_EXTENT_PAGES     = 0x3fff
	MAX_PAGE_NUMBER      = 1<<40 - 1
	MAX_ROW_EXTENTS      = 1 << 16
)

// RecordPos addresses a row by its head page and directory slot.
type RecordPos uint64

func MakePos(page uint64, slot int) RecordPos {
	return RecordPos(page<<8 | uint64(slot))
}

func (p RecordPos) Page() uint64 {
	return uint64(p) >> 8
}

func (p RecordPos) Slot() int {
	return int(p & 0xff)
}

func (p RecordPos) String() string {
	return fmt.Sprintf("%d:%d", p.Page(), p.Slot())
}

// ParsePos reads a position in the page:slot form String writes.
func ParsePos(s string) (RecordPos, error) {
	pageStr, slotStr, ok := strings.Cut(s, ":")
	if !ok {
		return 0, errors.Errorf("position %q is not page:slot", s)
	}

	p, err := strconv.ParseUint(pageStr, 10, 64)
	if err != nil || p == 0 || p > MAX_PAGE_NUMBER {
		return 0, errors.Errorf("position %q has a bad page", s)
	}
	slot, err := strconv.ParseUint(slotStr, 10, 8)
	if err != nil {
		return 0, errors.Errorf("position %q has a bad slot", s)
	}
	return MakePos(p, int(slot)), nil
}

// Extent is a run of full pages or, with Tail set, one tail row where Count is the
// directory slot. NewBlob marks the first extent of a blob and is never stored.
type Extent struct {
	Page    uint64
	Count   int
	Tail    bool
	NewBlob bool
}

func (e Extent) Slot() int {
	return e.Count
}

func (e Extent) encode(b []byte) {
	util.Int5Store(b, e.Page)
	count := uint16(e.Count)
	if e.Tail {
		count |= TAIL_BIT
	}
	util.Int2Store(b[ROW_EXTENT_PAGE_SIZE:], count)
}

func decodeExtent(b []byte) (Extent, error) {
	if len(b) < ROW_EXTENT_SIZE {
		return Extent{}, errors.Wrap(util.ErrWrongInRecord, "extent cut short")
	}

	count := util.Uint2Korr(b[ROW_EXTENT_PAGE_SIZE:])
	e := Extent{
		Page:  util.Uint5Korr(b),
		Tail:  count&TAIL_BIT != 0,
		Count: int(count &^ (TAIL_BIT | START_EXTENT_BIT)),
	}

	if count&START_EXTENT_BIT != 0 {
		return Extent{}, errors.Wrapf(util.ErrWrongInRecord, "extent of page %d has the in-memory blob bit", e.Page)
	}
	if e.Page == 0 || (!e.Tail && e.Count == 0) || (e.Tail && e.Count >= 255) {
		return Extent{}, errors.Wrapf(util.ErrWrongInRecord, "invalid extent %d/%d", e.Page, e.Count)
	}
	return e, nil
}

func encodeExtents(extents []Extent) []byte {
	buf := make([]byte, len(extents)*ROW_EXTENT_SIZE)
	for i, e := range extents {
		e.encode(buf[i*ROW_EXTENT_SIZE:])
	}
	return buf
}

func decodeExtents(b []byte) ([]Extent, error) {
	if len(b)%ROW_EXTENT_SIZE != 0 {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "extent list of %d bytes", len(b))
	}

	extents := make([]Extent, 0, len(b)/ROW_EXTENT_SIZE)
	for pos := 0; pos < len(b); pos += ROW_EXTENT_SIZE {
		e, err := decodeExtent(b[pos:])
		if err != nil {
			return nil, err
		}
		extents = append(extents, e)
	}
	return extents, nil
}

// extentPages lists every page an extent list references.
func extentPages(extents []Extent) []uint64 {
	var pages []uint64
	for _, e := range extents {
		if e.Tail {
			pages = append(pages, e.Page)
			continue
		}
		for i := range e.Count {
			pages = append(pages, e.Page+uint64(i))
		}
	}
	return pages
}
