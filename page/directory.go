package page

import (
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

// FindFreeSlot pops the head of the free slot list.
func (p Page) FindFreeSlot() (int, bool) {
	slot := p.FreeHead()
	if slot == END_OF_DIR_FREE_LIST {
		return 0, false
	}

	p.unlinkFree(slot)
	return slot, true
}

func (p Page) unlinkFree(slot int) {
	prev, next := p.freeLinks(slot)
	if prev == END_OF_DIR_FREE_LIST {
		p[DIR_FREE_OFFSET] = byte(next)
	} else {
		p[p.entryPos(prev)+3] = byte(next)
	}

	if next != END_OF_DIR_FREE_LIST {
		p[p.entryPos(next)+2] = byte(prev)
	}
	p.setEntry(slot, 0, 0)
}

func (p Page) pushFree(slot int) {
	next := p.FreeHead()
	p.setFreeLinks(slot, END_OF_DIR_FREE_LIST, next)
	if next != END_OF_DIR_FREE_LIST {
		p[p.entryPos(next)+2] = byte(slot)
	}
	p[DIR_FREE_OFFSET] = byte(slot)
}

// prevEnd is where the free gap before slot starts.
func (p Page) prevEnd(slot int) int {
	for s := slot - 1; s >= 0; s-- {
		if offset, length := p.Entry(s); offset != 0 {
			return offset + length
		}
	}
	return PAGE_HEADER_SIZE
}

// nextStart is where the free gap after slot ends.
func (p Page) nextStart(slot int) int {
	for s := slot + 1; s < p.DirCount(); s++ {
		if offset, _ := p.Entry(s); offset != 0 {
			return offset
		}
	}
	return p.DirStart()
}

// ExtendDirectory adds count entries. All but the last go on the free list; the last is
// returned unlinked for the caller to fill.
func (p Page) ExtendDirectory(count, minBlockLength int) (int, error) {
	first := p.DirCount()
	if first+count > MAX_ROWS_PER_PAGE {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "directory of %d entries cannot grow by %d", first, count)
	}

	need := count * DIR_ENTRY_SIZE
	if p.EmptySpace() < need {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "no room for %d directory entries", count)
	}

	if p.DirStart()-p.prevEnd(first) < need {
		p.Compact(first, false, 0, minBlockLength)
	}

	p[DIR_COUNT_OFFSET] = byte(first + count)
	for slot := first; slot < first+count-1; slot++ {
		p.pushFree(slot)
	}
	last := first + count - 1
	p.setEntry(last, 0, 0)

	p.setEmptySpace(p.EmptySpace() - need)
	return last, nil
}

// placeRow gives a free, unlinked slot a zeroed area of length bytes.
func (p Page) placeRow(slot, length, minBlockLength int) int {
	start := p.prevEnd(slot)
	if p.nextStart(slot)-start < length {
		p.Compact(slot, false, 0, minBlockLength)
		start = p.prevEnd(slot)
	}

	clear(p[start : start+length])
	p.setEntry(slot, start, length)
	p.setEmptySpace(p.EmptySpace() - length)
	return start
}

// AddRow reserves space for a new row of length bytes, padded to minBlockLength.
func (p Page) AddRow(length, minBlockLength int) (int, int, error) {
	length = max(length, minBlockLength)
	if p.FreeSpaceForNewRow(minBlockLength) < length {
		return 0, 0, errors.Wrapf(util.ErrNoSpace, "row of %d bytes, %d free", length, p.FreeSpaceForNewRow(minBlockLength))
	}

	slot, ok := p.FindFreeSlot()
	if !ok {
		var err error
		if slot, err = p.ExtendDirectory(1, minBlockLength); err != nil {
			return 0, 0, err
		}
	}

	return slot, p.placeRow(slot, length, minBlockLength), nil
}

// InsertAtSlot reserves space for a row at a given slot, which must be free or past the
// end of the directory.
func (p Page) InsertAtSlot(slot, length, minBlockLength int) (int, error) {
	length = max(length, minBlockLength)
	if slot >= MAX_ROWS_PER_PAGE {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "slot %d out of range", slot)
	}

	count := p.DirCount()
	if slot < count {
		if !p.IsFree(slot) {
			return 0, errors.Wrapf(util.ErrWrongInRecord, "slot %d is in use", slot)
		}
		if p.EmptySpace() < length {
			return 0, errors.Wrapf(util.ErrWrongInRecord, "row of %d bytes does not fit in %d", length, p.EmptySpace())
		}
		p.unlinkFree(slot)
		return p.placeRow(slot, length, minBlockLength), nil
	}

	grow := slot + 1 - count
	if p.EmptySpace() < length+grow*DIR_ENTRY_SIZE {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "row of %d bytes at slot %d does not fit in %d", length, slot, p.EmptySpace())
	}
	if _, err := p.ExtendDirectory(grow, minBlockLength); err != nil {
		return 0, err
	}
	return p.placeRow(slot, length, minBlockLength), nil
}

// ExtendArea grows the row of slot to length bytes keeping its current bytes. The row
// grows in place when the following bytes are free, moves back into the preceding gap
// when that is enough, and otherwise the page is compacted around it.
func (p Page) ExtendArea(slot, length, minBlockLength int) (int, error) {
	length = max(length, minBlockLength)
	offset, current := p.Entry(slot)
	if offset == 0 {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "extend of free slot %d", slot)
	}
	if length <= current {
		return offset, nil
	}

	need := length - current
	if p.EmptySpace() < need {
		return 0, errors.Wrapf(util.ErrNoSpace, "slot %d needs %d more bytes, %d free", slot, need, p.EmptySpace())
	}

	if offset+length > p.nextStart(slot) {
		prev := p.prevEnd(slot)
		if p.nextStart(slot)-prev >= length {
			copy(p[prev:], p[offset:offset+current])
			offset = prev
		} else {
			p.Compact(slot, false, 0, minBlockLength)
			offset, _ = p.Entry(slot)
		}
	}

	clear(p[offset+current : offset+length])
	p.setEntry(slot, offset, length)
	p.setEmptySpace(p.EmptySpace() - need)
	return offset, nil
}

// SetRowLength resizes the row of slot, growing it with ExtendArea or shrinking it in
// place. The returned offset is where the row now starts.
func (p Page) SetRowLength(slot, length, minBlockLength int) (int, error) {
	length = max(length, minBlockLength)
	offset, current := p.Entry(slot)
	if offset == 0 {
		return 0, errors.Wrapf(util.ErrWrongInRecord, "resize of free slot %d", slot)
	}

	if length > current {
		return p.ExtendArea(slot, length, minBlockLength)
	}

	p.setEntry(slot, offset, length)
	p.setEmptySpace(p.EmptySpace() + current - length)
	return offset, nil
}

// Compact moves the rows of slots up to pivot to the start of the row area and the rest
// against the directory, leaving all free space right after the pivot row. With
// extendPivot the pivot row takes that space. Head rows whose transaction id is below
// minReadFrom lose the id, but no row shrinks below minBlockLength.
func (p Page) Compact(pivot int, extendPivot bool, minReadFrom uint64, minBlockLength int) {
	count := p.DirCount()

	if minReadFrom > 0 && p.Type() == HEAD_PAGE && p.CanBeCompacted() {
		p.stripTransIds(minReadFrom, minBlockLength)
	}

	pos := PAGE_HEADER_SIZE
	for s := 0; s <= pivot && s < count; s++ {
		offset, length := p.Entry(s)
		if offset == 0 {
			continue
		}
		copy(p[pos:], p[offset:offset+length])
		p.setEntry(s, pos, length)
		pos += length
	}

	end := p.DirStart()
	for s := count - 1; s > pivot; s-- {
		offset, length := p.Entry(s)
		if offset == 0 {
			continue
		}
		end -= length
		copy(p[end:], p[offset:offset+length])
		p.setEntry(s, end, length)
	}

	clear(p[pos:end])
	p.setEmptySpace(end - pos)

	if extendPivot && pivot < count {
		if offset, length := p.Entry(pivot); offset != 0 {
			p.setEntry(pivot, offset, length+end-pos)
			p.setEmptySpace(0)
		}
	}
}

func (p Page) stripTransIds(minReadFrom uint64, minBlockLength int) {
	remaining := false
	for s := 0; s < p.DirCount(); s++ {
		offset, length := p.Entry(s)
		if offset == 0 || length < 1+TRANSID_SIZE {
			continue
		}

		row := p[offset : offset+length]
		if row[0]&ROW_FLAG_TRANSID == 0 {
			continue
		}
		if util.Uint6Korr(row[1:]) >= minReadFrom {
			remaining = true
			continue
		}

		row[0] &^= ROW_FLAG_TRANSID
		copy(row[1:], row[1+TRANSID_SIZE:])
		clear(row[length-TRANSID_SIZE:])

		newLength := max(length-TRANSID_SIZE, minBlockLength)
		p.setEntry(s, offset, newLength)
	}

	if !remaining {
		p[PAGE_TYPE_OFFSET] &^= PAGE_CAN_BE_COMPACTED
	}
}

// DeleteRow frees slot and reports whether the page has no rows left. Trailing free
// entries are cut off the directory.
func (p Page) DeleteRow(slot int) (bool, error) {
	count := p.DirCount()
	if slot >= count || p.IsFree(slot) {
		return false, errors.Wrapf(util.ErrRecordDeleted, "slot %d is not in use", slot)
	}

	_, length := p.Entry(slot)
	empty := p.EmptySpace() + length

	if slot == count-1 {
		p.setEntry(slot, 0, 0)
		count--
		empty += DIR_ENTRY_SIZE

		for count > 0 && p.IsFree(count-1) {
			p.unlinkFree(count - 1)
			count--
			empty += DIR_ENTRY_SIZE
		}
		p[DIR_COUNT_OFFSET] = byte(count)
	} else {
		p.pushFree(slot)
	}

	p.setEmptySpace(empty)
	return count == 0, nil
}

// Check verifies the directory and row area of a head or tail page.
func (p Page) Check(minBlockLength int) error {
	if p.Type() != HEAD_PAGE && p.Type() != TAIL_PAGE {
		return errors.Wrapf(util.ErrWrongInRecord, "page type %s has no directory", p.Type())
	}

	count := p.DirCount()
	if PAGE_HEADER_SIZE+count*DIR_ENTRY_SIZE+PAGE_SUFFIX_SIZE > len(p) {
		return errors.Wrapf(util.ErrWrongInRecord, "directory of %d entries does not fit", count)
	}

	dirStart := p.DirStart()
	prevEnd := PAGE_HEADER_SIZE
	used, free := 0, 0
	for s := range count {
		offset, length := p.Entry(s)
		if offset == 0 {
			free++
			continue
		}
		if offset < prevEnd {
			return errors.Wrapf(util.ErrWrongInRecord, "slot %d at %d overlaps the previous row ending at %d", s, offset, prevEnd)
		}
		if offset+length > dirStart {
			return errors.Wrapf(util.ErrWrongInRecord, "slot %d at %d+%d runs into the directory at %d", s, offset, length, dirStart)
		}
		if length < minBlockLength {
			return errors.Wrapf(util.ErrWrongInRecord, "slot %d length %d below minimum %d", s, length, minBlockLength)
		}
		prevEnd = offset + length
		used += length
	}

	if count > 0 && p.IsFree(count-1) {
		return errors.Wrapf(util.ErrWrongInRecord, "last directory entry %d is free", count-1)
	}

	visited := 0
	prev := END_OF_DIR_FREE_LIST
	for slot := p.FreeHead(); slot != END_OF_DIR_FREE_LIST; {
		if slot >= count || !p.IsFree(slot) || visited >= free {
			return errors.Wrapf(util.ErrWrongInRecord, "free list entry %d is invalid", slot)
		}
		back, next := p.freeLinks(slot)
		if back != prev {
			return errors.Wrapf(util.ErrWrongInRecord, "free list entry %d points back to %d, expected %d", slot, back, prev)
		}
		visited++
		prev, slot = slot, next
	}
	if visited != free {
		return errors.Wrapf(util.ErrWrongInRecord, "free list has %d entries, directory has %d free", visited, free)
	}

	if expected := dirStart - PAGE_HEADER_SIZE - used; p.EmptySpace() != expected {
		return errors.Wrapf(util.ErrWrongInRecord, "empty space is %d, rows leave %d", p.EmptySpace(), expected)
	}
	return nil
}
