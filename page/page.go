package page

import (
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

/*

Head and tail page
─────────────────────────────────────────────────────────────────────────────────────────
| LSN (7) | TYPE (1) | DIR COUNT (1) | FREE HEAD (1) | EMPTY SPACE (2) | rows ... | dir | SUM (4) |
─────────────────────────────────────────────────────────────────────────────────────────

Directory entries are 4 bytes, entry 0 is the last one before the suffix. An occupied
entry holds offset(2) and length(2) of its row. A free entry has offset 0 and links the
free list: byte 2 is the previous free entry, byte 3 the next one.
Rows are stored in slot order.

Full (blob) page
────────────────────────────────────────
| LSN (7) | TYPE (1) | data ... | SUM (4) |
────────────────────────────────────────

*/

type PageType uint8

const (
	UNALLOCATED_PAGE PageType = iota
	HEAD_PAGE
	TAIL_PAGE
	BLOB_PAGE
)

const (
	LSN_SIZE              = 7
	PAGE_TYPE_OFFSET      = 7
	DIR_COUNT_OFFSET      = 8
	DIR_FREE_OFFSET       = 9
	EMPTY_SPACE_OFFSET    = 10
	PAGE_HEADER_SIZE      = 12
	PAGE_SUFFIX_SIZE      = 4
	DIR_ENTRY_SIZE        = 4
	FULL_PAGE_HEADER_SIZE = 8

	END_OF_DIR_FREE_LIST  = 255
	PAGE_TYPE_MASK        = 127
	PAGE_CAN_BE_COMPACTED = 128
	MAX_ROWS_PER_PAGE     = 255

	// first byte of a head row and the transaction id that may follow it
	ROW_FLAG_TRANSID = 1
	TRANSID_SIZE     = 6
)

func (t PageType) String() string {
	switch t {
	case UNALLOCATED_PAGE:
		return "unallocated"
	case HEAD_PAGE:
		return "head"
	case TAIL_PAGE:
		return "tail"
	case BLOB_PAGE:
		return "blob"
	}
	return "unknown"
}

// Page is a view over one page buffer of the page cache.
type Page []byte

func (p Page) LSN() uint64 {
	return util.Uint7Korr(p[0:LSN_SIZE])
}

func (p Page) SetLSN(lsn uint64) {
	util.Int7Store(p[0:LSN_SIZE], lsn)
}

func (p Page) Type() PageType {
	return PageType(p[PAGE_TYPE_OFFSET] & PAGE_TYPE_MASK)
}

func (p Page) CanBeCompacted() bool {
	return p[PAGE_TYPE_OFFSET]&PAGE_CAN_BE_COMPACTED != 0
}

func (p Page) SetCanBeCompacted() {
	p[PAGE_TYPE_OFFSET] |= PAGE_CAN_BE_COMPACTED
}

func (p Page) DirCount() int {
	return int(p[DIR_COUNT_OFFSET])
}

func (p Page) FreeHead() int {
	return int(p[DIR_FREE_OFFSET])
}

func (p Page) EmptySpace() int {
	return int(util.Uint2Korr(p[EMPTY_SPACE_OFFSET:]))
}

func (p Page) setEmptySpace(n int) {
	util.Int2Store(p[EMPTY_SPACE_OFFSET:], uint16(n))
}

// DirStart is the offset of the lowest directory entry, the end of the row area.
func (p Page) DirStart() int {
	return len(p) - PAGE_SUFFIX_SIZE - p.DirCount()*DIR_ENTRY_SIZE
}

func (p Page) entryPos(slot int) int {
	return len(p) - PAGE_SUFFIX_SIZE - (slot+1)*DIR_ENTRY_SIZE
}

// Entry returns offset and length of slot. A free slot has offset 0.
func (p Page) Entry(slot int) (int, int) {
	pos := p.entryPos(slot)
	return int(util.Uint2Korr(p[pos:])), int(util.Uint2Korr(p[pos+2:]))
}

func (p Page) setEntry(slot, offset, length int) {
	pos := p.entryPos(slot)
	util.Int2Store(p[pos:], uint16(offset))
	util.Int2Store(p[pos+2:], uint16(length))
}

func (p Page) IsFree(slot int) bool {
	offset, _ := p.Entry(slot)
	return offset == 0
}

func (p Page) freeLinks(slot int) (int, int) {
	pos := p.entryPos(slot)
	return int(p[pos+2]), int(p[pos+3])
}

func (p Page) setFreeLinks(slot, prev, next int) {
	pos := p.entryPos(slot)
	util.Int2Store(p[pos:], 0)
	p[pos+2] = byte(prev)
	p[pos+3] = byte(next)
}

// Row returns the bytes of an occupied slot.
func (p Page) Row(slot int) ([]byte, error) {
	if slot >= p.DirCount() {
		return nil, errors.Wrapf(util.ErrRecordDeleted, "slot %d beyond directory of %d", slot, p.DirCount())
	}

	offset, length := p.Entry(slot)
	if offset == 0 {
		return nil, errors.Wrapf(util.ErrRecordDeleted, "slot %d is free", slot)
	}
	if offset < PAGE_HEADER_SIZE || offset+length > p.DirStart() {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "slot %d: row %d+%d outside row area", slot, offset, length)
	}
	return p[offset : offset+length], nil
}

// Init formats an empty head or tail page.
func (p Page) Init(pageType PageType) {
	clear(p[:PAGE_HEADER_SIZE])
	p[PAGE_TYPE_OFFSET] = byte(pageType)
	p[DIR_FREE_OFFSET] = END_OF_DIR_FREE_LIST
	p.setEmptySpace(len(p) - PAGE_HEADER_SIZE - PAGE_SUFFIX_SIZE)
}

// InitFull formats a full page and returns its data area.
func (p Page) InitFull() []byte {
	clear(p[:FULL_PAGE_HEADER_SIZE])
	p[PAGE_TYPE_OFFSET] = byte(BLOB_PAGE)
	return p.FullData()
}

func (p Page) FullData() []byte {
	return p[FULL_PAGE_HEADER_SIZE : len(p)-PAGE_SUFFIX_SIZE]
}

// FullPageCapacity is the number of data bytes in a full page.
func FullPageCapacity(blockSize int) int {
	return blockSize - FULL_PAGE_HEADER_SIZE - PAGE_SUFFIX_SIZE
}

// EmptyPageSpace is the row space of an empty head or tail page with one directory entry.
func EmptyPageSpace(blockSize int) int {
	return blockSize - PAGE_HEADER_SIZE - PAGE_SUFFIX_SIZE - DIR_ENTRY_SIZE
}

func MaxRowsPerPage(blockSize, minBlockLength int) int {
	rows := (blockSize - PAGE_HEADER_SIZE - PAGE_SUFFIX_SIZE) / (DIR_ENTRY_SIZE + max(minBlockLength, 1))
	return min(rows, MAX_ROWS_PER_PAGE)
}

// FreeSpaceForNewRow is the largest row that AddRow can place, allowing for a new
// directory entry when the free list is empty.
func (p Page) FreeSpaceForNewRow(minBlockLength int) int {
	if p.FreeHead() != END_OF_DIR_FREE_LIST {
		return p.EmptySpace()
	}
	if p.DirCount() >= MaxRowsPerPage(len(p), minBlockLength) {
		return 0
	}
	return max(p.EmptySpace()-DIR_ENTRY_SIZE, 0)
}
