package bitmap

import (
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/util"
)

// Page classes, 3 bits per page.
const (
	EMPTY_PAGE     uint8 = 0
	HEAD_70_FREE   uint8 = 1
	HEAD_40_FREE   uint8 = 2
	HEAD_10_FREE   uint8 = 3
	FULL_HEAD_PAGE uint8 = 4
	TAIL_60_FREE   uint8 = 5
	TAIL_20_FREE   uint8 = 6
	FULL_PAGE      uint8 = 7

	BITS_PER_PAGE  = 3
	PAGES_PER_WORD = 16
	WORD_SIZE      = 6
)

// PagesCovered is the number of pages described by one bitmap page.
func PagesCovered(blockSize int) uint64 {
	return uint64((blockSize-page.PAGE_SUFFIX_SIZE)/WORD_SIZE) * PAGES_PER_WORD
}

// guaranteedFree is the free space a page of the given class has at least.
func guaranteedFree(class uint8, blockSize int) int {
	usable := page.EmptyPageSpace(blockSize)
	switch class {
	case EMPTY_PAGE:
		return usable
	case HEAD_70_FREE:
		return usable * 7 / 10
	case HEAD_40_FREE:
		return usable * 4 / 10
	case HEAD_10_FREE:
		return usable / 10
	case TAIL_60_FREE:
		return usable * 6 / 10
	case TAIL_20_FREE:
		return usable * 2 / 10
	}
	return 0
}

// HeadPageBits classifies a head page by the room left for a new row.
func HeadPageBits(p page.Page, minBlockLength int) uint8 {
	if p.DirCount() == 0 {
		return EMPTY_PAGE
	}

	free := p.FreeSpaceForNewRow(minBlockLength)
	for _, class := range []uint8{HEAD_70_FREE, HEAD_40_FREE, HEAD_10_FREE} {
		if free >= guaranteedFree(class, len(p)) {
			return class
		}
	}
	return FULL_HEAD_PAGE
}

// TailPageBits classifies a tail page by the room left for a new tail.
func TailPageBits(p page.Page, minBlockLength int) uint8 {
	if p.DirCount() == 0 {
		return EMPTY_PAGE
	}

	free := p.FreeSpaceForNewRow(minBlockLength)
	for _, class := range []uint8{TAIL_60_FREE, TAIL_20_FREE} {
		if free >= guaranteedFree(class, len(p)) {
			return class
		}
	}
	return FULL_PAGE
}

// PageBits classifies any data page from its content.
func PageBits(p page.Page, minBlockLength int) uint8 {
	switch p.Type() {
	case page.HEAD_PAGE:
		return HeadPageBits(p, minBlockLength)
	case page.TAIL_PAGE:
		return TailPageBits(p, minBlockLength)
	case page.BLOB_PAGE:
		return FULL_PAGE
	}
	return EMPTY_PAGE
}

func getBits(data []byte, index uint64) uint8 {
	word := (index / PAGES_PER_WORD) * WORD_SIZE
	shift := (index % PAGES_PER_WORD) * BITS_PER_PAGE
	return uint8(util.Uint6Korr(data[word:])>>shift) & 7
}

func setBits(data []byte, index uint64, value uint8) {
	word := (index / PAGES_PER_WORD) * WORD_SIZE
	shift := (index % PAGES_PER_WORD) * BITS_PER_PAGE
	bits := util.Uint6Korr(data[word:])
	util.Int6Store(data[word:], bits&^(7<<shift)|uint64(value&7)<<shift)
}
