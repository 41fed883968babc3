package bitmap

import (
	"sync"

	"github.com/google/btree"
	"github.com/jobala/rowstore/buffer"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Run is a range of consecutive pages.
type Run struct {
	Page  uint64
	Count int
}

// Open loads the bitmap pages of a data file of filePages pages.
func Open(bpm *buffer.BufferpoolManager, filePages int64) (*Bitmap, error) {
	blockSize := bpm.PageSize()
	b := &Bitmap{
		bpm:       bpm,
		blockSize: blockSize,
		covered:   PagesCovered(blockSize),
		pages:     map[uint64][]byte{},
		dirty:     map[uint64]bool{},
		reserved:  map[uint64]bool{},
		index:     btree.New(32),
		used:      1,
	}

	for bmp := uint64(0); int64(bmp) < filePages; bmp += b.covered + 1 {
		guard, err := bpm.ReadPage(int64(bmp))
		if err != nil {
			return nil, errors.Wrapf(err, "read bitmap page %d", bmp)
		}
		data := make([]byte, blockSize)
		copy(data, guard.GetData())
		guard.Drop()

		b.pages[bmp] = data
		for i := uint64(0); i < b.covered; i++ {
			if getBits(data, i) != EMPTY_PAGE {
				b.used = max(b.used, bmp+i+2)
			}
		}
	}

	if _, ok := b.pages[0]; !ok {
		b.pages[0] = make([]byte, blockSize)
		b.dirty[0] = true
	}
	b.rebuildIndex()

	log.WithFields(log.Fields{
		"component": "bitmap",
		"pages":     len(b.pages),
		"used":      b.used,
	}).Debug("loaded bitmap")
	return b, nil
}

func (b *Bitmap) rebuildIndex() {
	b.index.Clear(false)
	for p := uint64(1); p < b.used; p++ {
		if b.IsBitmapPage(p) {
			continue
		}
		b.index.ReplaceOrInsert(classItem{class: b.getPageBits(p), page: p})
	}
}

func (b *Bitmap) IsBitmapPage(p uint64) bool {
	return p%(b.covered+1) == 0
}

func (b *Bitmap) bitmapPageOf(p uint64) uint64 {
	return p / (b.covered + 1) * (b.covered + 1)
}

func (b *Bitmap) getPageBits(p uint64) uint8 {
	bmp := b.bitmapPageOf(p)
	data, ok := b.pages[bmp]
	if !ok {
		return EMPTY_PAGE
	}
	return getBits(data, p-bmp-1)
}

func (b *Bitmap) setPageBits(p uint64, bits uint8) {
	bmp := b.bitmapPageOf(p)
	data, ok := b.pages[bmp]
	if !ok {
		data = make([]byte, b.blockSize)
		b.pages[bmp] = data
	}

	old := getBits(data, p-bmp-1)
	if p < b.used {
		b.index.Delete(classItem{class: old, page: p})
	}

	setBits(data, p-bmp-1, bits)
	b.dirty[bmp] = true

	if p >= b.used {
		if bits == EMPTY_PAGE {
			return
		}
		// pages skipped over become known empty pages
		for q := b.used; q < p; q++ {
			if !b.IsBitmapPage(q) {
				b.index.ReplaceOrInsert(classItem{class: b.getPageBits(q), page: q})
			}
		}
		b.used = p + 1
	}
	b.index.ReplaceOrInsert(classItem{class: bits, page: p})
}

func (b *Bitmap) GetPageBits(p uint64) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getPageBits(p)
}

// SetPageBits stores the class of a head or tail page and ends any reservation of it.
func (b *Bitmap) SetPageBits(p uint64, bits uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.reserved, p)
	b.setPageBits(p, bits)
}

// Reserve claims page p for a head row at a known place. It fails for pages that are
// reserved already or hold tails or full page data.
func (b *Bitmap) Reserve(p uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p == 0 || b.IsBitmapPage(p) || b.reserved[p] {
		return false
	}
	switch b.getPageBits(p) {
	case TAIL_60_FREE, TAIL_20_FREE, FULL_PAGE:
		return false
	}

	b.reserved[p] = true
	return true
}

// Release ends a reservation without changing the page class.
func (b *Bitmap) Release(p uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reserved, p)
}

func (b *Bitmap) SetFullPageBits(p uint64, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range count {
		b.setPageBits(p+uint64(i), FULL_PAGE)
	}
}

func (b *Bitmap) ResetFullPageBits(p uint64, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range count {
		delete(b.reserved, p+uint64(i))
		b.setPageBits(p+uint64(i), EMPTY_PAGE)
	}
}

// FindHead reserves a page that can take a new head row of size bytes, directory entry
// included.
func (b *Bitmap) FindHead(size int) (uint64, error) {
	return b.findPage(size, []uint8{HEAD_10_FREE, HEAD_40_FREE, HEAD_70_FREE, EMPTY_PAGE})
}

// FindTail reserves a page that can take a new tail row of size bytes.
func (b *Bitmap) FindTail(size int) (uint64, error) {
	return b.findPage(size, []uint8{TAIL_20_FREE, TAIL_60_FREE, EMPTY_PAGE})
}

// findPage tries the fullest classes first, then grows the file.
func (b *Bitmap) findPage(size int, classes []uint8) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size > page.EmptyPageSpace(b.blockSize) {
		return 0, errors.Wrapf(util.ErrNoSpace, "%d bytes do not fit in a page", size)
	}

	for _, class := range classes {
		if guaranteedFree(class, b.blockSize) < size {
			continue
		}

		found := uint64(0)
		b.index.AscendGreaterOrEqual(classItem{class: class}, func(item btree.Item) bool {
			ci := item.(classItem)
			if ci.class != class {
				return false
			}
			if b.reserved[ci.page] {
				return true
			}
			found = ci.page
			return false
		})

		if found != 0 {
			b.reserved[found] = true
			return found, nil
		}
	}

	p := b.extend(1)[0].Page
	b.reserved[p] = true
	return p, nil
}

// extend hands out count pages past the used area, split at bitmap pages.
func (b *Bitmap) extend(count int) []Run {
	var runs []Run
	for count > 0 {
		if b.IsBitmapPage(b.used) {
			bmp := b.used
			if _, ok := b.pages[bmp]; !ok {
				b.pages[bmp] = make([]byte, b.blockSize)
				b.dirty[bmp] = true
			}
			b.used++
		}

		next := b.bitmapPageOf(b.used) + b.covered + 1
		n := min(uint64(count), next-b.used)
		runs = append(runs, Run{Page: b.used, Count: int(n)})

		// mark as known empty pages, the caller sets their real class
		for p := b.used; p < b.used+n; p++ {
			b.index.ReplaceOrInsert(classItem{class: EMPTY_PAGE, page: p})
		}
		b.used += n
		count -= int(n)
	}
	return runs
}

// FindFullPages reserves count empty pages for full page data, reusing freed pages
// before growing the file. The pages are marked full right away.
func (b *Bitmap) FindFullPages(count int) ([]Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var runs []Run
	remaining := count

	b.index.AscendGreaterOrEqual(classItem{class: EMPTY_PAGE}, func(item btree.Item) bool {
		ci := item.(classItem)
		if ci.class != EMPTY_PAGE || remaining == 0 {
			return false
		}
		if b.reserved[ci.page] {
			return true
		}

		if n := len(runs); n > 0 && runs[n-1].Page+uint64(runs[n-1].Count) == ci.page {
			runs[n-1].Count++
		} else {
			runs = append(runs, Run{Page: ci.page, Count: 1})
		}
		remaining--
		return true
	})

	if remaining > 0 {
		runs = append(runs, b.extend(remaining)...)
	}

	for _, run := range runs {
		for i := range run.Count {
			b.setPageBits(run.Page+uint64(i), FULL_PAGE)
		}
	}
	return runs, nil
}

// Used is one past the highest page that was ever handed out.
func (b *Bitmap) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Reset forgets every page, for a table that is emptied.
func (b *Bitmap) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pages = map[uint64][]byte{0: make([]byte, b.blockSize)}
	b.dirty = map[uint64]bool{0: true}
	b.reserved = map[uint64]bool{}
	b.used = 1
	b.index.Clear(false)
}

// Flush writes changed bitmap pages into the page cache.
func (b *Bitmap) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for bmp := range b.dirty {
		guard, err := b.bpm.NewPage(int64(bmp))
		if err != nil {
			return errors.Wrapf(err, "write bitmap page %d", bmp)
		}
		copy(guard.GetData(), b.pages[bmp])
		guard.Drop()
		delete(b.dirty, bmp)
	}
	return nil
}

// Pages returns the classes of all pages in use, for checking and display.
func (b *Bitmap) Pages() map[uint64]uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	res := make(map[uint64]uint8, b.index.Len())
	b.index.Ascend(func(item btree.Item) bool {
		ci := item.(classItem)
		res[ci.page] = ci.class
		return true
	})
	return res
}

type classItem struct {
	class uint8
	page  uint64
}

func (i classItem) Less(item btree.Item) bool {
	other := item.(classItem)
	if i.class != other.class {
		return i.class < other.class
	}
	return i.page < other.page
}

type Bitmap struct {
	mu        sync.Mutex
	bpm       *buffer.BufferpoolManager
	blockSize int
	covered   uint64
	pages     map[uint64][]byte
	dirty     map[uint64]bool
	reserved  map[uint64]bool
	index     *btree.BTree
	used      uint64
}
