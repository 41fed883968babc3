package buffer

import (
	"sync"

	"github.com/jobala/rowstore/storage/disk"
	"github.com/pkg/errors"
)

type mode = int

const (
	write mode = iota
	read
	fresh
)

// PageHooks lets the owner of a page file enforce its on-page rules. BeforeFlush gets a
// private copy of the page and runs before it is written: it must make the log durable
// up to the page LSN and may stamp the copy. AfterRead runs on every page loaded from
// disk; short is true for pages past the end of the file.
type PageHooks interface {
	BeforeFlush(pageId int64, data []byte) error
	AfterRead(pageId int64, data []byte, short bool) error
}

func NewBufferpoolManager(size int, replacer *lrukReplacer, diskScheduler *disk.DiskScheduler) *BufferpoolManager {
	frames := make([]*frame, size)
	freeFrames := make([]int, size)
	pageSize := diskScheduler.PageSize()

	for i := range size {
		f := &frame{
			id:     i,
			data:   make([]byte, pageSize),
			pageId: disk.INVALID_PAGE_ID,
		}

		frames[i] = f
		freeFrames[i] = i
	}

	bpm := &BufferpoolManager{
		mu:            sync.Mutex{},
		frames:        frames,
		pageTable:     make(map[int64]int),
		replacer:      replacer,
		diskScheduler: diskScheduler,
		freeFrames:    freeFrames,
		pageSize:      pageSize,
	}
	bpm.cond = sync.NewCond(&bpm.mu)
	return bpm
}

// SetHooks must be called before the pool is used.
func (b *BufferpoolManager) SetHooks(hooks PageHooks) {
	b.hooks = hooks
}

func (b *BufferpoolManager) PageSize() int {
	return b.pageSize
}

// ReadPage pins the page and takes its shared lock.
func (b *BufferpoolManager) ReadPage(pageId int64) (*ReadPageGuard, error) {
	frame, err := b.getFrame(pageId, read)
	if err != nil {
		return nil, err
	}
	return newReadPageGuard(frame, b), nil
}

// WritePage pins the page, takes its exclusive lock and marks it dirty.
func (b *BufferpoolManager) WritePage(pageId int64) (*WritePageGuard, error) {
	frame, err := b.getFrame(pageId, write)
	if err != nil {
		return nil, err
	}
	return newWritePageGuard(frame, b), nil
}

// NewPage is WritePage for a page whose old content is irrelevant; an uncached page is
// handed out zeroed without a disk read.
func (b *BufferpoolManager) NewPage(pageId int64) (*WritePageGuard, error) {
	frame, err := b.getFrame(pageId, fresh)
	if err != nil {
		return nil, err
	}
	return newWritePageGuard(frame, b), nil
}

func (b *BufferpoolManager) getFrame(pageId int64, accessMode mode) (*frame, error) {
	for {
		frame, loaded, err := b.pinFrame(pageId)
		if err != nil {
			return nil, err
		}

		if !loaded {
			// we own the exclusive lock of a frame that was just assigned to pageId
			if err := b.load(frame, accessMode == fresh); err != nil {
				frame.mu.Unlock()
				b.release(frame)
				return nil, err
			}
			if accessMode == read {
				frame.mu.Unlock()
				frame.mu.RLock()
			}
		} else if accessMode == read {
			frame.mu.RLock()
		} else {
			frame.mu.Lock()
		}

		// the loader may have failed while we waited for the lock
		if !frame.valid || frame.pageId != pageId {
			if accessMode == read {
				frame.mu.RUnlock()
			} else {
				frame.mu.Unlock()
			}
			b.release(frame)
			continue
		}

		if accessMode != read {
			frame.dirty.Store(true)
		}
		return frame, nil
	}
}

// pinFrame finds or assigns the frame of pageId and pins it. A frame that is newly
// assigned is returned write-locked with loaded set to false.
func (b *BufferpoolManager) pinFrame(pageId int64) (*frame, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if id, ok := b.pageTable[pageId]; ok {
			frame := b.frames[id]
			frame.pin()
			b.replacer.recordAccess(frame.id)
			b.replacer.setEvictable(frame.id, false)
			return frame, true, nil
		}

		var frame *frame
		if len(b.freeFrames) > 0 {
			id := b.freeFrames[0]
			frame = b.frames[id]
			b.freeFrames = b.freeFrames[1:]
		} else if id, ok := b.replacer.evict(); ok {
			frame = b.frames[id]
			if err := b.flush(frame); err != nil {
				// keep the victim cached, it still holds the only copy of its page
				b.replacer.recordAccess(frame.id)
				b.replacer.setEvictable(frame.id, true)
				return nil, false, err
			}
			delete(b.pageTable, frame.pageId)
		}

		if frame != nil {
			frame.reset(pageId)
			frame.pin()
			frame.mu.Lock()
			b.pageTable[pageId] = frame.id
			b.replacer.recordAccess(frame.id)
			b.replacer.setEvictable(frame.id, false)
			return frame, false, nil
		}

		// failed to get a frame, wait for a page guard to be dropped
		b.cond.Wait()
	}
}

func (b *BufferpoolManager) load(frame *frame, zeroed bool) error {
	if !zeroed {
		resp := b.diskScheduler.Read(frame.pageId)
		if resp.Err != nil {
			b.invalidate(frame)
			return errors.Wrapf(resp.Err, "read page %d", frame.pageId)
		}
		copy(frame.data, resp.Data)

		if b.hooks != nil {
			if err := b.hooks.AfterRead(frame.pageId, frame.data, resp.Short); err != nil {
				b.invalidate(frame)
				return err
			}
		}
	}

	frame.valid = true
	return nil
}

func (b *BufferpoolManager) invalidate(frame *frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.pageTable[frame.pageId]; ok && id == frame.id {
		delete(b.pageTable, frame.pageId)
	}
	frame.valid = false
	frame.pageId = disk.INVALID_PAGE_ID
}

// release drops a pin taken by getFrame. The frame lock must already be released.
func (b *BufferpoolManager) release(frame *frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frame.unpin() == 0 {
		if frame.pageId == disk.INVALID_PAGE_ID {
			b.replacer.setEvictable(frame.id, true)
			_ = b.replacer.remove(frame.id)
			b.freeFrames = append(b.freeFrames, frame.id)
		} else {
			b.replacer.setEvictable(frame.id, true)
		}
	}
	b.cond.Broadcast()
}

// FlushPage writes a cached page to disk if it is dirty.
func (b *BufferpoolManager) FlushPage(pageId int64) error {
	b.mu.Lock()
	id, ok := b.pageTable[pageId]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	frame := b.frames[id]
	frame.pin()
	b.replacer.setEvictable(frame.id, false)
	b.mu.Unlock()

	frame.mu.RLock()
	var err error
	if frame.valid && frame.pageId == pageId {
		err = b.flush(frame)
	}
	frame.mu.RUnlock()

	b.release(frame)
	return err
}

// FlushAll writes every dirty page. Pages locked by writers are waited for.
func (b *BufferpoolManager) FlushAll() error {
	b.mu.Lock()
	pageIds := make([]int64, 0, len(b.pageTable))
	for pageId, id := range b.pageTable {
		if b.frames[id].dirty.Load() {
			pageIds = append(pageIds, pageId)
		}
	}
	b.mu.Unlock()

	for _, pageId := range pageIds {
		if err := b.FlushPage(pageId); err != nil {
			return err
		}
	}
	return b.diskScheduler.Sync()
}

// DiscardFrom drops all cached pages numbered pageId and up without writing them.
// Used when the file is truncated; no such page may be pinned.
func (b *BufferpoolManager) DiscardFrom(pageId int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, frameId := range b.pageTable {
		if id < pageId {
			continue
		}

		frame := b.frames[frameId]
		if frame.pins.Load() > 0 {
			return errors.Errorf("discard pinned page %d", id)
		}
		if err := b.replacer.remove(frame.id); err != nil {
			return errors.Wrapf(err, "discard page %d", id)
		}
		delete(b.pageTable, id)
		frame.reset(disk.INVALID_PAGE_ID)
		b.freeFrames = append(b.freeFrames, frame.id)
	}
	return nil
}

// flush writes the frame if it is dirty. The caller keeps the frame stable, either by
// holding its lock or by owning the pool mutex while the frame is unpinned.
func (b *BufferpoolManager) flush(frame *frame) error {
	if !frame.dirty.Load() {
		return nil
	}

	data := make([]byte, len(frame.data))
	copy(data, frame.data)

	if b.hooks != nil {
		if err := b.hooks.BeforeFlush(frame.pageId, data); err != nil {
			return errors.Wrapf(err, "flush page %d", frame.pageId)
		}
	}

	if err := b.diskScheduler.Write(frame.pageId, data); err != nil {
		return errors.Wrapf(err, "flush page %d", frame.pageId)
	}

	frame.dirty.Store(false)
	return nil
}

// Close flushes everything and stops the disk scheduler.
func (b *BufferpoolManager) Close() error {
	err := b.FlushAll()
	b.diskScheduler.Shutdown()
	return err
}

type BufferpoolManager struct {
	mu            sync.Mutex
	frames        []*frame
	pageTable     map[int64]int
	diskScheduler *disk.DiskScheduler
	replacer      *lrukReplacer
	freeFrames    []int
	cond          *sync.Cond
	hooks         PageHooks
	pageSize      int
}
