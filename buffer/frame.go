package buffer

import (
	"sync"
	"sync/atomic"
)

// frame is one page slot of the pool. The pool mutex guards pageId, valid and the pin
// count transitions; mu guards data.
type frame struct {
	mu     sync.RWMutex
	id     int
	pageId int64
	valid  bool
	pins   atomic.Int32
	dirty  atomic.Bool
	data   []byte
}

func (f *frame) pin() {
	f.pins.Add(1)
}

// unpin returns the pins left.
func (f *frame) unpin() int32 {
	return f.pins.Add(-1)
}

// reset gives the frame to pageId with zeroed, not yet loaded contents.
func (f *frame) reset(pageId int64) {
	f.pageId = pageId
	f.valid = false
	f.pins.Store(0)
	f.dirty.Store(false)
	clear(f.data)
}
