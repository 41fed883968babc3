package buffer

// PageGuard is a pinned and locked page. Drop gives both back and may be called more
// than once.
type PageGuard struct {
	frame *frame
	bpm   *BufferpoolManager
}

type ReadPageGuard struct {
	PageGuard
}

type WritePageGuard struct {
	PageGuard
}

func newReadPageGuard(f *frame, bpm *BufferpoolManager) *ReadPageGuard {
	return &ReadPageGuard{PageGuard{frame: f, bpm: bpm}}
}

func newWritePageGuard(f *frame, bpm *BufferpoolManager) *WritePageGuard {
	return &WritePageGuard{PageGuard{frame: f, bpm: bpm}}
}

func (g *PageGuard) PageId() int64 {
	return g.frame.pageId
}

// GetData is the page buffer. Only a WritePageGuard may change it.
func (g *PageGuard) GetData() []byte {
	return g.frame.data
}

func (g *ReadPageGuard) Drop() {
	if g == nil || g.frame == nil {
		return
	}
	g.frame.mu.RUnlock()
	g.release()
}

func (g *WritePageGuard) Drop() {
	if g == nil || g.frame == nil {
		return
	}
	g.frame.mu.Unlock()
	g.release()
}

func (g *PageGuard) release() {
	g.bpm.release(g.frame)
	g.frame = nil
}
