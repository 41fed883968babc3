package disk

import (
	"sync"
)

func NewScheduler(diskManager *diskManager) *DiskScheduler {
	ds := &DiskScheduler{
		reqCh:       make(chan DiskReq, 100),
		pageQueue:   make(map[int64]chan DiskReq),
		pageQueueMu: sync.Mutex{},
		diskManager: diskManager,
	}

	ds.wg.Add(1)
	go ds.handleDiskReq()
	return ds
}

func NewRequest(pageId int64, data []byte, isWrite bool) DiskReq {
	respCh := make(chan DiskResp, 1)
	return DiskReq{
		PageId: pageId,
		Data:   data,
		Write:  isWrite,
		RespCh: respCh,
	}
}

func (ds *DiskScheduler) Schedule(req DiskReq) <-chan DiskResp {
	ds.reqCh <- req
	return req.RespCh
}

// Read is a blocking read of one page.
func (ds *DiskScheduler) Read(pageId int64) DiskResp {
	return <-ds.Schedule(NewRequest(pageId, nil, false))
}

// Write is a blocking write of one page.
func (ds *DiskScheduler) Write(pageId int64, data []byte) error {
	resp := <-ds.Schedule(NewRequest(pageId, data, true))
	return resp.Err
}

func (ds *DiskScheduler) PageSize() int {
	return ds.diskManager.pageSize
}

func (ds *DiskScheduler) NumPages() (int64, error) {
	return ds.diskManager.numPages()
}

func (ds *DiskScheduler) Truncate(pages int64) error {
	return ds.diskManager.truncate(pages)
}

func (ds *DiskScheduler) Sync() error {
	return ds.diskManager.sync()
}

// Shutdown stops accepting requests and waits for queued ones to finish.
func (ds *DiskScheduler) Shutdown() {
	ds.closeOnce.Do(func() {
		close(ds.reqCh)
		ds.wg.Wait()
	})
}

func (ds *DiskScheduler) handleDiskReq() {
	defer ds.wg.Done()

	for req := range ds.reqCh {
		ds.pageQueueMu.Lock()
		queue, ok := ds.pageQueue[req.PageId]
		if !ok {
			queue = make(chan DiskReq, 10)
			ds.pageQueue[req.PageId] = queue
		}

		// the queue lock is held while pushing so that a worker can not retire the
		// queue between the lookup and the push
		queue <- req
		ds.pageQueueMu.Unlock()

		// !ok means we created a new page queue, therefore we should start a
		// new worker to handle the queue's page requests
		if !ok {
			ds.wg.Add(1)
			go ds.pageWorker(req.PageId, queue)
		}
	}
}

func (ds *DiskScheduler) pageWorker(pageId int64, reqQueue chan DiskReq) {
	defer ds.wg.Done()

	for {
		select {
		case req := <-reqQueue:
			if req.Write {
				err := ds.diskManager.writePage(req.PageId, req.Data)
				req.RespCh <- DiskResp{Success: err == nil, Err: err}
			} else {
				data, short, err := ds.diskManager.readPage(req.PageId)
				req.RespCh <- DiskResp{Success: err == nil, Data: data, Short: short, Err: err}
			}

		default:
			// done handling request for this page, can remove it from queue
			ds.pageQueueMu.Lock()
			if len(reqQueue) > 0 {
				ds.pageQueueMu.Unlock()
				continue
			}
			delete(ds.pageQueue, pageId)
			ds.pageQueueMu.Unlock()
			return
		}
	}
}

type DiskScheduler struct {
	reqCh       chan DiskReq
	diskManager *diskManager

	pageQueue   map[int64]chan DiskReq
	pageQueueMu sync.Mutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type DiskReq struct {
	PageId int64
	Data   []byte
	Write  bool
	RespCh chan DiskResp
}

type DiskResp struct {
	Success bool
	Data    []byte
	Short   bool
	Err     error
}
