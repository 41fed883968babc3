package buffer

import (
	"bytes"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/jobala/rowstore/storage/disk"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 1024

func TestBufferPoolManager(t *testing.T) {
	t.Run("reads a page from disk", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 5)

		data := make([]byte, testPageSize)
		copy(data, []byte("hello, world!"))
		require.NoError(t, diskScheduler.Write(1, data))

		pageGuard, err := bufferMgr.ReadPage(1)
		require.NoError(t, err)
		defer pageGuard.Drop()

		assert.Equal(t, data, pageGuard.GetData())
		assert.Equal(t, int64(1), pageGuard.PageId())
		assert.Equal(t, data, bufferMgr.frames[0].data)
	})

	t.Run("evicts least recently used page", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 2)

		content := []string{"1", "2", "3"}
		for i, d := range content {
			data := make([]byte, testPageSize)
			copy(data, []byte(d))
			require.NoError(t, diskScheduler.Write(int64(i+1), data))
		}

		// access page 2 many times
		for range 5 {
			pageGuard, err := bufferMgr.ReadPage(2)
			require.NoError(t, err)
			pageGuard.Drop()
		}

		// page 1 has a single access, infinite k-distance
		pageGuard, err := bufferMgr.ReadPage(1)
		require.NoError(t, err)
		pageGuard.Drop()

		pageGuard, err = bufferMgr.ReadPage(3)
		require.NoError(t, err)
		assert.Equal(t, "3", string(bytes.Trim(pageGuard.GetData(), "\x00")))
		pageGuard.Drop()

		_, ok := bufferMgr.pageTable[1]
		assert.False(t, ok)
		_, ok = bufferMgr.pageTable[2]
		assert.True(t, ok)
	})

	t.Run("writes a page to disk", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 5)

		data := make([]byte, testPageSize)
		copy(data, []byte("hello, world!"))

		pageGuard, err := bufferMgr.WritePage(1)
		require.NoError(t, err)
		copy(pageGuard.GetData(), data)
		pageGuard.Drop()

		assert.True(t, bufferMgr.frames[0].dirty.Load())

		require.NoError(t, bufferMgr.FlushPage(1))
		assert.False(t, bufferMgr.frames[0].dirty.Load())

		resp := diskScheduler.Read(1)
		require.NoError(t, resp.Err)
		assert.Equal(t, data, resp.Data)
	})

	t.Run("dirty evicted pages are flushed to disk", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 1)

		pageGuard, err := bufferMgr.NewPage(7)
		require.NoError(t, err)
		copy(pageGuard.GetData(), []byte("seven"))
		pageGuard.Drop()

		// loading another page evicts page 7
		readGuard, err := bufferMgr.ReadPage(8)
		require.NoError(t, err)
		readGuard.Drop()

		resp := diskScheduler.Read(7)
		require.NoError(t, resp.Err)
		assert.Equal(t, "seven", string(bytes.Trim(resp.Data, "\x00")))
	})

	t.Run("new page is zeroed without reading disk", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 2)

		data := bytes.Repeat([]byte{0xAA}, testPageSize)
		require.NoError(t, diskScheduler.Write(3, data))

		pageGuard, err := bufferMgr.NewPage(3)
		require.NoError(t, err)
		defer pageGuard.Drop()

		assert.Equal(t, make([]byte, testPageSize), pageGuard.GetData())
	})

	t.Run("hooks run on flush and load", func(t *testing.T) {
		bufferMgr, _ := newTestPool(t, 1)
		hooks := &recordingHooks{}
		bufferMgr.SetHooks(hooks)

		pageGuard, err := bufferMgr.NewPage(1)
		require.NoError(t, err)
		pageGuard.GetData()[0] = 42
		pageGuard.Drop()
		require.NoError(t, bufferMgr.FlushAll())

		// stamped copy went to disk, the cached page is untouched
		assert.Equal(t, []int64{1}, hooks.flushed)
		assert.Equal(t, byte(0), bufferMgr.frames[0].data[testPageSize-1])

		readGuard, err := bufferMgr.ReadPage(2)
		require.NoError(t, err)
		readGuard.Drop()

		readGuard, err = bufferMgr.ReadPage(1)
		require.NoError(t, err)
		assert.Equal(t, byte(42), readGuard.GetData()[0])
		assert.Equal(t, byte(0xEE), readGuard.GetData()[testPageSize-1])
		readGuard.Drop()

		assert.Equal(t, []bool{true, false}, hooks.shortReads)
	})

	t.Run("failed flush hook keeps page cached", func(t *testing.T) {
		bufferMgr, _ := newTestPool(t, 1)
		hooks := &recordingHooks{failFlush: true}
		bufferMgr.SetHooks(hooks)

		pageGuard, err := bufferMgr.NewPage(1)
		require.NoError(t, err)
		pageGuard.Drop()

		_, err = bufferMgr.ReadPage(2)
		assert.Error(t, err)

		_, ok := bufferMgr.pageTable[1]
		assert.True(t, ok)
	})

	t.Run("failed load hook surfaces the error", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 2)
		require.NoError(t, diskScheduler.Write(1, make([]byte, testPageSize)))
		bufferMgr.SetHooks(&recordingHooks{failRead: true})

		_, err := bufferMgr.ReadPage(1)
		assert.Error(t, err)

		_, ok := bufferMgr.pageTable[1]
		assert.False(t, ok)
		assert.Len(t, bufferMgr.freeFrames, 2)
	})

	t.Run("discard drops pages without writing", func(t *testing.T) {
		bufferMgr, diskScheduler := newTestPool(t, 4)

		for _, pageId := range []int64{1, 2, 3} {
			pageGuard, err := bufferMgr.NewPage(pageId)
			require.NoError(t, err)
			pageGuard.GetData()[0] = byte(pageId)
			pageGuard.Drop()
		}

		require.NoError(t, bufferMgr.DiscardFrom(2))
		require.NoError(t, bufferMgr.FlushAll())

		pages, err := diskScheduler.NumPages()
		require.NoError(t, err)
		assert.Equal(t, int64(2), pages)
		assert.Len(t, bufferMgr.freeFrames, 3)
	})

	t.Run("discarding a pinned page fails", func(t *testing.T) {
		bufferMgr, _ := newTestPool(t, 2)

		pageGuard, err := bufferMgr.NewPage(1)
		require.NoError(t, err)
		defer pageGuard.Drop()

		assert.Error(t, bufferMgr.DiscardFrom(0))
	})

	t.Run("waits for a frame to be released", func(t *testing.T) {
		bufferMgr, _ := newTestPool(t, 1)

		pageGuard, err := bufferMgr.WritePage(1)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			guard, err := bufferMgr.ReadPage(2)
			if err == nil {
				guard.Drop()
			}
		}()

		pageGuard.Drop()
		<-done
		_, ok := bufferMgr.pageTable[2]
		assert.True(t, ok)
	})

	t.Run("concurrent writers to one page serialize", func(t *testing.T) {
		bufferMgr, _ := newTestPool(t, 3)

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				guard, err := bufferMgr.WritePage(5)
				if err != nil {
					return
				}
				data := guard.GetData()
				data[0]++
				guard.Drop()
			}()
		}
		wg.Wait()

		guard, err := bufferMgr.ReadPage(5)
		require.NoError(t, err)
		assert.Equal(t, byte(50), guard.GetData()[0])
		guard.Drop()
	})
}

func newTestPool(t *testing.T, frames int) (*BufferpoolManager, *disk.DiskScheduler) {
	file := CreateDbFile(t)
	diskScheduler := disk.NewScheduler(disk.NewManager(file, testPageSize))
	t.Cleanup(diskScheduler.Shutdown)

	return NewBufferpoolManager(frames, NewLrukReplacer(frames, 2), diskScheduler), diskScheduler
}

type recordingHooks struct {
	flushed    []int64
	shortReads []bool
	failFlush  bool
	failRead   bool
}

func (h *recordingHooks) BeforeFlush(pageId int64, data []byte) error {
	if h.failFlush {
		return errors.New("log not durable")
	}
	h.flushed = append(h.flushed, pageId)
	data[len(data)-1] = 0xEE
	return nil
}

func (h *recordingHooks) AfterRead(pageId int64, data []byte, short bool) error {
	if h.failRead {
		return errors.New("bad checksum")
	}
	h.shortReads = append(h.shortReads, short)
	return nil
}

func CreateDbFile(t *testing.T) *os.File {
	dbFile := path.Join(t.TempDir(), "test.db")
	file, err := os.OpenFile(dbFile, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = file.Close() })
	return file
}
