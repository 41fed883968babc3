package disk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskScheduler(t *testing.T) {
	t.Run("schedule is non blocking", func(t *testing.T) {
		file := CreateDbFile(t)
		ds := NewScheduler(NewManager(file, testPageSize))
		defer ds.Shutdown()

		data := make([]byte, testPageSize)
		copy(data, []byte("hello world"))

		start := time.Now()
		respCh := ds.Schedule(NewRequest(1, data, true))
		elapsed := time.Since(start)

		assert.Less(t, elapsed, 50*time.Millisecond)
		assert.NoError(t, (<-respCh).Err)
	})

	t.Run("can schedule read and write requests", func(t *testing.T) {
		file := CreateDbFile(t)
		ds := NewScheduler(NewManager(file, testPageSize))
		defer ds.Shutdown()

		data := make([]byte, testPageSize)
		copy(data, []byte("hello world"))

		writeReq := NewRequest(1, data, true)
		readReq := NewRequest(1, nil, false)

		ds.Schedule(writeReq)
		ds.Schedule(readReq)

		assert.True(t, (<-writeReq.RespCh).Success)
		res := <-readReq.RespCh
		assert.Equal(t, data, res.Data)
	})

	t.Run("requests for one page are served in order", func(t *testing.T) {
		file := CreateDbFile(t)
		ds := NewScheduler(NewManager(file, testPageSize))
		defer ds.Shutdown()

		var chans []<-chan DiskResp
		for i := range 20 {
			data := make([]byte, testPageSize)
			copy(data, []byte(fmt.Sprintf("version %02d", i)))
			chans = append(chans, ds.Schedule(NewRequest(2, data, true)))
		}
		for _, ch := range chans {
			require.NoError(t, (<-ch).Err)
		}

		res := ds.Read(2)
		assert.Equal(t, "version 19", string(res.Data[:10]))
	})

	t.Run("concurrent writers to different pages", func(t *testing.T) {
		file := CreateDbFile(t)
		ds := NewScheduler(NewManager(file, testPageSize))
		defer ds.Shutdown()

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(pageId int64) {
				defer wg.Done()
				data := make([]byte, testPageSize)
				data[0] = byte(pageId)
				assert.NoError(t, ds.Write(pageId, data))
			}(int64(i))
		}
		wg.Wait()

		for i := range 8 {
			assert.Equal(t, byte(i), ds.Read(int64(i)).Data[0])
		}
	})
}
