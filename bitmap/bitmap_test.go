package bitmap

import (
	"os"
	"path"
	"testing"

	"github.com/jobala/rowstore/buffer"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/storage/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 1024

func newTestBitmap(t *testing.T) (*Bitmap, *buffer.BufferpoolManager) {
	file, err := os.OpenFile(path.Join(t.TempDir(), "bitmap.db"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	scheduler := disk.NewScheduler(disk.NewManager(file, testBlockSize))
	t.Cleanup(scheduler.Shutdown)
	bpm := buffer.NewBufferpoolManager(8, buffer.NewLrukReplacer(8, 2), scheduler)

	b, err := Open(bpm, 0)
	require.NoError(t, err)
	return b, bpm
}

func TestBits(t *testing.T) {
	t.Run("three bits per page", func(t *testing.T) {
		data := make([]byte, testBlockSize)
		for i := range uint64(40) {
			setBits(data, i, uint8(i%8))
		}
		for i := range uint64(40) {
			assert.Equal(t, uint8(i%8), getBits(data, i), "page %d", i)
		}

		setBits(data, 17, 0)
		assert.Equal(t, uint8(0), getBits(data, 17))
		assert.Equal(t, uint8(0), getBits(data, 16))
		assert.Equal(t, uint8(2), getBits(data, 18))
	})

	t.Run("pages covered", func(t *testing.T) {
		assert.Equal(t, uint64((8192-4)/6*16), PagesCovered(8192))
	})

	t.Run("classes follow free space", func(t *testing.T) {
		p := page.Page(make([]byte, testBlockSize))
		p.Init(page.HEAD_PAGE)
		assert.Equal(t, EMPTY_PAGE, HeadPageBits(p, 16))

		_, _, err := p.AddRow(100, 16)
		require.NoError(t, err)
		assert.Equal(t, HEAD_70_FREE, HeadPageBits(p, 16))

		_, _, err = p.AddRow(400, 16)
		require.NoError(t, err)
		assert.Equal(t, HEAD_40_FREE, HeadPageBits(p, 16))

		_, _, err = p.AddRow(p.FreeSpaceForNewRow(16)-4, 16)
		require.NoError(t, err)
		assert.Equal(t, FULL_HEAD_PAGE, HeadPageBits(p, 16))

		tail := page.Page(make([]byte, testBlockSize))
		tail.Init(page.TAIL_PAGE)
		_, _, err = tail.AddRow(600, 16)
		require.NoError(t, err)
		assert.Equal(t, TAIL_20_FREE, TailPageBits(tail, 16))
		assert.Equal(t, TAIL_20_FREE, PageBits(tail, 16))
	})
}

func TestBitmap(t *testing.T) {
	t.Run("new file grows past the bitmap page", func(t *testing.T) {
		b, _ := newTestBitmap(t)

		p, err := b.FindHead(100)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), p)

		// reserved pages are not handed out twice
		q, err := b.FindHead(100)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), q)
	})

	t.Run("prefers the fullest page that fits", func(t *testing.T) {
		b, _ := newTestBitmap(t)

		p1, _ := b.FindHead(10)
		p2, _ := b.FindHead(10)
		b.SetPageBits(p1, HEAD_70_FREE)
		b.SetPageBits(p2, HEAD_10_FREE)

		p, err := b.FindHead(50)
		require.NoError(t, err)
		assert.Equal(t, p2, p)
		b.Release(p)

		p, err = b.FindHead(500)
		require.NoError(t, err)
		assert.Equal(t, p1, p)
	})

	t.Run("tails do not land on head pages", func(t *testing.T) {
		b, _ := newTestBitmap(t)

		head, _ := b.FindHead(10)
		b.SetPageBits(head, HEAD_70_FREE)

		tail, err := b.FindTail(10)
		require.NoError(t, err)
		assert.NotEqual(t, head, tail)
		b.SetPageBits(tail, TAIL_60_FREE)

		again, err := b.FindTail(10)
		require.NoError(t, err)
		assert.Equal(t, tail, again)
	})

	t.Run("freed pages are reused for full pages", func(t *testing.T) {
		b, _ := newTestBitmap(t)

		runs, err := b.FindFullPages(5)
		require.NoError(t, err)
		assert.Equal(t, []Run{{Page: 1, Count: 5}}, runs)
		assert.Equal(t, FULL_PAGE, b.GetPageBits(3))

		b.ResetFullPageBits(2, 2)
		runs, err = b.FindFullPages(3)
		require.NoError(t, err)
		assert.Equal(t, []Run{{Page: 2, Count: 2}, {Page: 6, Count: 1}}, runs)
	})

	t.Run("runs stop at the next bitmap page", func(t *testing.T) {
		b, _ := newTestBitmap(t)
		covered := PagesCovered(testBlockSize)

		runs, err := b.FindFullPages(int(covered) + 3)
		require.NoError(t, err)
		assert.Equal(t, []Run{{Page: 1, Count: int(covered)}, {Page: covered + 2, Count: 3}}, runs)
		assert.True(t, b.IsBitmapPage(covered+1))
	})

	t.Run("reserve claims a known head page once", func(t *testing.T) {
		b, _ := newTestBitmap(t)

		runs, err := b.FindFullPages(1)
		require.NoError(t, err)
		b.SetPageBits(2, HEAD_40_FREE)

		assert.False(t, b.Reserve(0))
		assert.False(t, b.Reserve(runs[0].Page))
		assert.True(t, b.Reserve(2))
		assert.False(t, b.Reserve(2))

		// a reserved head page is skipped by FindHead
		p, err := b.FindHead(10)
		require.NoError(t, err)
		assert.NotEqual(t, uint64(2), p)

		b.SetPageBits(2, HEAD_40_FREE)
		assert.True(t, b.Reserve(2))
	})

	t.Run("too large requests fail", func(t *testing.T) {
		b, _ := newTestBitmap(t)
		_, err := b.FindHead(testBlockSize)
		assert.Error(t, err)
	})

	t.Run("flushed bits survive reopening", func(t *testing.T) {
		b, bpm := newTestBitmap(t)

		runs, err := b.FindFullPages(3)
		require.NoError(t, err)
		b.SetPageBits(4, HEAD_40_FREE)
		b.ResetFullPageBits(runs[0].Page, 1)

		require.NoError(t, b.Flush())
		require.NoError(t, bpm.FlushAll())

		reopened, err := Open(bpm, 1)
		require.NoError(t, err)
		assert.Equal(t, EMPTY_PAGE, reopened.GetPageBits(1))
		assert.Equal(t, FULL_PAGE, reopened.GetPageBits(2))
		assert.Equal(t, HEAD_40_FREE, reopened.GetPageBits(4))
		assert.Equal(t, uint64(5), reopened.Used())

		assert.Equal(t, map[uint64]uint8{1: EMPTY_PAGE, 2: FULL_PAGE, 3: FULL_PAGE, 4: HEAD_40_FREE}, reopened.Pages())
	})

	t.Run("reset forgets everything", func(t *testing.T) {
		b, _ := newTestBitmap(t)
		_, err := b.FindFullPages(4)
		require.NoError(t, err)

		b.Reset()
		assert.Equal(t, uint64(1), b.Used())
		assert.Equal(t, EMPTY_PAGE, b.GetPageBits(2))
	})
}
