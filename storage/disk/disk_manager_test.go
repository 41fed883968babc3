package disk

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func TestDiskManager(t *testing.T) {
	t.Run("test reading and writing a page", func(t *testing.T) {
		dbFile := CreateDbFile(t)
		dm := NewManager(dbFile, testPageSize)

		buf := make([]byte, testPageSize)
		copy(buf, []byte("hello world"))

		err := dm.writePage(1, buf)
		assert.NoError(t, err)

		res, short, err := dm.readPage(1)
		assert.NoError(t, err)
		assert.False(t, short)
		assert.Equal(t, buf, res)
	})

	t.Run("pages live at fixed offsets", func(t *testing.T) {
		dbFile := CreateDbFile(t)
		dm := NewManager(dbFile, testPageSize)

		buf := make([]byte, testPageSize)
		copy(buf, []byte("page three"))
		require.NoError(t, dm.writePage(3, buf))

		raw := make([]byte, 10)
		_, err := dbFile.ReadAt(raw, 3*testPageSize)
		require.NoError(t, err)
		assert.Equal(t, "page three", string(raw))

		pages, err := dm.numPages()
		require.NoError(t, err)
		assert.Equal(t, int64(4), pages)
	})

	t.Run("reading past the end of file returns a short zero page", func(t *testing.T) {
		dbFile := CreateDbFile(t)
		dm := NewManager(dbFile, testPageSize)

		res, short, err := dm.readPage(10)
		assert.NoError(t, err)
		assert.True(t, short)
		assert.Equal(t, make([]byte, testPageSize), res)
	})

	t.Run("writes must be a whole page", func(t *testing.T) {
		dbFile := CreateDbFile(t)
		dm := NewManager(dbFile, testPageSize)

		assert.Error(t, dm.writePage(0, []byte("short")))
	})

	t.Run("test truncation", func(t *testing.T) {
		dbFile := CreateDbFile(t)
		dm := NewManager(dbFile, testPageSize)

		buf := make([]byte, testPageSize)
		require.NoError(t, dm.writePage(5, buf))
		require.NoError(t, dm.truncate(2))

		pages, err := dm.numPages()
		require.NoError(t, err)
		assert.Equal(t, int64(2), pages)
	})
}

func CreateDbFile(t *testing.T) *os.File {
	t.Helper()
	dbFile := path.Join(t.TempDir(), "test.db")

	file, err := os.OpenFile(dbFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		panic(fmt.Sprintf("failed creating db file\n%v", err))
	}
	t.Cleanup(func() {
		_ = file.Close()
	})

	// create a one page file
	_ = os.Truncate(file.Name(), testPageSize)
	fileInfo, err := os.Stat(file.Name())
	assert.NoError(t, err)
	assert.Equal(t, int64(testPageSize), fileInfo.Size())
	return file
}
