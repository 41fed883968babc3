package disk

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	DEFAULT_PAGE_SIZE = 8192
	INVALID_PAGE_ID   = -1
)

func NewManager(file *os.File, pageSize int) *diskManager {
	return &diskManager{
		dbFile:   file,
		pageSize: pageSize,
	}
}

// writePage writes a whole page at its fixed offset. The file grows as needed.
func (dm *diskManager) writePage(pageId int64, data []byte) error {
	if len(data) != dm.pageSize {
		return errors.Errorf("page %d: write of %d bytes, page size is %d", pageId, len(data), dm.pageSize)
	}

	offset := pageId * int64(dm.pageSize)
	if _, err := dm.dbFile.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "error writing at offset %d", offset)
	}

	return nil
}

// readPage returns the page contents. Pages past the end of the file, or a page cut
// short by a crash, come back zero filled with short set.
func (dm *diskManager) readPage(pageId int64) ([]byte, bool, error) {
	buf := make([]byte, dm.pageSize)
	offset := pageId * int64(dm.pageSize)

	n, err := dm.dbFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, false, errors.Wrapf(err, "error reading from offset %d", offset)
	}

	if n < dm.pageSize {
		clear(buf[n:])
		return buf, true, nil
	}

	return buf, false, nil
}

func (dm *diskManager) numPages() (int64, error) {
	info, err := dm.dbFile.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat data file")
	}

	return (info.Size() + int64(dm.pageSize) - 1) / int64(dm.pageSize), nil
}

func (dm *diskManager) truncate(pages int64) error {
	return errors.Wrap(dm.dbFile.Truncate(pages*int64(dm.pageSize)), "truncate data file")
}

func (dm *diskManager) sync() error {
	return errors.Wrap(dm.dbFile.Sync(), "sync data file")
}

type diskManager struct {
	dbFile   *os.File
	pageSize int
}
