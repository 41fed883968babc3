package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

const (
	SEGMENT_PATTERN = "wal_*.log"
	// the LSN the first record of the segment gets, stored at offset 0
	SEGMENT_HEADER_SIZE = 8
)

func newSegment(id uint64, dir string) *segment {
	return &segment{
		id:   id,
		path: filepath.Join(dir, fmt.Sprintf("wal_%016x.log", id)),
	}
}

func parseSegmentId(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}

	hexPart := strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log")
	id, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *segment) open() error {
	if s.file != nil {
		return nil
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open log segment %s", s.path)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "stat log segment %s", s.path)
	}

	s.file = file
	s.size = stat.Size()
	return nil
}

func (s *segment) append(data []byte) (int64, error) {
	offset := s.size
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return 0, errors.Wrapf(err, "append to log segment %d", s.id)
	}

	s.size += int64(len(data))
	s.unsynced = true
	return offset, nil
}

func (s *segment) writeHeader(base uint64) error {
	if err := s.truncate(0); err != nil {
		return err
	}

	buf := make([]byte, SEGMENT_HEADER_SIZE)
	util.StoreN(buf, base, SEGMENT_HEADER_SIZE)
	if _, err := s.append(buf); err != nil {
		return err
	}
	s.base = base
	return nil
}

func (s *segment) readHeader() error {
	if s.size < SEGMENT_HEADER_SIZE {
		return errors.Wrapf(util.ErrWrongInRecord, "log segment %d has no header", s.id)
	}

	buf, err := s.readAt(0, SEGMENT_HEADER_SIZE)
	if err != nil {
		return err
	}

	s.base = util.KorrN(buf, SEGMENT_HEADER_SIZE)
	if s.base == 0 {
		return errors.Wrapf(util.ErrWrongInRecord, "log segment %d starts at lsn 0", s.id)
	}
	return nil
}

func (s *segment) readAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "read log segment %d at %d", s.id, offset)
	}
	return buf, nil
}

func (s *segment) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate log segment %d", s.id)
	}
	s.size = size
	return nil
}

func (s *segment) sync() error {
	if !s.unsynced {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync log segment %d", s.id)
	}
	s.unsynced = false
	return nil
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}

	err := s.sync()
	if cerr := s.file.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "close log segment %d", s.id)
	}
	s.file = nil
	return err
}

type segment struct {
	id       uint64
	base     uint64
	path     string
	file     *os.File
	size     int64
	unsynced bool
}
