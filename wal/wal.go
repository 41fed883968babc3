package wal

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DEFAULT_SEGMENT_SIZE       = 16 * 1024 * 1024
	DEFAULT_COMPRESS_THRESHOLD = 512
)

type Options struct {
	SegmentSize int64
	// bodies longer than this are stored snappy compressed, 0 disables compression
	CompressThreshold int
}

// Open opens the log in dir, creating it if needed. A damaged record at the end of the
// newest segment is a torn write from a crash and is cut off.
func Open(dir string, opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DEFAULT_SEGMENT_SIZE
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log directory %s", dir)
	}

	l := &Log{
		dir:  dir,
		opts: opts,
	}

	if err := l.recover(); err != nil {
		_ = l.Close()
		return nil, err
	}

	if l.current == nil {
		if err := l.createSegment(0); err != nil {
			return nil, err
		}
	}

	l.flushedLSN = l.lastLSN
	return l, nil
}

func (l *Log) recover() error {
	files, err := filepath.Glob(filepath.Join(l.dir, SEGMENT_PATTERN))
	if err != nil {
		return errors.Wrap(err, "list log segments")
	}

	var ids []uint64
	for _, file := range files {
		if id, ok := parseSegmentId(filepath.Base(file)); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for i, id := range ids {
		last := i == len(ids)-1
		seg := newSegment(id, l.dir)
		if err := seg.open(); err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
		l.current = seg

		if err := seg.readHeader(); err != nil {
			if !last || seg.size >= SEGMENT_HEADER_SIZE {
				return err
			}
			// crashed while creating the segment
			if err := seg.writeHeader(l.lastLSN + 1); err != nil {
				return err
			}
		}

		switch {
		case l.lastLSN == 0:
			l.lastLSN = seg.base - 1
		case seg.base != l.lastLSN+1:
			return errors.Wrapf(util.ErrWrongInRecord, "log segment %d starts at %d after %d", seg.id, seg.base, l.lastLSN)
		}

		if err := l.scanSegment(seg, last); err != nil {
			return err
		}
	}

	if len(l.segments) > 0 {
		log.WithFields(log.Fields{
			"component": "wal",
			"segments":  len(l.segments),
			"first_lsn": l.firstLSN,
			"last_lsn":  l.lastLSN,
		}).Info("opened log")
	}
	return nil
}

// scanSegment indexes every record of seg.
func (l *Log) scanSegment(seg *segment, last bool) error {
	offset := int64(SEGMENT_HEADER_SIZE)
	for offset < seg.size {
		rec, size, err := readRecordAt(seg, offset)
		if err == nil && l.lastLSN != 0 && rec.LSN != l.lastLSN+1 {
			err = errors.Wrapf(util.ErrWrongInRecord, "log record %d follows %d", rec.LSN, l.lastLSN)
		}

		if err != nil {
			if !last {
				return errors.Wrapf(err, "log segment %d at offset %d", seg.id, offset)
			}

			log.WithFields(log.Fields{
				"component": "wal",
				"segment":   seg.id,
				"offset":    offset,
				"dropped":   seg.size - offset,
			}).Warn("truncating torn log tail")
			return seg.truncate(offset)
		}

		if l.firstLSN == 0 {
			l.firstLSN = rec.LSN
		}
		l.index = append(l.index, position{seg: seg, offset: offset, size: size})
		l.lastLSN = rec.LSN
		offset += int64(size)
	}
	return nil
}

func readRecordAt(seg *segment, offset int64) (*Record, int, error) {
	if seg.size-offset < RECORD_HEADER_SIZE {
		return nil, 0, errors.Wrap(util.ErrWrongInRecord, "partial log record header")
	}

	header, err := seg.readAt(offset, RECORD_HEADER_SIZE)
	if err != nil {
		return nil, 0, err
	}

	size := RECORD_HEADER_SIZE + bodyLength(header)
	if int64(size) > seg.size-offset {
		return nil, 0, errors.Wrap(util.ErrWrongInRecord, "partial log record body")
	}

	buf, err := seg.readAt(offset, size)
	if err != nil {
		return nil, 0, err
	}

	rec, err := decodeRecord(buf)
	return rec, size, err
}

func (l *Log) createSegment(id uint64) error {
	seg := newSegment(id, l.dir)
	if err := seg.open(); err != nil {
		return err
	}
	if err := seg.writeHeader(l.lastLSN + 1); err != nil {
		_ = seg.close()
		return err
	}

	l.segments = append(l.segments, seg)
	l.current = seg
	return nil
}

// Append assigns the next LSN to rec and writes it. The record is durable only after a
// Flush covering its LSN.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errors.New("log is closed")
	}

	if l.current.size >= l.opts.SegmentSize {
		if err := l.createSegment(l.current.id + 1); err != nil {
			return 0, err
		}
	}

	rec.LSN = l.lastLSN + 1
	data := encodeRecord(rec, l.opts.CompressThreshold)

	offset, err := l.current.append(data)
	if err != nil {
		return 0, err
	}

	if l.firstLSN == 0 {
		l.firstLSN = rec.LSN
	}
	l.index = append(l.index, position{seg: l.current, offset: offset, size: len(data)})
	l.lastLSN = rec.LSN
	return rec.LSN, nil
}

// Flush makes every record up to lsn durable.
func (l *Log) Flush(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lsn <= l.flushedLSN || l.closed {
		return nil
	}

	for _, seg := range l.segments {
		if err := seg.sync(); err != nil {
			return err
		}
	}

	l.flushedLSN = l.lastLSN
	return nil
}

func (l *Log) FlushAll() error {
	return l.Flush(l.LastLSN())
}

// Read returns the record with the given LSN.
func (l *Log) Read(lsn uint64) (*Record, error) {
	l.mu.RLock()
	pos, ok := l.position(lsn)
	l.mu.RUnlock()

	if !ok {
		return nil, errors.Errorf("log record %d not found", lsn)
	}

	buf, err := pos.seg.readAt(pos.offset, pos.size)
	if err != nil {
		return nil, err
	}
	return decodeRecord(buf)
}

func (l *Log) position(lsn uint64) (position, bool) {
	if l.firstLSN == 0 || lsn < l.firstLSN || lsn > l.lastLSN {
		return position{}, false
	}
	return l.index[lsn-l.firstLSN], true
}

// Scan calls fn for every record with LSN >= from, in LSN order. Records appended while
// scanning are included. Returning io.EOF from fn stops the scan without an error.
func (l *Log) Scan(from uint64, fn func(*Record) error) error {
	lsn := max(from, l.FirstLSN())
	for {
		if lsn > l.LastLSN() || lsn == 0 {
			return nil
		}

		rec, err := l.Read(lsn)
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		lsn++
	}
}

// Purge removes whole segments whose records all precede lsn. The current segment is kept.
func (l *Log) Purge(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for len(l.segments) > 1 && len(l.index) > 0 {
		seg := l.segments[0]

		count := 0
		for count < len(l.index) && l.index[count].seg == seg {
			count++
		}
		if l.firstLSN+uint64(count) > lsn {
			break
		}

		if err := seg.close(); err != nil {
			return err
		}
		if err := os.Remove(seg.path); err != nil {
			return errors.Wrapf(err, "remove log segment %d", seg.id)
		}

		l.segments = l.segments[1:]
		l.index = l.index[count:]
		l.firstLSN += uint64(count)
		removed++
	}

	if removed > 0 {
		log.WithFields(log.Fields{
			"component": "wal",
			"segments":  removed,
			"first_lsn": l.firstLSN,
		}).Info("purged log segments")
	}
	return nil
}

func (l *Log) FirstLSN() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.firstLSN
}

func (l *Log) LastLSN() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLSN
}

func (l *Log) FlushedLSN() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flushedLSN
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	for _, seg := range l.segments {
		if cerr := seg.close(); err == nil {
			err = cerr
		}
	}
	return err
}

type position struct {
	seg    *segment
	offset int64
	size   int
}

type Log struct {
	mu         sync.RWMutex
	dir        string
	opts       Options
	segments   []*segment
	current    *segment
	index      []position
	firstLSN   uint64
	lastLSN    uint64
	flushedLSN uint64
	closed     bool
}
