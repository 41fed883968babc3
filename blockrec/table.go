package blockrec

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/buffer"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/storage/disk"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DEFAULT_CACHE_FRAMES = 64
	LRUK_K               = 2
)

// Env holds the services a table shares with the rest of the engine.
type Env struct {
	Log         *wal.Log
	Trnman      *trnman.Manager
	CacheFrames int
}

// Create makes the data and definition files of a new table and opens it.
func Create(dir string, def *Definition, env Env) (*Table, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, err := record.NewSchema(def.Columns, def.Checksum, def.MinBlockLength); err != nil {
		return nil, errors.Wrapf(err, "table %s", def.Name)
	}

	if _, err := os.Stat(dataPath(dir, def.Name)); err == nil {
		return nil, errors.Errorf("table %s already exists", def.Name)
	}
	if err := writeDefinition(dir, def); err != nil {
		return nil, err
	}

	return open(dir, def, env)
}

func Open(dir, name string, env Env) (*Table, error) {
	def, err := ReadDefinition(dir, name)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return open(dir, def, env)
}

func open(dir string, def *Definition, env Env) (*Table, error) {
	schema, err := record.NewSchema(def.Columns, def.Checksum, def.MinBlockLength)
	if err != nil {
		return nil, errors.Wrapf(err, "table %s", def.Name)
	}

	file, err := os.OpenFile(dataPath(dir, def.Name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open data file of %s", def.Name)
	}

	frames := env.CacheFrames
	if frames <= 0 {
		frames = DEFAULT_CACHE_FRAMES
	}

	scheduler := disk.NewScheduler(disk.NewManager(file, def.BlockSize))
	bpm := buffer.NewBufferpoolManager(frames, buffer.NewLrukReplacer(frames, LRUK_K), scheduler)

	t := &Table{
		ID:        def.ID,
		Name:      def.Name,
		dir:       dir,
		def:       def,
		schema:    schema,
		blockSize: def.BlockSize,
		minBlock:  def.MinBlockLength,
		file:      file,
		disk:      scheduler,
		bpm:       bpm,
		log:       env.Log,
		trnman:    env.Trnman,
		covered:   bitmap.PagesCovered(def.BlockSize),
		rows:      def.State.Rows,
		checksum:  def.State.Checksum,
		stateLSN:  def.State.LSN,
		logger: log.WithFields(log.Fields{
			"component": "blockrec",
			"table":     def.Name,
		}),
	}
	t.opCond = sync.NewCond(&t.opMu)
	t.crashed.Store(def.State.Crashed)
	bpm.SetHooks(t)

	filePages, err := scheduler.NumPages()
	if err != nil {
		t.closeFiles()
		return nil, err
	}

	if t.bitmap, err = bitmap.Open(bpm, filePages); err != nil {
		t.closeFiles()
		return nil, errors.Wrapf(err, "table %s", def.Name)
	}

	t.logger.WithFields(log.Fields{
		"pages":   filePages,
		"rows":    t.rows,
		"crashed": t.crashed.Load(),
	}).Info("opened table")
	return t, nil
}

func (t *Table) Schema() *record.Schema {
	return t.schema
}

func (t *Table) Definition() Definition {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	def := *t.def
	def.State = t.stateLocked()
	return def
}

// State returns the row count and table checksum.
func (t *Table) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.stateLocked()
}

func (t *Table) stateLocked() State {
	return State{
		Rows:     t.rows,
		Checksum: t.checksum,
		LSN:      t.stateLSN,
		Crashed:  t.crashed.Load(),
	}
}

func (t *Table) applyDelta(d stateDelta, lsn uint64) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if d.Reset {
		t.rows = 0
		t.checksum = 0
	}
	t.rows += d.Rows
	t.checksum += d.Checksum
	t.stateLSN = max(t.stateLSN, lsn)
}

// ApplyState replays the counter change of a log record written after the last saved
// state.
func (t *Table) ApplyState(rec *wal.Record) error {
	t.stateMu.Lock()
	done := rec.LSN <= t.stateLSN
	t.stateMu.Unlock()
	if done {
		return nil
	}

	body, err := decodeBody(rec)
	if err != nil {
		return err
	}
	if delta, ok := stateOf(body); ok {
		t.applyDelta(delta, rec.LSN)
	}
	return nil
}

func (t *Table) Crashed() bool {
	return t.crashed.Load()
}

func (t *Table) checkUsable() error {
	if t.crashed.Load() {
		return errors.Wrapf(util.ErrCrashed, "table %s", t.Name)
	}
	return nil
}

// MarkCrashed flags the table as needing repair. The flag is saved at once and every
// later operation fails.
func (t *Table) MarkCrashed(reason error) {
	if t.crashed.Swap(true) {
		return
	}

	t.logger.WithError(reason).Error("table marked as crashed")
	def := t.Definition()
	if err := writeDefinition(t.dir, &def); err != nil {
		t.logger.WithError(err).Error("could not save crashed flag")
	}
}

// fail marks the table crashed for structural errors and passes err on.
func (t *Table) fail(err error) error {
	if err != nil && util.IsCorruption(err) {
		t.MarkCrashed(err)
	}
	return err
}

// beginOp counts a mutation in progress; its pages may not be flushed until endOp.
func (t *Table) beginOp() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	for t.quiescing {
		t.opCond.Wait()
	}
	t.ops++
}

func (t *Table) endOp() {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.ops--
	if t.ops == 0 {
		t.opCond.Broadcast()
	}
}

// quiesce waits until no mutation is running and holds new ones back until the
// returned function is called.
func (t *Table) quiesce() func() {
	t.opMu.Lock()
	for t.quiescing {
		t.opCond.Wait()
	}
	t.quiescing = true
	for t.ops > 0 {
		t.opCond.Wait()
	}
	t.opMu.Unlock()

	return func() {
		t.opMu.Lock()
		t.quiescing = false
		t.opCond.Broadcast()
		t.opMu.Unlock()
	}
}

// Flush writes the bitmap, every dirty page and the saved state. Mutations in progress
// are waited for.
func (t *Table) Flush() error {
	resume := t.quiesce()
	defer resume()
	return t.flush()
}

func (t *Table) flush() error {
	if err := t.bitmap.Flush(); err != nil {
		return err
	}
	if err := t.bpm.FlushAll(); err != nil {
		return err
	}

	def := t.Definition()
	return writeDefinition(t.dir, &def)
}

func (t *Table) Close() error {
	resume := t.quiesce()
	defer resume()

	err := t.flush()
	if closeErr := t.bpm.Close(); err == nil {
		err = closeErr
	}
	if closeErr := t.file.Close(); err == nil {
		err = errors.Wrapf(closeErr, "close data file of %s", t.Name)
	}

	t.logger.Info("closed table")
	return err
}

func (t *Table) closeFiles() {
	t.disk.Shutdown()
	_ = t.file.Close()
}

func (t *Table) isBitmapPage(pageId int64) bool {
	return uint64(pageId)%(t.covered+1) == 0
}

// BeforeFlush enforces the log rule for data pages and stamps the page checksum.
func (t *Table) BeforeFlush(pageId int64, data []byte) error {
	if !t.isBitmapPage(pageId) {
		if err := t.log.Flush(page.Page(data).LSN()); err != nil {
			return errors.Wrapf(err, "flush log for page %d", pageId)
		}
	}

	util.Int4Store(data[len(data)-page.PAGE_SUFFIX_SIZE:], pageChecksum(data))
	return nil
}

// AfterRead verifies the page checksum. Pages that were never written are all zero.
func (t *Table) AfterRead(pageId int64, data []byte, short bool) error {
	stored := util.Uint4Korr(data[len(data)-page.PAGE_SUFFIX_SIZE:])
	if stored == pageChecksum(data) {
		return nil
	}
	if stored == 0 && isZero(data) {
		return nil
	}

	return util.NewPageError(uint64(pageId), util.ErrWrongInRecord, "checksum mismatch (short read %t)", short)
}

func pageChecksum(data []byte) uint32 {
	sum := uint32(xxhash.Sum64(data[:len(data)-page.PAGE_SUFFIX_SIZE]))
	if sum == 0 {
		sum = 1
	}
	return sum
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

type Table struct {
	ID   uint16
	Name string

	dir       string
	def       *Definition
	schema    *record.Schema
	blockSize int
	minBlock  int
	covered   uint64

	file   *os.File
	disk   *disk.DiskScheduler
	bpm    *buffer.BufferpoolManager
	bitmap *bitmap.Bitmap
	log    *wal.Log
	trnman *trnman.Manager

	crashed atomic.Bool

	stateMu  sync.Mutex
	rows     int64
	checksum uint32
	stateLSN uint64

	opMu      sync.Mutex
	opCond    *sync.Cond
	ops       int
	quiescing bool

	logger *log.Entry
}
