package engine

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jobala/rowstore/blockrec"
	"github.com/jobala/rowstore/config"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/recovery"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Open starts an engine over cfg.DataDir. The log is replayed before Open returns, so
// tables are consistent and transactions that never ended are rolled back.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", cfg.DataDir)
	}

	control, err := readControl(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if control == nil {
		control = newControl(cfg.BlockSize)
		if err := writeControl(cfg.DataDir, control); err != nil {
			return nil, err
		}
	}

	l, err := wal.Open(cfg.LogPath(), wal.Options{
		SegmentSize:       int64(cfg.LogSegmentSize),
		CompressThreshold: cfg.LogCompressThreshold,
	})
	if err != nil {
		return nil, err
	}

	tm, err := trnman.NewManager(int64(cfg.CommitCacheSize))
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	tm.SetNextTrid(control.NextTrid)

	e := &Engine{
		cfg:     cfg,
		control: control,
		log:     l,
		trnman:  tm,
		tables:  map[uint16]*blockrec.Table{},
		stop:    make(chan struct{}),
		logger: log.WithFields(log.Fields{
			"component": "engine",
			"uuid":      control.UUID,
		}),
	}

	if err := e.recover(); err != nil {
		_ = e.closeAll()
		return nil, err
	}

	interval, _ := cfg.Checkpoints()
	if interval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop(interval)
	}

	e.logger.WithFields(log.Fields{
		"data_dir": cfg.DataDir,
		"tables":   len(control.Tables),
	}).Info("engine open")
	return e, nil
}

func (e *Engine) recover() error {
	res, err := recovery.New(e.log, e.trnman, e.openForRecovery).Run(e.control.LastCheckpointLSN)
	if err != nil {
		return errors.Wrap(err, "recovery")
	}
	e.recovered = res

	for _, name := range res.Crashed {
		e.logger.WithField("table", name).Error("table is crashed after recovery")
	}
	e.logger.WithFields(log.Fields{
		"redone":  res.Redone,
		"undone":  res.Undone,
		"losers":  len(res.Losers),
		"crashed": len(res.Crashed),
	}).Info("recovery done")

	if _, err := e.Checkpoint(); err != nil {
		return errors.Wrap(err, "checkpoint after recovery")
	}
	return nil
}

// openForRecovery opens a table named in the log. A table whose data file is gone has
// nothing to replay.
func (e *Engine) openForRecovery(id uint16, name string) (recovery.Applier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(filepath.Join(e.cfg.DataDir, name+blockrec.DATA_FILE_EXT)); os.IsNotExist(err) {
		return nil, nil
	}

	if _, ok := e.control.Tables[name]; !ok {
		e.control.Tables[name] = id
		e.control.NextTableID = max(e.control.NextTableID, id+1)
	}

	t, err := e.openLocked(id, name)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) env() blockrec.Env {
	return blockrec.Env{
		Log:         e.log,
		Trnman:      e.trnman,
		CacheFrames: e.cfg.PageCacheFrames,
	}
}

func (e *Engine) openLocked(id uint16, name string) (*blockrec.Table, error) {
	if t, ok := e.tables[id]; ok {
		return t, nil
	}

	t, err := blockrec.Open(e.cfg.DataDir, name, e.env())
	if err != nil {
		return nil, err
	}
	if t.ID != id {
		_ = t.Close()
		return nil, errors.Errorf("table %s has id %d, expected %d", name, t.ID, id)
	}
	e.tables[id] = t
	return t, nil
}

// CreateTable makes a new table with the engine's block size. A minBlockLength of 0
// takes the configured one.
func (e *Engine) CreateTable(name string, columns []record.Column, checksum bool, minBlockLength int) (*blockrec.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.control.Tables[name]; ok {
		return nil, errors.Errorf("table %s already exists", name)
	}
	if minBlockLength == 0 {
		minBlockLength = e.cfg.MinBlockLength
	}

	id := e.control.NextTableID
	def := blockrec.NewDefinition(name, id, columns, checksum, e.control.BlockSize, minBlockLength)
	t, err := blockrec.Create(e.cfg.DataDir, def, e.env())
	if err != nil {
		return nil, err
	}

	lsn, err := recovery.LogFileID(e.log, id, name)
	if err == nil {
		err = e.log.Flush(lsn)
	}
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	e.control.Tables[name] = id
	e.control.NextTableID++
	if err := writeControl(e.cfg.DataDir, e.control); err != nil {
		_ = t.Close()
		return nil, err
	}

	e.tables[id] = t
	e.logger.WithFields(log.Fields{"table": name, "id": id}).Info("created table")
	return t, nil
}

// Table returns the open table called name, opening it on first use.
func (e *Engine) Table(name string) (*blockrec.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.control.Tables[name]
	if !ok {
		return nil, errors.Errorf("table %s does not exist", name)
	}
	return e.openLocked(id, name)
}

func (e *Engine) TableNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var names []string
	for name := range e.control.Tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (e *Engine) tableByID(id uint16) (recovery.Applier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[id]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (e *Engine) Begin() *trnman.Trn {
	return e.trnman.Begin()
}

// Commit ends trn. A transaction that changed rows gets a COMMIT record, flushed first
// when sync_on_commit is set.
func (e *Engine) Commit(trn *trnman.Trn) error {
	if trn.FirstUndoLSN() != 0 {
		lsn, err := e.log.Append(&wal.Record{Type: wal.COMMIT, Trid: trn.ID})
		if err != nil {
			return errors.Wrapf(err, "log commit of transaction %d", trn.ID)
		}
		if e.cfg.SyncOnCommit {
			if err := e.log.Flush(lsn); err != nil {
				return err
			}
		}
	}
	return e.trnman.Commit(trn)
}

// Rollback undoes every change of trn and ends it.
func (e *Engine) Rollback(trn *trnman.Trn) error {
	_, err := recovery.Rollback(e.log, e.trnman, trn, e.tableByID)
	return err
}

// Checkpoint writes every open table to disk and logs a CHECKPOINT record. Log segments
// no longer needed for recovery are removed.
func (e *Engine) Checkpoint() (uint64, error) {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	redoLSN := e.log.LastLSN() + 1

	e.mu.Lock()
	tables := make([]*blockrec.Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	names := make(map[uint16]string, len(e.control.Tables))
	for name, id := range e.control.Tables {
		names[id] = name
	}
	e.mu.Unlock()

	for _, t := range tables {
		if t.Crashed() {
			e.logger.WithField("table", t.Name).Warn("not flushing crashed table")
			continue
		}
		if err := t.Flush(); err != nil {
			return 0, errors.Wrapf(err, "flush table %s", t.Name)
		}
	}

	c := recovery.NewCheckpoint(names, e.trnman.Active(), e.trnman.NextTrid())
	c.RedoLSN = redoLSN
	lsn, err := recovery.LogCheckpoint(e.log, c)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.control.LastCheckpointLSN = lsn
	e.control.NextTrid = c.NextTrid
	err = writeControl(e.cfg.DataDir, e.control)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := e.log.Purge(c.OldestLSN(lsn)); err != nil {
		e.logger.WithError(err).Warn("could not purge log")
	}

	e.logger.WithFields(log.Fields{
		"lsn":    lsn,
		"active": len(c.Active),
		"tables": len(tables),
	}).Info("checkpoint")
	return lsn, nil
}

func (e *Engine) checkpointLoop(interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Checkpoint(); err != nil {
				e.logger.WithError(err).Error("checkpoint failed")
			}
		case <-e.stop:
			return
		}
	}
}

// Close checkpoints and closes every table. Transactions still running are rolled back
// by the next Open.
func (e *Engine) Close() error {
	close(e.stop)
	e.wg.Wait()

	_, err := e.Checkpoint()
	if closeErr := e.closeAll(); err == nil {
		err = closeErr
	}

	e.logger.Info("engine closed")
	return err
}

func (e *Engine) closeAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for id, t := range e.tables {
		if closeErr := t.Close(); err == nil {
			err = closeErr
		}
		delete(e.tables, id)
	}
	if closeErr := e.log.Close(); err == nil {
		err = closeErr
	}
	e.trnman.Close()
	return err
}

// Recovered is what the recovery run of Open did.
func (e *Engine) Recovered() recovery.Result {
	return *e.recovered
}

func (e *Engine) Log() *wal.Log {
	return e.log
}

func (e *Engine) Control() Control {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.control
}

type Engine struct {
	cfg          *config.Config
	log          *wal.Log
	trnman       *trnman.Manager
	mu           sync.Mutex
	control      *Control
	tables       map[uint16]*blockrec.Table
	recovered    *recovery.Result
	checkpointMu sync.Mutex
	stop         chan struct{}
	wg           sync.WaitGroup
	logger       *log.Entry
}
