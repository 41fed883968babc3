package recovery

import (
	"cmp"
	"slices"

	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/wal"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Applier is a table as recovery and rollback see it.
type Applier interface {
	ApplyRedo(rec *wal.Record) error
	ApplyUndo(trn *trnman.Trn, rec *wal.Record) error
	ApplyState(rec *wal.Record) error
	Crashed() bool
}

// Opener returns the table a log record refers to. A nil Applier without an error
// means the table is gone and its records are skipped.
type Opener func(id uint16, name string) (Applier, error)

// Tables finds the table of a record during rollback.
type Tables func(id uint16) (Applier, error)

func New(l *wal.Log, tm *trnman.Manager, open Opener) *Recovery {
	return &Recovery{
		log:      l,
		trnman:   tm,
		open:     open,
		names:    map[uint16]string{},
		appliers: map[uint16]Applier{},
		active:   map[uint64]*ActiveTrn{},
		logger:   log.WithField("component", "recovery"),
	}
}

// Run brings every table up to date with the log, starting at the checkpoint record at
// checkpointLSN or at the start of the log when it is 0. Transactions without a COMMIT
// or ABORT record are rolled back.
func (r *Recovery) Run(checkpointLSN uint64) (*Result, error) {
	res := &Result{}

	start, err := r.analyze(checkpointLSN)
	if err != nil {
		return nil, errors.Wrap(err, "analysis")
	}
	r.logger.WithFields(log.Fields{
		"start":  start,
		"last":   r.log.LastLSN(),
		"losers": len(r.active),
		"tables": len(r.names),
	}).Info("analysis done")

	if err := r.redo(start, res); err != nil {
		return nil, errors.Wrap(err, "redo")
	}
	r.logger.WithFields(log.Fields{"redone": res.Redone, "skipped": res.Skipped}).Info("redo done")

	if err := r.undo(res); err != nil {
		return nil, errors.Wrap(err, "undo")
	}
	r.logger.WithFields(log.Fields{"undone": res.Undone, "losers": len(res.Losers)}).Info("undo done")

	for id, a := range r.appliers {
		if a != nil && a.Crashed() {
			res.Crashed = append(res.Crashed, r.names[id])
		}
	}
	slices.Sort(res.Crashed)
	return res, nil
}

// analyze reads the checkpoint and the log after it to find the tables and the
// transactions that never ended.
func (r *Recovery) analyze(checkpointLSN uint64) (uint64, error) {
	start := r.log.FirstLSN()
	if checkpointLSN != 0 {
		rec, err := r.log.Read(checkpointLSN)
		if err != nil {
			return 0, err
		}
		if rec.Type != wal.CHECKPOINT {
			return 0, errors.Errorf("lsn %d is %s, not a checkpoint", checkpointLSN, rec.Type)
		}

		c, err := decode[Checkpoint](rec)
		if err != nil {
			return 0, err
		}
		for id, name := range c.Tables {
			r.names[id] = name
		}
		for _, trn := range c.Active {
			r.active[trn.Trid] = &trn
			r.maxTrid = max(r.maxTrid, trn.Trid)
		}
		r.trnman.SetNextTrid(c.NextTrid)
		start = checkpointLSN
		if c.RedoLSN != 0 {
			start = min(start, c.RedoLSN)
		}
	}

	err := r.log.Scan(start, func(rec *wal.Record) error {
		if rec.Type == wal.FILE_ID {
			f, err := decode[FileID](rec)
			if err != nil {
				return err
			}
			r.names[f.ID] = f.Name
			return nil
		}

		if rec.Trid == 0 {
			return nil
		}
		r.maxTrid = max(r.maxTrid, rec.Trid)

		switch {
		case rec.Type == wal.COMMIT || rec.Type == wal.ABORT:
			delete(r.active, rec.Trid)
		case rec.Type.IsUndo():
			trn := r.trn(rec.Trid)
			trn.UndoLSN, trn.UndoNext = rec.LSN, rec.LSN
			if trn.FirstUndoLSN == 0 {
				trn.FirstUndoLSN = rec.LSN
			}
		case rec.Type == wal.CLR_END:
			trn := r.trn(rec.Trid)
			trn.UndoLSN, trn.UndoNext = rec.LSN, rec.PrevUndoLSN
		default:
			r.trn(rec.Trid)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.trnman.SetNextTrid(r.maxTrid + 1)
	return start, nil
}

func (r *Recovery) trn(trid uint64) *ActiveTrn {
	trn, ok := r.active[trid]
	if !ok {
		trn = &ActiveTrn{Trid: trid}
		r.active[trid] = trn
	}
	return trn
}

// applier opens the table of id on first use. Tables that cannot be opened are
// remembered as missing.
func (r *Recovery) applier(id uint16) Applier {
	if a, ok := r.appliers[id]; ok {
		return a
	}

	name, ok := r.names[id]
	if !ok {
		r.logger.WithField("table_id", id).Warn("log refers to an unknown table")
		r.appliers[id] = nil
		return nil
	}

	a, err := r.open(id, name)
	if err != nil {
		r.logger.WithError(err).WithField("table", name).Error("could not open table, skipping its records")
		a = nil
	}
	r.appliers[id] = a
	return a
}

func (r *Recovery) redo(start uint64, res *Result) error {
	return r.log.Scan(start, func(rec *wal.Record) error {
		if rec.Table == 0 || rec.Type == wal.FILE_ID || rec.Type == wal.CHECKPOINT {
			return nil
		}

		a := r.applier(rec.Table)
		if a == nil || a.Crashed() {
			res.Skipped++
			return nil
		}

		if rec.Type.IsRedo() {
			if err := a.ApplyRedo(rec); err != nil {
				r.logger.WithError(err).WithFields(log.Fields{
					"lsn":   rec.LSN,
					"table": r.names[rec.Table],
				}).Error("redo failed, skipping the rest of the table")
				res.Skipped++
				return nil
			}
			res.Redone++
			r.logger.WithFields(log.Fields{"lsn": rec.LSN, "type": rec.Type.String()}).Debug("redone")
		}

		if err := a.ApplyState(rec); err != nil {
			r.logger.WithError(err).WithField("lsn", rec.LSN).Warn("could not apply table counters")
		}
		return nil
	})
}

// undo rolls back the transactions that were running at the crash, newest first.
func (r *Recovery) undo(res *Result) error {
	var losers []*ActiveTrn
	for _, trn := range r.active {
		losers = append(losers, trn)
	}
	slices.SortFunc(losers, func(a, b *ActiveTrn) int {
		return cmp.Compare(b.Trid, a.Trid)
	})

	tables := func(id uint16) (Applier, error) {
		return r.applier(id), nil
	}

	for _, loser := range losers {
		trn := r.trnman.Recreate(loser.Trid)
		trn.SetUndoChain(loser.UndoLSN, loser.UndoNext, loser.FirstUndoLSN)

		undone, err := Rollback(r.log, r.trnman, trn, tables)
		if err != nil {
			return errors.Wrapf(err, "roll back transaction %d", trn.ID)
		}
		res.Undone += undone
		res.Losers = append(res.Losers, trn.ID)
	}
	return nil
}

// Rollback undoes the changes of trn by following its undo chain, then logs its ABORT
// and ends it. Records of tables that are crashed or gone are passed over. It returns
// the number of records undone.
func Rollback(l *wal.Log, tm *trnman.Manager, trn *trnman.Trn, tables Tables) (int, error) {
	logger := log.WithFields(log.Fields{"component": "recovery", "trid": trn.ID})

	undone := 0
	for lsn := trn.UndoNext(); lsn != 0; {
		rec, err := l.Read(lsn)
		if err != nil {
			return undone, err
		}

		switch {
		case rec.Type == wal.CLR_END:
			lsn = rec.PrevUndoLSN
			continue
		case !rec.Type.IsUndo():
			return undone, errors.Errorf("undo chain of transaction %d reaches %s at lsn %d", trn.ID, rec.Type, lsn)
		}

		a, err := tables(rec.Table)
		if err != nil {
			return undone, err
		}
		if a == nil || a.Crashed() {
			logger.WithField("lsn", lsn).Warn("table is not available, undo record passed over")
			lsn = rec.PrevUndoLSN
			continue
		}

		if err := a.ApplyUndo(trn, rec); err != nil {
			logger.WithError(err).WithField("lsn", lsn).Error("undo failed")
			lsn = rec.PrevUndoLSN
			continue
		}
		undone++
		lsn = trn.UndoNext()
	}

	lsn, err := l.Append(&wal.Record{Type: wal.ABORT, Trid: trn.ID})
	if err != nil {
		return undone, errors.Wrapf(err, "log abort of transaction %d", trn.ID)
	}
	if err := l.Flush(lsn); err != nil {
		return undone, err
	}
	if err := tm.Abort(trn); err != nil {
		return undone, err
	}

	logger.WithField("undone", undone).Info("transaction rolled back")
	return undone, nil
}

type Result struct {
	Redone  int
	Skipped int
	Undone  int
	Losers  []uint64
	Crashed []string
}

type Recovery struct {
	log      *wal.Log
	trnman   *trnman.Manager
	open     Opener
	names    map[uint16]string
	appliers map[uint16]Applier
	active   map[uint64]*ActiveTrn
	maxTrid  uint64
	logger   *log.Entry
}
