package trnman

import (
	"sync"

	"github.com/google/btree"
)

type State uint8

const (
	ACTIVE State = iota
	COMMITTED
	ABORTED
)

func (s State) String() string {
	switch s {
	case ACTIVE:
		return "active"
	case COMMITTED:
		return "committed"
	case ABORTED:
		return "aborted"
	}
	return "unknown"
}

// Trn is a transaction handle. The undo chain fields are maintained by the code that
// writes log records for the transaction.
type Trn struct {
	ID          uint64
	MinReadFrom uint64

	mu           sync.Mutex
	state        State
	commitTrid   uint64
	undoLSN      uint64
	firstUndoLSN uint64
	undoNext     uint64
}

func (t *Trn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trn) CommitTrid() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitTrid
}

// UndoLSN is the LSN of the last UNDO or CLR_END record written for the transaction.
func (t *Trn) UndoLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.undoLSN
}

func (t *Trn) FirstUndoLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstUndoLSN
}

// UndoNext is where rollback continues: the newest UNDO record not yet compensated.
func (t *Trn) UndoNext() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.undoNext
}

// LoggedUndo records an UNDO record appended for the transaction.
func (t *Trn) LoggedUndo(lsn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.firstUndoLSN == 0 {
		t.firstUndoLSN = lsn
	}
	t.undoLSN = lsn
	t.undoNext = lsn
}

// LoggedClr records a CLR_END that compensates up to undoNext. Rollback resumes from
// the UNDO before the compensated one.
func (t *Trn) LoggedClr(lsn, undoNext uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.undoLSN = lsn
	t.undoNext = undoNext
}

// SetUndoChain restores the chain of a transaction found by recovery.
func (t *Trn) SetUndoChain(undoLSN, undoNext, firstUndoLSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.undoLSN = undoLSN
	t.undoNext = undoNext
	t.firstUndoLSN = firstUndoLSN
}

type trnItem struct {
	trid uint64
	trn  *Trn
}

func (i trnItem) Less(item btree.Item) bool {
	return i.trid < item.(trnItem).trid
}

type commitItem struct {
	trid       uint64
	commitTrid uint64
}

func (i commitItem) Less(item btree.Item) bool {
	return i.trid < item.(commitItem).trid
}
