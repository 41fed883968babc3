package trnman

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/btree"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DEFAULT_COMMIT_CACHE_SIZE = 1 << 16

func NewManager(cacheSize int64) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DEFAULT_COMMIT_CACHE_SIZE
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, uint64]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create commit cache")
	}

	return &Manager{
		nextTrid:  1,
		active:    btree.New(16),
		committed: btree.New(16),
		commits:   cache,
	}, nil
}

// Begin starts a transaction. Rows written by transactions that ended before it began
// are visible to it.
func (m *Manager) Begin() *Trn {
	m.mu.Lock()
	defer m.mu.Unlock()

	trn := &Trn{ID: m.nextTrid, state: ACTIVE}
	m.nextTrid++

	trn.MinReadFrom = trn.ID
	if oldest := m.active.Min(); oldest != nil {
		trn.MinReadFrom = oldest.(trnItem).trid
	}

	m.active.ReplaceOrInsert(trnItem{trid: trn.ID, trn: trn})
	return trn
}

// Recreate registers a transaction found active in the log so it can be rolled back.
func (m *Manager) Recreate(trid uint64) *Trn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.active.Get(trnItem{trid: trid}); item != nil {
		return item.(trnItem).trn
	}

	trn := &Trn{ID: trid, MinReadFrom: trid, state: ACTIVE}
	m.active.ReplaceOrInsert(trnItem{trid: trid, trn: trn})
	if trid >= m.nextTrid {
		m.nextTrid = trid + 1
	}
	return trn
}

// Commit makes the transaction's rows visible to transactions that begin afterwards.
// The COMMIT log record must already be durable.
func (m *Manager) Commit(trn *Trn) error {
	return m.end(trn, COMMITTED)
}

// Abort ends a transaction whose changes have been rolled back.
func (m *Manager) Abort(trn *Trn) error {
	return m.end(trn, ABORTED)
}

func (m *Manager) end(trn *Trn, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trn.mu.Lock()
	if trn.state != ACTIVE {
		current := trn.state
		trn.mu.Unlock()
		return errors.Errorf("transaction %d is already %s", trn.ID, current)
	}
	trn.state = state
	if state == COMMITTED {
		trn.commitTrid = m.nextTrid
		m.nextTrid++
	}
	trn.mu.Unlock()

	m.active.Delete(trnItem{trid: trn.ID})
	if state == COMMITTED {
		m.committed.ReplaceOrInsert(commitItem{trid: trn.ID, commitTrid: trn.commitTrid})
		m.commits.Set(trn.ID, trn.commitTrid, 1)
	}
	m.pruneCommitted()

	log.WithFields(log.Fields{
		"component": "trnman",
		"trid":      trn.ID,
		"state":     state.String(),
	}).Debug("transaction ended")
	return nil
}

// pruneCommitted forgets commits that every transaction can already see.
func (m *Manager) pruneCommitted() {
	safe := m.minReadFrom()
	for {
		item := m.committed.Min()
		if item == nil || item.(commitItem).trid >= safe {
			return
		}
		m.committed.DeleteMin()
		m.commits.Del(item.(commitItem).trid)
	}
}

// CanReadFrom reports whether a row last written by trid is visible to trn.
func (m *Manager) CanReadFrom(trn *Trn, trid uint64) bool {
	if trid < trn.MinReadFrom || trid == trn.ID {
		return true
	}
	if trid > trn.ID {
		return false
	}

	commitTrid, ok := m.commits.Get(trid)
	if !ok {
		m.mu.Lock()
		item := m.committed.Get(commitItem{trid: trid})
		m.mu.Unlock()

		if item == nil {
			// still active, aborted, or pruned because it is older than every reader
			return trid < m.MinReadFrom()
		}
		commitTrid = item.(commitItem).commitTrid
		m.commits.Set(trid, commitTrid, 1)
	}

	return commitTrid < trn.ID
}

// MinReadFrom is the low-water mark: rows with a smaller trid are visible to everybody.
func (m *Manager) MinReadFrom() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minReadFrom()
}

func (m *Manager) minReadFrom() uint64 {
	safe := m.nextTrid
	m.active.Ascend(func(item btree.Item) bool {
		trn := item.(trnItem).trn
		if trn.MinReadFrom < safe {
			safe = trn.MinReadFrom
		}
		return true
	})
	return safe
}

// Active returns the active transactions ordered by trid.
func (m *Manager) Active() []*Trn {
	m.mu.Lock()
	defer m.mu.Unlock()

	trns := make([]*Trn, 0, m.active.Len())
	m.active.Ascend(func(item btree.Item) bool {
		trns = append(trns, item.(trnItem).trn)
		return true
	})
	return trns
}

func (m *Manager) NextTrid() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTrid
}

// SetNextTrid moves the trid counter past trids found in the log or the control file.
func (m *Manager) SetNextTrid(trid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trid > m.nextTrid {
		m.nextTrid = trid
	}
}

func (m *Manager) Close() {
	m.commits.Close()
}

type Manager struct {
	mu        sync.Mutex
	nextTrid  uint64
	active    *btree.BTree
	committed *btree.BTree
	commits   *ristretto.Cache[uint64, uint64]
}
