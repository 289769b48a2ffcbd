package engine

import "sync"

// lockTable hands out one mutex per entry id so read-modify-write cycles on
// the same record never interleave, while operations on different entries
// proceed in parallel. Entries are reference-counted and dropped once idle.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*entryLock{}}
}

// acquire blocks until the per-entry lock is held and returns the release
// function. Callers must release before any slow external call such as
// notification delivery.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &entryLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
