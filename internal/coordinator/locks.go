package coordinator

import (
	"sync"

	"github.com/google/uuid"
)

// lockTable hands out one mutex per key, created lazily and dropped
// when the last holder releases. Sandbox ids key the per-sandbox
// serialization; user ids key the create-limit check. Serialization
// order is arrival order at the mutex.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*lockEntry)}
}

// acquire blocks until the lock for id is held and returns the release
// function. Release must be called exactly once.
func (t *lockTable) acquire(id uuid.UUID) func() {
	t.mu.Lock()
	e, ok := t.locks[id]
	if !ok {
		e = &lockEntry{}
		t.locks[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.locks, id)
			}
			t.mu.Unlock()
		})
	}
}

// size reports how many locks currently exist.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
