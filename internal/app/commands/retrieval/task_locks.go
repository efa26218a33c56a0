package retrieval

import "sync"

// taskLocks provides per-key exclusive locks so commands sharing a task id
// serialize against each other without blocking the rest of the worker pool.
// Entries are reference counted and removed once the last holder releases.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

// acquire blocks until the lock for key is held and returns the release
// function. Callers must release on every exit path.
func (l *taskLocks) acquire(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &taskLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
