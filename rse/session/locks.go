package session

import "sync"

// sessionLocks serializes mutating operations per session id. Operations on
// different sessions run fully in parallel; contention on the same session is
// surfaced as ErrConcurrentModification rather than queued, so callers retry
// with backoff.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// tryAcquire attempts to take the session's lock without blocking. It returns
// a release func on success and nil when another operation holds the session.
func (l *sessionLocks) tryAcquire(id string) func() {
	m := l.get(id)
	if !m.TryLock() {
		return nil
	}
	return m.Unlock
}
