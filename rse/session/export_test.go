package session

// LockSession takes the per-session lock the way a mutating operation would.
// It returns the release func, or nil when the session is already held.
func (m *Manager) LockSession(id string) func() {
	return m.locks.tryAcquire(id)
}
