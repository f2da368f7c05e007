// Package syncutil provides concurrency primitives shared across the
// orchestration core. The central one is Mutex, a FIFO-fair lock whose
// release handle can be passed across goroutine boundaries.
package syncutil

import "sync"

// Mutex is a FIFO-fair mutual exclusion lock. Unlike sync.Mutex, Acquire
// returns an explicit release function, waiters are resumed in strict
// arrival order, and release handles are idempotent. Components use it to
// serialize read-modify-write sequences that span multiple suspension
// points (ledger appends, map persistence).
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is held by the caller and returns the
// release function. Calling the returned function more than once is a
// no-op after the first call.
func (m *Mutex) Acquire() func() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return m.releaseFunc()
	}

	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	// Ownership is handed to us directly by the releasing goroutine;
	// locked stays true across the handoff.
	<-ch
	return m.releaseFunc()
}

// releaseFunc builds an idempotent release handle for the current holder
func (m *Mutex) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(m.release)
	}
}

func (m *Mutex) release() {
	m.mu.Lock()
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		close(next)
		return
	}
	m.locked = false
	m.mu.Unlock()
}

// RunExclusive acquires the lock, runs fn, and releases even if fn
// panics or returns an error.
func (m *Mutex) RunExclusive(fn func() error) error {
	release := m.Acquire()
	defer release()
	return fn()
}

// IsLocked reports whether any caller currently holds or awaits the lock
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked || len(m.waiters) > 0
}
