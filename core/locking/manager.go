// Package locking implements exclusive, per-path, time-bounded access
// tokens with FIFO fairness among waiters. Writes to the same path are
// strictly serialized; writes to different paths proceed independently.
package locking

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrLockTimeout indicates the lock was not granted within the
	// caller's budget. The waiter has been removed from the queue.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrManagerClosed indicates the manager is shutting down.
	ErrManagerClosed = errors.New("lock manager is closed")
)

// DefaultTimeout is the acquisition budget used when the caller passes zero.
const DefaultTimeout = 30 * time.Second

// Lock is an exclusive access token for one path. Only the exact token
// returned by Acquire releases the path.
type Lock struct {
	ID         string
	Path       string
	HolderID   string
	AcquiredAt time.Time
	Timeout    time.Duration
}

type waiter struct {
	holderID string
	timeout  time.Duration
	ready    chan *Lock
}

// slot tracks the holder and FIFO waiter queue for one path. At most one
// active Lock exists per path at any instant.
type slot struct {
	holder *Lock
	queue  []*waiter
}

// Stats describes current lock occupancy.
type Stats struct {
	ActiveLocks    int
	WaitingHolders int
}

// Manager grants and releases per-path locks. Safe for concurrent use:
// the lock map is guarded by an explicit mutex rather than relying on
// cooperative scheduling.
type Manager struct {
	mu     sync.Mutex
	slots  map[string]*slot
	seq    uint64
	closed bool
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{slots: make(map[string]*slot)}
}

// Acquire grants the path's lock to holderID. If the path is free the
// grant is immediate; otherwise the caller queues FIFO behind existing
// waiters and blocks until granted, until timeout elapses, or until ctx
// is done. A timed-out waiter is removed cleanly without disturbing the
// order of remaining waiters.
func (m *Manager) Acquire(ctx context.Context, path, holderID string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	s, ok := m.slots[path]
	if !ok {
		s = &slot{}
		m.slots[path] = s
	}

	if s.holder == nil && len(s.queue) == 0 {
		lock := m.grantLocked(s, path, holderID, timeout)
		m.mu.Unlock()
		return lock, nil
	}

	w := &waiter{
		holderID: holderID,
		timeout:  timeout,
		ready:    make(chan *Lock, 1),
	}
	s.queue = append(s.queue, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock := <-w.ready:
		if lock == nil {
			return nil, ErrManagerClosed
		}
		return lock, nil
	case <-timer.C:
		m.abandon(path, w)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		m.abandon(path, w)
		return nil, ctx.Err()
	}
}

// Release frees the path held by lock and hands it to the next FIFO
// waiter, if any. Idempotent: releasing a token that is not the current
// holder is a no-op.
func (m *Manager) Release(lock *Lock) {
	if lock == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[lock.Path]
	if !ok || s.holder == nil || s.holder.ID != lock.ID {
		return
	}

	m.handoffLocked(lock.Path, s)
}

// HeldBy reports the holder id for path, if it is currently locked.
func (m *Manager) HeldBy(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[path]
	if !ok || s.holder == nil {
		return "", false
	}
	return s.holder.HolderID, true
}

// Stats reports current occupancy across all paths.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	for _, s := range m.slots {
		if s.holder != nil {
			stats.ActiveLocks++
		}
		stats.WaitingHolders += len(s.queue)
	}
	return stats
}

// Close rejects all waiters and refuses further acquisitions. Held locks
// may still be released.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for _, s := range m.slots {
		for _, w := range s.queue {
			w.ready <- nil
		}
		s.queue = nil
	}
}

// grantLocked installs a new holder for path. Caller holds m.mu.
func (m *Manager) grantLocked(s *slot, path, holderID string, timeout time.Duration) *Lock {
	m.seq++
	lock := &Lock{
		ID:         holderID + ":" + path + ":" + strconv.FormatUint(m.seq, 10),
		Path:       path,
		HolderID:   holderID,
		AcquiredAt: time.Now(),
		Timeout:    timeout,
	}
	s.holder = lock
	return lock
}

// handoffLocked clears the holder and grants the next FIFO waiter, or
// frees the per-path slot entirely. Caller holds m.mu.
func (m *Manager) handoffLocked(path string, s *slot) {
	s.holder = nil

	if len(s.queue) == 0 {
		delete(m.slots, path)
		return
	}

	w := s.queue[0]
	s.queue = s.queue[1:]
	lock := m.grantLocked(s, path, w.holderID, w.timeout)
	w.ready <- lock
}

// abandon removes a timed-out or cancelled waiter. If a grant raced the
// timeout, the already-granted lock is handed straight to the next waiter
// so a timed-out caller never retroactively becomes the holder.
func (m *Manager) abandon(path string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[path]
	if !ok {
		return
	}

	for i, queued := range s.queue {
		if queued == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			if s.holder == nil && len(s.queue) == 0 {
				delete(m.slots, path)
			}
			return
		}
	}

	// Not in the queue: the grant won the race. Pass the lock along.
	select {
	case lock := <-w.ready:
		if lock != nil && s.holder != nil && s.holder.ID == lock.ID {
			m.handoffLocked(path, s)
		}
	default:
	}
}
