package engine

import (
	"sync"
)

// KeyLocks serializes engine and reconciler access per (symbol, venue) key.
// A lock may be "parked": still held after an ambiguous open, waiting for a
// reconciliation pass to resolve whether the venue acted. Parked locks are
// released only through ResolvePark, so no concurrent submit can duplicate
// exposure while the outcome is unknown.
type KeyLocks struct {
	mu     sync.Mutex
	held   map[string]bool
	parked map[string]bool
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{held: make(map[string]bool), parked: make(map[string]bool)}
}

// TryAcquire takes the lock for key, failing immediately when it is held.
func (l *KeyLocks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

// Release frees a non-parked lock. Releasing a parked lock is a no-op:
// parked locks outlive their plan until reconciliation resolves them.
func (l *KeyLocks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.parked[key] {
		return
	}
	delete(l.held, key)
}

// Park flags a held lock as waiting on reconciliation.
func (l *KeyLocks) Park(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		l.parked[key] = true
	}
}

// Parked reports whether the lock for key is parked.
func (l *KeyLocks) Parked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.parked[key]
}

// ResolvePark releases a parked lock once reconciliation has settled the
// position's fate.
func (l *KeyLocks) ResolvePark(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.parked, key)
	delete(l.held, key)
}

// Held reports whether any holder (running plan or parked) owns key.
func (l *KeyLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}
