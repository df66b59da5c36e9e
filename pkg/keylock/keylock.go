// Package keylock provides per-key try-locks. Used to guarantee at most one
// in-flight sync per device without unrelated devices blocking each other.
package keylock

import "sync"

type KeyLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func New() *KeyLock {
	return &KeyLock{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free. It never blocks; callers
// that lose the race are expected to skip their work, not queue.
func (l *KeyLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return false
	}

	l.held[key] = struct{}{}

	return true
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (l *KeyLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
}

// Held reports whether key is currently locked.
func (l *KeyLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.held[key]

	return ok
}
