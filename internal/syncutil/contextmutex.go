// Package syncutil provides keyed, context-aware locks for per-record
// critical sections, either in-process or shared through Redis.
package syncutil

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock for a key. On success the caller MUST call
// the returned unlock function exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one channel-based mutex per key.
// Distinct keys never contend. Entries are reference counted and dropped when
// no goroutine holds or waits on them, so memory stays bounded by the number
// of keys in use rather than the number of keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext acquires the mutex for key, giving up when ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// held reports how many keys currently have holders or waiters.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var _ Locker = (*KeyedMutex)(nil)
