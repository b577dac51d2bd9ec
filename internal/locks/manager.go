// Package locks serializes replication runs. In a single process a LocalManager is enough;
// replicas sharing a backend coordinate through Redis with redsync.
package locks

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = stderrors.New("lock already held")

// Lock is an acquired lock
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// Manager acquires named locks without blocking
type Manager interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	Close() error
}

// LocalManager keeps locks in process memory
type LocalManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLocalManager creates an in-process lock manager
func NewLocalManager() *LocalManager {
	return &LocalManager{held: make(map[string]time.Time), clock: time.Now}
}

// TryAcquire takes key unless it is held and not yet expired
func (m *LocalManager) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if expires, ok := m.held[key]; ok && now.Before(expires) {
		return nil, ErrLockHeld
	}
	m.held[key] = now.Add(ttl)
	return &localLock{key: key, manager: m}, nil
}

func (m *LocalManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = make(map[string]time.Time)
	return nil
}

type localLock struct {
	key     string
	manager *LocalManager
	once    sync.Once
}

func (l *localLock) Key() string { return l.key }

func (l *localLock) Release(_ context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		delete(l.manager.held, l.key)
		l.manager.mu.Unlock()
	})
	return nil
}
