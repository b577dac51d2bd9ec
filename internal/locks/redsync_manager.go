package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// RedsyncManager implements distributed locking with the Redlock algorithm
type RedsyncManager struct {
	redsync *redsync.Redsync
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*RedsyncLock
}

// RedsyncLock wraps a redsync.Mutex and renews it until released
type RedsyncLock struct {
	mutex   *redsync.Mutex
	key     string
	ttl     time.Duration
	cancel  context.CancelFunc
	manager *RedsyncManager
	once    sync.Once
}

// NewRedsyncManager creates a new distributed lock manager using redsync
func NewRedsyncManager(client *redis.Client, logger logging.Logger) (*RedsyncManager, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RedsyncManager{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  logger,
		locks:   make(map[string]*RedsyncLock),
	}, nil
}

// TryAcquire makes a single attempt; a lock held elsewhere yields ErrLockHeld
func (rm *RedsyncManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	mutex := rm.redsync.NewMutex(fmt.Sprintf("lock:%s", key), redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.InternalError("failed to acquire distributed lock", ctx.Err())
		}
		// with a single try, redsync reports a taken key as ErrFailed or ErrTaken
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:   mutex,
		key:     key,
		ttl:     ttl,
		cancel:  cancel,
		manager: rm,
	}

	rm.mu.Lock()
	rm.locks[key] = lock
	rm.mu.Unlock()

	go rm.renew(renewCtx, lock)
	return lock, nil
}

// renew extends the lock at a third of its ttl until released or lost
func (rm *RedsyncManager) renew(ctx context.Context, lock *RedsyncLock) {
	interval := lock.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok, err := lock.mutex.ExtendContext(extendCtx)
			cancel()
			if err != nil || !ok {
				rm.logger.Warn("Lost distributed lock", logging.String("key", lock.key), logging.Err(err))
				rm.forget(lock.key)
				return
			}
		}
	}
}

func (rm *RedsyncManager) forget(key string) {
	rm.mu.Lock()
	delete(rm.locks, key)
	rm.mu.Unlock()
}

// Close releases every lock this manager holds
func (rm *RedsyncManager) Close() error {
	rm.mu.Lock()
	held := make([]*RedsyncLock, 0, len(rm.locks))
	for _, l := range rm.locks {
		held = append(held, l)
	}
	rm.mu.Unlock()

	for _, l := range held {
		_ = l.Release(context.Background())
	}
	return nil
}

func (rl *RedsyncLock) Key() string { return rl.key }

// Release stops renewal and unlocks in Redis
func (rl *RedsyncLock) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		rl.cancel()
		rl.manager.forget(rl.key)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err = rl.mutex.UnlockContext(ctx)
	})
	return err
}

var (
	_ Manager = (*LocalManager)(nil)
	_ Manager = (*RedsyncManager)(nil)
)
