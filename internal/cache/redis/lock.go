package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes the TTL only while the key still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL. A held
// lock is refreshed in the background at a third of its TTL until released,
// so a long-running ingest keeps ownership while a crashed one loses it.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger

	mu     sync.Mutex
	onLost func(key string)
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// OnLost registers fn to be called when a held lock expires or is taken
// over before it was released.
func (lm *LockManager) OnLost(fn func(key string)) {
	lm.mu.Lock()
	lm.onLost = fn
	lm.mu.Unlock()
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock for key or returns domain.ErrLockHeld. The
// returned unlock func stops the refresher and releases the key; calling it
// more than once is safe.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if !lm.refresh(refreshCtx, lk, token, ttl) {
			lm.mu.Lock()
			fn := lm.onLost
			lm.mu.Unlock()
			if fn != nil {
				fn(key)
			}
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			stop()
			<-done
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// refresh extends the lock until ctx ends. It returns false if the lock was
// found to be gone.
func (lm *LockManager) refresh(ctx context.Context, lk, token string, ttl time.Duration) bool {
	interval := ttl / 3
	if interval <= 0 {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return true
				}
				lm.logger.Warn("lock refresh failed",
					slog.String("key", lk),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n == 0 {
				lm.logger.Error("lock lost", slog.String("key", lk))
				return false
			}
		}
	}
}
