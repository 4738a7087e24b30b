package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockRegistry hands out at most one holder per model. TryLock never waits:
// ok is false when another scan of the model is running.
type LockRegistry interface {
	TryLock(ctx context.Context, modelID uint) (release func(), ok bool, err error)
}

// MemoryLocks serialises scans within one process. Per-model mutexes are
// created on first use and kept for the process lifetime.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{locks: map[uint]*sync.Mutex{}}
}

func (l *MemoryLocks) get(modelID uint) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[modelID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[modelID] = m
	}
	return m
}

func (l *MemoryLocks) TryLock(_ context.Context, modelID uint) (func(), bool, error) {
	m := l.get(modelID)
	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocks serialises scans across worker processes. A held lock is
// renewed every ttl/3 until released, so only a crashed holder's lock
// expires.
type RedisLocks struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

func NewRedisLocks(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *RedisLocks {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocks{rdb: rdb, ttl: ttl, prefix: "relgraph:scan-lock:", log: log}
}

func (l *RedisLocks) key(modelID uint) string {
	return fmt.Sprintf("%s%d", l.prefix, modelID)
}

func (l *RedisLocks) TryLock(ctx context.Context, modelID uint) (func(), bool, error) {
	key := l.key(modelID)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, modelID, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// The scan's context may already be done; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.log.Error("scan lock release failed", zap.Uint("model_id", modelID), zap.Error(err))
			}
		})
	}
	return release, true, nil
}

// renew keeps the lock alive until stop is closed or the lock is lost.
func (l *RedisLocks) renew(key, token string, modelID uint, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("scan lock renewal failed", zap.Uint("model_id", modelID), zap.Error(err))
				continue
			}
			if n == 0 {
				l.log.Error("scan lock lost while held", zap.Uint("model_id", modelID))
				return
			}
		}
	}
}
