// Package lock serializes work per key, across processes when Redis is
// available and within one process otherwise.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loyalty-engine/pkg/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotAcquired = errors.New("lock: not acquired before deadline")

type Unlock func(ctx context.Context) error

type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

var Module = fx.Module("lock", fx.Provide(Provide))

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func Provide(p Params) Locker {
	if p.Redis == nil || p.Config.Redis.Addr == "" {
		zap.L().Info("[Lock] using in-process locker")
		return NewLocal()
	}
	return NewRedis(p.Redis, p.Config.Loyalty.UserLockTTL, p.Config.Loyalty.UserLockWait)
}

// Local is a keyed mutex for a single process.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
		return nil
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a single-instance Redis mutex: SET NX PX to acquire and a
// compare-and-delete script to release, so an expired holder cannot free a
// lock that another process now owns.
type Redis struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
}

func NewRedis(rdb *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Redis{rdb: rdb, ttl: ttl, wait: wait}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: key is required")
	}

	token := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	backoff := 10 * time.Millisecond
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil {
			zap.L().Warn("[Lock] failed to release lock", zap.String("key", key), zap.Error(err))
			return err
		}
		return nil
	}, nil
}
