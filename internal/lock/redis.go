package lock

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed lua/release.lua
var luaRelease string

const (
	keyPrefix      = "lock:"
	releaseTimeout = 3 * time.Second
)

// Redis is a lease lock shared by every instance pointed at the same server.
// A holder that dies loses the lease after ttl.
type Redis struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	scrRel *redis.Script
}

var _ Locker = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, ttl, wait time.Duration) *Redis {
	l := &Redis{
		rdb:    rdb,
		ttl:    ttl,
		wait:   wait,
		scrRel: redis.NewScript(luaRelease),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = l.scrRel.Load(ctx, rdb).Err()
	}()

	return l
}

func lockKey(key string) string { return fmt.Sprintf("%s{%s}", keyPrefix, key) }

func (l *Redis) Acquire(ctx context.Context, key string) (Unlock, error) {
	token := uuid.New().String()
	k := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.wait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(k, token) })
	}, nil
}

func (l *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	deleted, err := l.scrRel.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		zap.L().Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if deleted == 0 {
		zap.L().Warn("Lock lease expired before release", zap.String("key", key))
	}
}
