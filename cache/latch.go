// Package cache holds the redis-backed helpers shared by every server
// instance: one-shot latches for timer arming and a JSON snapshot cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Latch is a set-once flag. Arm returns true only for the first caller of a
// key until the key expires or is released.
type Latch interface {
	Arm(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLatch arms keys with SET NX so only one process wins across the
// whole deployment.
type RedisLatch struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLatch(client *redis.Client, prefix string, ttl time.Duration) *RedisLatch {
	return &RedisLatch{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLatch) Arm(ctx context.Context, key string) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
}

func (l *RedisLatch) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

// LocalLatch is the single-process latch used when redis is not configured.
type LocalLatch struct {
	armed sync.Map
}

func NewLocalLatch() *LocalLatch {
	return &LocalLatch{}
}

func (l *LocalLatch) Arm(ctx context.Context, key string) (bool, error) {
	_, loaded := l.armed.LoadOrStore(key, struct{}{})
	return !loaded, nil
}

func (l *LocalLatch) Release(ctx context.Context, key string) error {
	l.armed.Delete(key)
	return nil
}
