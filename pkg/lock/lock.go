// Package lock provides a Redis backed lock so that only one replica runs a
// scheduled job at a time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "qqconnect:lock:"

// RedisLock implements a named lock with SET NX and a TTL. Each instance has
// its own owner id so it never releases a lock another replica holds.
type RedisLock struct {
	client  *redis.Client
	ownerID string
}

// NewRedisLock creates a lock on an existing client
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client:  client,
		ownerID: ownerID(),
	}
}

// Open parses a redis:// URL, connects and verifies the connection
func Open(ctx context.Context, rawURL string) (*RedisLock, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLock(client), nil
}

// hostname:pid:random
func ownerID() string {
	hostname, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(b))
}

// Acquire takes the lock for ttl. It returns false when another owner holds it.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release drops the lock if this instance still owns it
func (l *RedisLock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + name}, l.ownerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (l *RedisLock) OwnerID() string {
	return l.ownerID
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
