package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSettlementLockTTL   = 3 * time.Minute
	defaultSettlementLockRetry = 100 * time.Millisecond
)

// Deletes the key only while it still holds our token, so an expired lock taken over by
// another replica is never released by us.
var settlementLockReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKeyLocker implements distributed per-key locking using Redis SET NX PX.
type RedisKeyLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisKeyLocker creates a locker. ttl must outlive the longest settlement, which is
// bounded by the custodial receipt timeout.
func NewRedisKeyLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisKeyLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "outlier:settlement_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = defaultSettlementLockTTL
	}

	return &RedisKeyLocker{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
		retry:  defaultSettlementLockRetry,
	}
}

func (r *RedisKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis locker not configured")
	}
	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return nil, errors.New("lock key is required")
	}

	token, err := newLockToken()
	if err != nil {
		return nil, err
	}
	redisKey := fmt.Sprintf("%s:%s", r.prefix, normalizedKey)

	for {
		acquired, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release on a fresh context; the caller's may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = settlementLockReleaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
		})
	}, nil
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
