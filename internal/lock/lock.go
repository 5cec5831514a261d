package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is held by someone else
var ErrNotAcquired = errors.New("lock not acquired")

// Locker guards a sweep so at most one instance runs it at a time.
// ErrNotAcquired means the key is busy.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Refresh extends it by the acquire ttl and reports
// false once the hold has been lost to another owner.
type Lease interface {
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Token returns a random owner token
func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// RedisLocker is a distributed lock: SET NX PX plus Lua compare-and-set
// refresh and release.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are prefixed with prefix.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: strings.TrimSpace(prefix)}
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if l == nil || l.rdb == nil {
		return nil, errors.New("redis locker not initialized")
	}
	key = l.prefix + strings.TrimSpace(key)
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, err := Token()
	if err != nil {
		return nil, err
	}
	ok, err := l.rdb.SetNX(ctx, key, tok, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{rdb: l.rdb, key: key, token: tok, ttl: ttl}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func (l *redisLease) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 when the timeout was set
	return n == 1, nil
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
