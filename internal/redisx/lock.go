package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired means another holder owns the key right now.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld means the key expired or is owned by a different token.
	ErrNotHeld = errors.New("lock not held")
)

// Deletes KEYS[1] only when it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a fail-fast exclusive lock on top of SET NX EX.
// It never retries; callers decide what to do with ErrNotAcquired.
type Locker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker { return &Locker{rdb: rdb} }

// Acquire returns the holder token needed by Release.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = TTLStockLock
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// Release deletes key only if it is still owned by token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
