package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abhi1693/openclaw-agency/internal/core/id"
)

// unlockScript releases the lock only while this holder's token is
// still in place, so an expired lock taken over by another instance is
// never deleted from under it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AdvisoryLock is a cluster-wide try-lock backed by SET NX PX. The TTL
// bounds how long a crashed holder can block other instances.
type AdvisoryLock struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string
}

// NewAdvisoryLock creates a lock on the given key. Each holder uses a
// fresh random token per acquisition.
func (b *Bus) NewAdvisoryLock(key string, ttl time.Duration) *AdvisoryLock {
	return &AdvisoryLock{rdb: b.rdb, key: key, ttl: ttl}
}

// TryLock attempts to acquire the lock without blocking. Returns false
// when another instance holds it.
func (l *AdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	token := id.Generate()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Unlock releases the lock if this instance still holds it. Safe to
// call without holding the lock.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := unlockScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
