// Package lock serializes work on a single key across server instances.
// Redis is used when configured; otherwise a lease row in scheduler_locks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/featurehub/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrNotAcquired means another holder owns the key.
var ErrNotAcquired = errors.New("lock: already held")

// Release gives the lock back. It is safe to call after the TTL expired.
type Release func(ctx context.Context) error

// Locker acquires a lease on name/key for at most ttl.
type Locker interface {
	Acquire(ctx context.Context, name, key string, ttl time.Duration) (Release, error)
}

func ownerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%s", host, uuid.NewString())
}

// RedisLocker uses SET NX PX with a per-acquire owner token.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "featurehub:lock:"}
}

func (l *RedisLocker) key(name, key string) string {
	return l.prefix + name + ":" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, name, key string, ttl time.Duration) (Release, error) {
	k := l.key(name, key)
	owner := ownerID()

	ok, err := l.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", k, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{k}, owner).Err()
	}, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// DBLocker stores leases in scheduler_locks. The unique (lock_name,
// lock_key) index turns a successful insert into the acquire.
type DBLocker struct {
	db *gorm.DB
}

// NewDBLocker expects db opened with TranslateError so duplicate inserts
// surface as gorm.ErrDuplicatedKey.
func NewDBLocker(db *gorm.DB) *DBLocker {
	return &DBLocker{db: db}
}

func (l *DBLocker) Acquire(ctx context.Context, name, key string, ttl time.Duration) (Release, error) {
	now := time.Now()
	owner := ownerID()
	db := l.db.WithContext(ctx)

	// expired leases are taken over
	if err := db.Where("lock_name = ? AND lock_key = ? AND expires_at < ?", name, key, now).
		Delete(&models.SchedulerLock{}).Error; err != nil {
		return nil, fmt.Errorf("lock %s/%s: clear expired: %w", name, key, err)
	}

	row := models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  owner,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("lock %s/%s: %w", name, key, err)
	}

	return func(ctx context.Context) error {
		return l.db.WithContext(ctx).
			Where("lock_name = ? AND lock_key = ? AND locked_by = ?", name, key, owner).
			Delete(&models.SchedulerLock{}).Error
	}, nil
}
