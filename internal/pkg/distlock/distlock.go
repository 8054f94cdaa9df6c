// Package distlock provides a single-holder lock shared across worker
// processes. The Redis backend is preferred; when no Redis client is
// configured the lock falls back to PostgreSQL advisory locks, which are
// session-scoped and released automatically if the connection drops.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed mutex. A Lock instance belongs to
// one goroutine; concurrent holders need separate instances.
type Lock interface {
	// TryAcquire attempts the lock without waiting. True means acquired.
	TryAcquire(ctx context.Context) (bool, error)
	// Release releases the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is available, otherwise a
// PostgreSQL advisory lock keyed by a hash of name.
func New(rdb *redis.Client, db *sql.DB, name string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, name, ttl)
	}
	return NewAdvisoryLock(db, name)
}

// RedisLock holds a key with SET NX and a TTL so a crashed holder frees
// the lock after expiry. Release is guarded by an owner token: only the
// instance that set the key may delete it.
type RedisLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLock creates a Redis-backed lock on the given name.
func NewRedisLock(rdb *redis.Client, name string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{
		rdb:   rdb,
		key:   "lock:" + name,
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// AdvisoryLock wraps pg_try_advisory_lock / pg_advisory_unlock with a
// lock ID derived from the name via FNV-1a.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewAdvisoryLock creates the PostgreSQL fallback lock.
func NewAdvisoryLock(db *sql.DB, name string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok)
	return ok, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
