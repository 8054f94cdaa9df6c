package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "activation", 30*time.Second)
	b := NewRedisLock(rdb, "activation", 30*time.Second)

	ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = b.TryAcquire(ctx)
	if !ok {
		t.Error("acquire after release failed")
	}
}

func TestRedisLock_ReleaseOnlyByOwner(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "sweep", time.Minute)
	b := NewRedisLock(rdb, "sweep", time.Minute)

	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	// A non-owner release must not free the lock.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("non-owner release: %v", err)
	}
	if ok, _ := b.TryAcquire(ctx); ok {
		t.Error("lock freed by non-owner release")
	}
}
