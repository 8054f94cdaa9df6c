package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewLedger(rdb), mr
}

func TestTryAcquire_UpToLimit(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		ok, used, err := ledger.TryAcquire(ctx, "sender-1", day, 3)
		if err != nil {
			t.Fatalf("TryAcquire %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("TryAcquire %d denied, want allowed", i)
		}
		if used != int64(i) {
			t.Errorf("used after acquire %d = %d, want %d", i, used, i)
		}
	}

	ok, used, err := ledger.TryAcquire(ctx, "sender-1", day, 3)
	if err != nil {
		t.Fatalf("TryAcquire over limit: %v", err)
	}
	if ok {
		t.Error("TryAcquire over limit allowed, want denied")
	}
	if used != 3 {
		t.Errorf("used at denial = %d, want 3", used)
	}
}

func TestRelease_ReturnsSlot(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ok, _, _ := ledger.TryAcquire(ctx, "s", day, 1)
	if !ok {
		t.Fatal("first acquire denied")
	}
	ok, _, _ = ledger.TryAcquire(ctx, "s", day, 1)
	if ok {
		t.Fatal("second acquire allowed at limit 1")
	}

	if err := ledger.Release(ctx, "s", day); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok, _, _ = ledger.TryAcquire(ctx, "s", day, 1)
	if !ok {
		t.Error("acquire after release denied, want allowed")
	}
}

func TestReserve_CapsAtLimit(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	granted, err := ledger.Reserve(ctx, "s", day, 30, 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if granted != 30 {
		t.Errorf("first grant = %d, want 30", granted)
	}

	// Second reservation only gets the remaining 20.
	granted, err = ledger.Reserve(ctx, "s", day, 30, 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if granted != 20 {
		t.Errorf("second grant = %d, want 20", granted)
	}

	// Day exhausted.
	granted, err = ledger.Reserve(ctx, "s", day, 5, 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if granted != 0 {
		t.Errorf("third grant = %d, want 0", granted)
	}
}

func TestRemainingByDay(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	// Reserve 40 on day 0 and record 10 actual sends on day 1.
	if _, err := ledger.Reserve(ctx, "s", start, 40, 50); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	day1 := start.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if ok, _, err := ledger.TryAcquire(ctx, "s", day1, 50); err != nil || !ok {
			t.Fatalf("TryAcquire day1: ok=%v err=%v", ok, err)
		}
	}

	remaining, err := ledger.RemainingByDay(ctx, "s", start, 3, 50)
	if err != nil {
		t.Fatalf("RemainingByDay: %v", err)
	}
	if remaining[0] != 10 {
		t.Errorf("day 0 remaining = %d, want 10", remaining[0])
	}
	if remaining[1] != 40 {
		t.Errorf("day 1 remaining = %d, want 40", remaining[1])
	}
	if remaining[2] != 50 {
		t.Errorf("day 2 remaining = %d, want 50", remaining[2])
	}
}

func TestResetAt_NextLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)

	reset := ResetAt(now, loc)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, loc)
	if !reset.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", reset, want)
	}
}

func TestSnapshot(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ledger.TryAcquire(ctx, "s", now, 100)
	ledger.Reserve(ctx, "s", now, 25, 100)

	snap, err := ledger.Snapshot(ctx, "s", now, time.UTC, 100)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Used != 1 || snap.Planned != 25 || snap.Limit != 100 {
		t.Errorf("snapshot = %+v, want used=1 planned=25 limit=100", snap)
	}
}
