// Package quota tracks per-sender daily send counts against the provider's
// daily limit. Counters live in Redis so horizontally-scaled workers share
// one ledger; all check-and-increment paths run as Lua scripts to avoid the
// GET → check → INCR race.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Two counters exist per sender per day:
//
//	quota:{sender}:{date}:plan — capacity reserved at scheduling time, so
//	  concurrent step preparations cannot over-assign a day.
//	quota:{sender}:{date}:sent — sends actually claimed at send time.
//
// Scheduling reads remaining capacity from the larger of the two; the send
// gate only consults "sent".

const keyTTL = 48 * time.Hour // keys live until well past their day

// Lua: claim one send slot if under the limit.
const acquireLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return {0, current}
end

local new = redis.call("INCR", key)
if new == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, new}
`

// Lua: reserve up to n slots, capped at the limit. Returns the granted count.
const reserveLuaScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return {0, current}
end

local grant = n
if current + grant > limit then
    grant = limit - current
end

local new = redis.call("INCRBY", key, grant)
if new == grant then
    redis.call("EXPIRE", key, ttl)
end
return {grant, new}
`

// Ledger is the per-sender daily quota ledger.
type Ledger struct {
	rdb *redis.Client

	acquireScript *redis.Script
	reserveScript *redis.Script
}

// NewLedger creates a ledger with pre-compiled Lua scripts.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireLuaScript),
		reserveScript: redis.NewScript(reserveLuaScript),
	}
}

func dayKey(senderID string, day time.Time, kind string) string {
	return fmt.Sprintf("quota:%s:%s:%s", senderID, day.Format("2006-01-02"), kind)
}

func ttlFor(day time.Time, now time.Time) time.Duration {
	end := day.Add(keyTTL)
	ttl := end.Sub(now)
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// TryAcquire claims one send slot for the sender's current day. Returns
// false with the current used count when the daily limit is exhausted. The
// slot must be released with Release if the provider call fails, so a
// failed attempt does not burn quota.
func (l *Ledger) TryAcquire(ctx context.Context, senderID string, day time.Time, limit int) (bool, int64, error) {
	key := dayKey(senderID, day, "sent")
	res, err := l.acquireScript.Run(ctx, l.rdb,
		[]string{key},
		limit,
		int(ttlFor(day, time.Now()).Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("quota acquire: %w", err)
	}

	allowed := res[0].(int64) == 1
	used := res[1].(int64)
	return allowed, used, nil
}

// Release returns one previously-acquired slot, used when the send attempt
// did not result in an accepted message.
func (l *Ledger) Release(ctx context.Context, senderID string, day time.Time) error {
	key := dayKey(senderID, day, "sent")
	if err := l.rdb.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// Reserve claims up to n slots of the day's planning capacity and returns
// how many were granted. Step preparation calls this per day bucket before
// creating delivery records; a short grant means another preparation got
// there first and the remainder must spill to later days.
func (l *Ledger) Reserve(ctx context.Context, senderID string, day time.Time, n, limit int) (int, error) {
	key := dayKey(senderID, day, "plan")
	res, err := l.reserveScript.Run(ctx, l.rdb,
		[]string{key},
		n,
		limit,
		int(ttlFor(day, time.Now()).Seconds()),
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("quota reserve: %w", err)
	}
	return int(res[0].(int64)), nil
}

// RemainingByDay returns the sender's remaining capacity for each of the
// next horizonDays days, keyed by day offset from start. Day capacity is
// limit minus the larger of the planned and sent counters.
func (l *Ledger) RemainingByDay(ctx context.Context, senderID string, start time.Time, horizonDays, limit int) (map[int]int, error) {
	pipe := l.rdb.Pipeline()
	planCmds := make([]*redis.StringCmd, horizonDays)
	sentCmds := make([]*redis.StringCmd, horizonDays)
	for d := 0; d < horizonDays; d++ {
		day := start.AddDate(0, 0, d)
		planCmds[d] = pipe.Get(ctx, dayKey(senderID, day, "plan"))
		sentCmds[d] = pipe.Get(ctx, dayKey(senderID, day, "sent"))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("quota remaining: %w", err)
	}

	remaining := make(map[int]int, horizonDays)
	for d := 0; d < horizonDays; d++ {
		plan, _ := planCmds[d].Int64()
		sent, _ := sentCmds[d].Int64()
		used := plan
		if sent > used {
			used = sent
		}
		rem := limit - int(used)
		if rem < 0 {
			rem = 0
		}
		remaining[d] = rem
	}
	return remaining, nil
}

// Used returns the sent count for the sender on the given day.
func (l *Ledger) Used(ctx context.Context, senderID string, day time.Time) (int64, error) {
	n, err := l.rdb.Get(ctx, dayKey(senderID, day, "sent")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota used: %w", err)
	}
	return n, nil
}

// ResetAt returns when the sender's daily quota resets: the next local
// midnight in the sender's timezone.
func ResetAt(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, loc)
}

// Snapshot is a read-only view of one sender-day for operational tooling.
type Snapshot struct {
	SenderID string    `json:"sender_id"`
	Day      string    `json:"day"`
	Used     int64     `json:"used"`
	Planned  int64     `json:"planned"`
	Limit    int       `json:"limit"`
	ResetAt  time.Time `json:"reset_at"`
}

// Snapshot reads the sender's current-day counters.
func (l *Ledger) Snapshot(ctx context.Context, senderID string, now time.Time, loc *time.Location, limit int) (*Snapshot, error) {
	if loc == nil {
		loc = time.UTC
	}
	day := now.In(loc)
	pipe := l.rdb.Pipeline()
	sentCmd := pipe.Get(ctx, dayKey(senderID, day, "sent"))
	planCmd := pipe.Get(ctx, dayKey(senderID, day, "plan"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("quota snapshot: %w", err)
	}
	sent, _ := sentCmd.Int64()
	plan, _ := planCmd.Int64()
	return &Snapshot{
		SenderID: senderID,
		Day:      day.Format("2006-01-02"),
		Used:     sent,
		Planned:  plan,
		Limit:    limit,
		ResetAt:  ResetAt(now, loc),
	}, nil
}
