// Package breaker implements a per-sender circuit breaker. Repeated
// auth/provider failures open the circuit and suspend outbound work for the
// sender until a cool-down elapses and a probe succeeds. State lives in
// Redis so every worker process sees the same circuit.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults match the tolerance of mailbox-provider APIs: a handful of
// consecutive failures usually means expired credentials or a provider
// outage, and hammering on either makes things worse.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 15 * time.Minute

	failureCounterTTL = 24 * time.Hour

	// probeTTL bounds how long a half-open probe stays exclusive. If the
	// probing worker dies before recording an outcome, the token expires
	// and the next caller probes instead.
	probeTTL = 30 * time.Second
)

// Lua: count a failure and open the circuit when the threshold is crossed.
// Counting and opening must be one atomic step or two workers racing on the
// threshold can each observe threshold-1.
const recordFailureLuaScript = `
local failKey = KEYS[1]
local openKey = KEYS[2]
local probeKey = KEYS[3]
local threshold = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local now = ARGV[3]
local failTTL = tonumber(ARGV[4])

local failures = redis.call("INCR", failKey)
redis.call("EXPIRE", failKey, failTTL)

if failures >= threshold then
    redis.call("SET", openKey, now, "EX", cooldown)
    redis.call("DEL", probeKey)
    return {failures, 1}
end
return {failures, 0}
`

// Lua: gate one caller through. Closed circuits pass; open circuits
// block; a lapsed cooldown with the failure count still at threshold
// admits exactly one probe via the NX token.
const allowLuaScript = `
local openKey = KEYS[1]
local failKey = KEYS[2]
local probeKey = KEYS[3]
local threshold = tonumber(ARGV[1])
local probeTTL = tonumber(ARGV[2])

if redis.call("EXISTS", openKey) == 1 then
    return 0
end

local failures = tonumber(redis.call("GET", failKey) or "0")
if failures < threshold then
    return 1
end

if redis.call("SET", probeKey, "1", "NX", "EX", probeTTL) then
    return 1
end
return 0
`

// Breaker is a per-sender failure gate.
type Breaker struct {
	rdb       *redis.Client
	threshold int
	cooldown  time.Duration

	failScript  *redis.Script
	allowScript *redis.Script
}

// New creates a breaker. Zero threshold/cooldown fall back to the defaults.
func New(rdb *redis.Client, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		rdb:         rdb,
		threshold:   threshold,
		cooldown:    cooldown,
		failScript:  redis.NewScript(recordFailureLuaScript),
		allowScript: redis.NewScript(allowLuaScript),
	}
}

func failKey(senderID string) string  { return fmt.Sprintf("breaker:%s:failures", senderID) }
func openKey(senderID string) string  { return fmt.Sprintf("breaker:%s:open", senderID) }
func probeKey(senderID string) string { return fmt.Sprintf("breaker:%s:probe", senderID) }

// Allow reports whether work for the sender may proceed. The circuit is
// open while the open key lives; its TTL expiring is the cool-down
// lapsing, after which exactly one caller gets through as the half-open
// probe until RecordSuccess or RecordFailure settles the circuit.
func (b *Breaker) Allow(ctx context.Context, senderID string) (bool, error) {
	res, err := b.allowScript.Run(ctx, b.rdb,
		[]string{openKey(senderID), failKey(senderID), probeKey(senderID)},
		b.threshold,
		int(probeTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("breaker allow: %w", err)
	}
	return res == 1, nil
}

// RecordFailure counts one failure for the sender and returns whether this
// failure opened (or re-opened) the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, senderID string) (opened bool, failures int64, err error) {
	res, err := b.failScript.Run(ctx, b.rdb,
		[]string{failKey(senderID), openKey(senderID), probeKey(senderID)},
		b.threshold,
		int(b.cooldown.Seconds()),
		time.Now().UTC().Format(time.RFC3339),
		int(failureCounterTTL.Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("breaker record failure: %w", err)
	}
	failures = res[0].(int64)
	opened = res[1].(int64) == 1
	return opened, failures, nil
}

// RecordSuccess closes the circuit and zeroes the failure count. Called
// after any successful provider interaction, including the half-open probe.
func (b *Breaker) RecordSuccess(ctx context.Context, senderID string) error {
	if err := b.rdb.Del(ctx, failKey(senderID), openKey(senderID), probeKey(senderID)).Err(); err != nil {
		return fmt.Errorf("breaker record success: %w", err)
	}
	return nil
}

// State is a read-only view of one sender's circuit for operational tooling.
type State struct {
	SenderID     string    `json:"sender_id"`
	Open         bool      `json:"open"`
	Failures     int64     `json:"failures"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	CooldownLeft string    `json:"cooldown_left,omitempty"`
}

// State reads the sender's current circuit state.
func (b *Breaker) State(ctx context.Context, senderID string) (*State, error) {
	pipe := b.rdb.Pipeline()
	failCmd := pipe.Get(ctx, failKey(senderID))
	openCmd := pipe.Get(ctx, openKey(senderID))
	ttlCmd := pipe.TTL(ctx, openKey(senderID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("breaker state: %w", err)
	}

	st := &State{SenderID: senderID}
	st.Failures, _ = failCmd.Int64()

	if openedAt, err := openCmd.Result(); err == nil {
		st.Open = true
		if t, perr := time.Parse(time.RFC3339, openedAt); perr == nil {
			st.OpenedAt = t
		}
		if ttl, terr := ttlCmd.Result(); terr == nil && ttl > 0 {
			st.CooldownLeft = ttl.String()
		}
	}
	return st, nil
}
