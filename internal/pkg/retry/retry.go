// Package retry runs an operation under an explicit retry policy: a
// bounded attempt count plus a classify-and-recover hook invoked between
// attempts. The decision table (retry / recover-then-retry / abort) lives
// in one place instead of being spread across nested callbacks, so it can
// be tested on its own.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Decision tells the policy what to do with a failed attempt.
type Decision int

const (
	// Abort stops immediately and returns the error.
	Abort Decision = iota
	// Retry waits out the delay and tries again.
	Retry
	// RecoverThenRetry invokes the Recover hook first (e.g. refresh an
	// expired token), then tries again. If Recover itself fails, the run
	// aborts with the recovery error.
	RecoverThenRetry
)

// Policy drives Do. Classify is consulted after every failed attempt;
// Recover is only called when Classify returns RecoverThenRetry.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	Classify func(err error) Decision
	Recover  func(ctx context.Context, err error) error
}

// Do runs fn under the policy. The zero-value Classify treats every error
// as retryable.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		decision := Retry
		if p.Classify != nil {
			decision = p.Classify(lastErr)
		}

		switch decision {
		case Abort:
			return lastErr
		case RecoverThenRetry:
			if p.Recover == nil {
				return lastErr
			}
			if rerr := p.Recover(ctx, lastErr); rerr != nil {
				return fmt.Errorf("recovery failed: %w", rerr)
			}
		}

		if p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return lastErr
}
