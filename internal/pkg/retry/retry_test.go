package retry

import (
	"context"
	"errors"
	"testing"
)

var errTransient = errors.New("transient")
var errAuth = errors.New("auth expired")
var errFatal = errors.New("fatal")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_AbortStopsImmediately(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Classify: func(err error) Decision {
			if errors.Is(err, errFatal) {
				return Abort
			}
			return Retry
		},
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("Do = %v, want errFatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RecoverThenRetry(t *testing.T) {
	recovered := false
	calls := 0
	p := Policy{
		MaxAttempts: 2,
		Classify: func(err error) Decision {
			if errors.Is(err, errAuth) {
				return RecoverThenRetry
			}
			return Retry
		},
		Recover: func(ctx context.Context, err error) error {
			recovered = true
			return nil
		},
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errAuth
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !recovered {
		t.Error("Recover hook not invoked")
	}
}

func TestDo_RecoveryFailureAborts(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Classify:    func(err error) Decision { return RecoverThenRetry },
		Recover: func(ctx context.Context, err error) error {
			return errors.New("refresh token invalid")
		},
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errAuth
	})
	if err == nil || calls != 1 {
		t.Fatalf("Do = %v after %d calls, want recovery failure after 1", err, calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Do = %v, want errTransient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3}
	err := p.Do(ctx, func(ctx context.Context) error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
}
