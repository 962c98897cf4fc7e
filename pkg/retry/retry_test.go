package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	})

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts < 3 {
			return wormholeerr.New(wormholeerr.TransportTimeout, "no response")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUpOnNonRetryableKind(t *testing.T) {
	r := New(DefaultConfig())
	attempts := 0
	err := r.Do(func() error {
		attempts++
		return wormholeerr.New(wormholeerr.PathEscape, "outside sandbox")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable kind stops immediately)", attempts)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	r := New(Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2.0,
	})

	attempts := 0
	err := r.Do(func() error {
		attempts++
		return wormholeerr.New(wormholeerr.TransportClosed, "connection dropped")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		return wormholeerr.New(wormholeerr.TransportTimeout, "timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected wrapped context.Canceled, got %v", err)
	}
}
