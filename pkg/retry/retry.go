// Package retry provides retry logic with exponential backoff for wire
// and lease operations.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Config defines retry behavior configuration.
type Config struct {
	// MaxAttempts is the maximum number of retry attempts (including the
	// initial attempt). spec.md's sync engine backoff (1s,2s,4s,8s) is
	// five attempts total.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool

	// RetryableKinds is a list of error kinds that should trigger retry
	// in addition to whatever the error's own Retryable flag says.
	RetryableKinds []wormholeerr.Kind

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig matches spec.md §4.7 step 7: 1s, 2s, 4s, 8s capped at
// five attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableKinds: []wormholeerr.Kind{
			wormholeerr.TransportTimeout,
			wormholeerr.TransportClosed,
			wormholeerr.LeaseExhausted,
		},
	}
}

// Retryer executes a function with retry logic and exponential backoff.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration, applying
// defaults for zero values.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 8 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic using a background context.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic and context cancellation.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}

	var wfErr *wormholeerr.Error
	if stderr.As(err, &wfErr) {
		if wfErr.Retryable {
			return true
		}
		for _, kind := range r.config.RetryableKinds {
			if wfErr.Kind == kind {
				return true
			}
		}
	}
	return false
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	return Delay(r.config, attempt)
}

// Delay computes the backoff delay before retry attempt n (1-based),
// exposed for callers like the sync engine that re-queue a failed item
// rather than blocking in-place on time.After between attempts.
func Delay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether err is retryable under cfg, independent
// of any particular Retryer instance's attempt counter.
func ShouldRetry(cfg Config, err error) bool {
	var wfErr *wormholeerr.Error
	if stderr.As(err, &wfErr) {
		if wfErr.Retryable {
			return true
		}
		for _, kind := range cfg.RetryableKinds {
			if wfErr.Kind == kind {
				return true
			}
		}
	}
	return false
}

// WithMaxAttempts returns a new Retryer with a modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback attached.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
