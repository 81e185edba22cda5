// Package resilience wraps calls to flaky upstreams with retry-with-backoff
// and per-dependency circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls how many times and how fast a call is retried.
type RetryPolicy struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	// Retryable reports whether an error deserves another attempt. Nil means
	// every error is retried. Cancellation and open breakers never are.
	Retryable func(error) bool `mapstructure:"-"`
}

// DefaultRetryPolicy mirrors the production settings: 3 retries, 1s base, 60s cap, x2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
	}
}

// Delay returns the wait before retry number attempt (0 based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Retry invokes fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. The backoff wait aborts when ctx is done.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !p.retryable(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", p.MaxRetries+1, lastErr)
}

// RetryDo is Retry for calls that only return an error.
func RetryDo(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
