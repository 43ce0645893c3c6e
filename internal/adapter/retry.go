package adapter

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// Policy bounds retries of network-class failures.
type Policy struct {
	Attempts int           // total attempts, at least 1
	Timeout  time.Duration // per attempt; zero means none
	// Backoff returns the wait before retry n (1-based).
	Backoff func(n int) time.Duration
}

// DefaultPolicy retries 3 times with 500ms exponential backoff capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Timeout:  30 * time.Second,
		Backoff:  ExponentialBackoff(500*time.Millisecond, 10*time.Second),
	}
}

// ExponentialBackoff doubles base on each retry up to max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		backoff := base
		for i := 1; i < n; i++ {
			backoff *= 2
			if backoff > max {
				return max
			}
		}
		return backoff
	}
}

// Do runs fn until it succeeds, returns a non-network error, or the
// attempts are exhausted. Business errors are returned immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		err  error
	)
	for n := 1; n <= attempts; n++ {
		var v T
		v, err = attempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if !errs.IsNetworkError(err) || n == attempts {
			return zero, err
		}
		// the caller's own deadline is not retryable
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(n)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, err
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
