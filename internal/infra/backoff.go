package infra

import (
	"context"
	"errors"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns an exponential delay for the given retry count:
// 1s, 2s, 4s, ... capped at 60s.
func CalculateBackoff(retry int) time.Duration {
	if retry <= 0 {
		return backoffBase
	}
	delay := backoffBase << uint(retry)
	if delay <= 0 || delay > backoffMax {
		return backoffMax
	}
	return delay
}

// RetryPolicy is a bounded retry-with-backoff policy shared by the
// gateway-calling paths. MaxRetries counts attempts after the first.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// DefaultRetryPolicy suits short REST calls on the trade path.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 2,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Factor:     2.0,
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so RetryPolicy.Do stops immediately and returns
// the original error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds or attempts are exhausted, sleeping between
// attempts. The last error is returned. Context cancellation or a
// Permanent-wrapped error stops the loop early.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if attempt >= p.MaxRetries {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
