// Package retry runs an operation with bounded attempts and backoff. The
// classifier and feed client call Do directly; the cycle orchestrator uses the
// same Policy to decide whether a failed cycle gets another attempt and when.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// Policy describes how an operation is retried. Attempts counts the first
// try, so Attempts=3 means two retries.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Backoff   Backoff
	Retryable func(error) bool
	Sleep     func(ctx context.Context, d time.Duration) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay
	if p.Backoff == BackoffExponential {
		delay = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n-1)))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after failed
// attempt number n (1-based) returned err.
func (p Policy) ShouldRetry(n int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if n >= p.attempts() {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.ShouldRetry(attempt, err) {
			if attempt > 1 {
				return fmt.Errorf("failed after %d attempts: %w", attempt, unwrapPermanent(err))
			}
			return unwrapPermanent(err)
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return lastErr
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
