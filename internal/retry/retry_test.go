package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	calls := 0
	policy := Policy{
		Attempts:  3,
		BaseDelay: time.Second,
		MaxDelay:  4 * time.Second,
		Backoff:   BackoffExponential,
		Sleep:     recordingSleep(&delays),
	}

	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("unexpected calls: got %d want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad payload")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Sleep: recordingSleep(new([]time.Duration))}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("expected permanent wrapper to be removed")
	}
	if calls != 1 {
		t.Fatalf("unexpected calls: got %d want 1", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("still down")
	err := Do(context.Background(), Policy{Attempts: 2, Sleep: recordingSleep(new([]time.Duration))}, func(context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Backoff: BackoffExponential}
	if got := p.Delay(5); got != 4*time.Second {
		t.Fatalf("unexpected capped delay: %s", got)
	}
	fixed := Policy{BaseDelay: 5 * time.Minute}
	if got := fixed.Delay(3); got != 5*time.Minute {
		t.Fatalf("unexpected fixed delay: %s", got)
	}
}

func TestShouldRetryHonorsPredicate(t *testing.T) {
	t.Parallel()

	p := Policy{Attempts: 4, Retryable: func(err error) bool { return err.Error() == "retry me" }}
	if !p.ShouldRetry(1, errors.New("retry me")) {
		t.Fatalf("expected retry for retryable error")
	}
	if p.ShouldRetry(1, errors.New("fatal")) {
		t.Fatalf("expected no retry for non-retryable error")
	}
	if p.ShouldRetry(4, errors.New("retry me")) {
		t.Fatalf("expected no retry once attempts are exhausted")
	}
}
