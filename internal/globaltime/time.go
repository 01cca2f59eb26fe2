package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

// Clock returns the current time. Components take a Clock so tests can pin
// time without touching the process-wide override below.
type Clock func() time.Time

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Since reports the elapsed time between t and the current UTC time.
func Since(t time.Time) time.Duration {
	return UTC().Sub(t)
}

// OrDefault returns c, or UTC when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return UTC
	}
	return c
}

// Fixed returns a clock pinned to t.
func Fixed(t time.Time) Clock {
	pinned := t.UTC()
	return func() time.Time { return pinned }
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
