package uow

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomDelay returns min plus a random duration in [0, max). A non-positive max adds nothing.
func RandomDelay(min, max time.Duration) time.Duration {
	if min < 0 {
		min = 0
	}
	if max <= 0 {
		return min
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(max)))
	randMu.Unlock()
	return min + jitter
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
