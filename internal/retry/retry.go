// Package retry implements a small exponential-backoff pacer for calls
// against the remote object store, in the shape of rclone's
// backend/dropbox/dropbox.go: f.pacer.Call(func() (bool, error) { ... }),
// where the closure reports whether the error is worth retrying.
package retry

import (
	"context"
	"time"
)

// Pacer retries a call with exponentially growing sleeps between attempts,
// capped at MaxSleep, until it succeeds, a non-retryable error is returned,
// or MaxRetries retries (MaxRetries+1 attempts in all) have been made.
type Pacer struct {
	MinSleep   time.Duration
	MaxSleep   time.Duration
	MaxRetries int
}

// NewPacer returns a Pacer with rclone's dropbox backend defaults
// (10ms min sleep, 2s max sleep, doubling each attempt).
func NewPacer() *Pacer {
	return &Pacer{MinSleep: 10 * time.Millisecond, MaxSleep: 2 * time.Second, MaxRetries: 5}
}

// Call invokes fn until it returns (false, err) — meaning "do not retry" —
// or succeeds, or the retry budget is exhausted. fn reports whether the
// error it observed should be retried.
func (p *Pacer) Call(ctx context.Context, fn func() (retry bool, err error)) error {
	sleep := p.MinSleep
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == p.MaxRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep *= 2
		if sleep > p.MaxSleep {
			sleep = p.MaxSleep
		}
	}
	return lastErr
}
