// Package retry implements the retry/backoff policy shared by the provider
// router and storage uploads.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy describes a bounded retry budget with exponential full-jitter backoff.
// The wait before attempt n (1-based) is drawn uniformly from
// [0, Base * 2^(n-1)], clamped below by any floor the caller supplies.
type Policy struct {
	MaxAttempts int
	Base        time.Duration

	// rng allows deterministic jitter in tests. Nil means the shared
	// package-level source.
	rng *rand.Rand
}

// DefaultPolicy matches the provider defaults: 3 attempts, 1 s jitter base.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second}
}

// WithRand returns a copy of the policy using the given jitter source.
func (p Policy) WithRand(r *rand.Rand) Policy {
	p.rng = r
	return p
}

var (
	globalRng  = rand.New(rand.NewSource(time.Now().UnixNano()))
	globalRngM sync.Mutex
)

func (p Policy) int63n(n int64) int64 {
	if p.rng != nil {
		return p.rng.Int63n(n)
	}
	globalRngM.Lock()
	defer globalRngM.Unlock()
	return globalRng.Int63n(n)
}

// Wait returns the backoff duration before the given attempt (1-based,
// meaning the wait preceding attempt+1). A non-zero floor (e.g. an upstream
// Retry-After hint) is a lower bound on the result.
func (p Policy) Wait(attempt int, floor time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := p.Base << uint(attempt-1)
	if ceiling <= 0 {
		return floor
	}
	d := time.Duration(p.int63n(int64(ceiling) + 1))
	if d < floor {
		d = floor
	}
	return d
}

// Sleep blocks for the backoff duration before the given attempt, honoring
// context cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int, floor time.Duration) error {
	d := p.Wait(attempt, floor)
	if d <= 0 {
		return ctx.Err()
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

// Do runs fn up to MaxAttempts times, sleeping between attempts. It stops
// early when fn succeeds, when retryable reports the error as permanent, or
// when the context is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.Sleep(ctx, attempt-1, 0); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Fixed returns a policy with a constant delay between attempts, used by the
// caption service and storage uploads.
type Fixed struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs fn up to MaxAttempts times with a fixed delay between attempts.
func (f Fixed) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= f.MaxAttempts; attempt++ {
		if attempt > 1 && f.Delay > 0 {
			timer := time.NewTimer(f.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
