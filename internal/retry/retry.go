// Package retry is the shared retry policy used wherever the system talks to
// an unreliable boundary. Policies are bounded loops, never recursion, so
// stack depth stays constant and the schedule is testable on its own.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy describes how an operation is retried.
//
// If Backoff is non-empty it is used as a fixed delay table: attempt n waits
// Backoff[n-1] (the last entry repeats if attempts exceed the table).
// Otherwise delays grow exponentially from Base up to MaxDelay with
// +/-Jitter applied.
type Policy struct {
	MaxAttempts int

	Backoff []time.Duration

	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%

	// Retryable decides whether an error is worth another attempt.
	// nil means every error is retryable.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if len(p.Backoff) == 0 {
		if p.Base <= 0 {
			p.Base = 500 * time.Millisecond
		}
		if p.MaxDelay <= 0 {
			p.MaxDelay = 15 * time.Second
		}
		if p.Jitter < 0 {
			p.Jitter = 0
		}
	}
	return p
}

// Do runs fn until it succeeds, the policy is exhausted, fn returns a
// non-retryable error, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}

// Delay returns the wait before the attempt following `attempt` (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	if len(p.Backoff) > 0 {
		idx := attempt - 1
		if idx >= len(p.Backoff) {
			idx = len(p.Backoff) - 1
		}
		return p.Backoff[idx]
	}

	// exp growth
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	// jitter [1-j, 1+j]
	if p.Jitter > 0 {
		r := (randFloat64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

var rngMu sync.Mutex

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
