package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	boom := errors.New("boom")
	p := Policy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoSucceedsMidway(t *testing.T) {
	t.Parallel()
	calls := 0
	p := Policy{MaxAttempts: 5, Backoff: []time.Duration{time.Millisecond}}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	terminal := errors.New("permission denied")
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Backoff:     []time.Duration{time.Millisecond},
		Retryable:   func(err error) bool { return !errors.Is(err, terminal) },
	}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, Backoff: []time.Duration{time.Hour}}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error { return errors.New("again") })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDelayFixedTable(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 5, Backoff: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}}
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 15 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayExponentialBounds(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt)
		if d < 0 || d > time.Second+time.Second/5 {
			t.Fatalf("Delay(%d) = %v out of bounds", attempt, d)
		}
	}
}
