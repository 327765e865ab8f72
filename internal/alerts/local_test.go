package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rayabelcode/touchbase/internal/eventbus"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

func TestLocalFirePublishesOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	l := NewLocal(bus, logx.Nop())
	h, err := l.Schedule(context.Background(), Content{Title: "call dana"}, time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TopicAlertFired {
			t.Fatalf("event type = %s", ev.Type)
		}
		e, ok := ev.Data.(Entry)
		if !ok || e.Handle != h {
			t.Fatalf("unexpected payload: %+v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert never fired")
	}

	// Fired alerts leave the pending set.
	got, _ := l.Scheduled(context.Background())
	if len(got) != 0 {
		t.Fatalf("pending = %d, want 0", len(got))
	}
}

func TestLocalCancelIdempotent(t *testing.T) {
	t.Parallel()
	l := NewLocal(nil, logx.Nop())
	h, _ := l.Schedule(context.Background(), Content{Title: "x"}, time.Now().Add(time.Hour))

	if err := l.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := l.Cancel(context.Background(), h); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if err := l.Cancel(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Cancel unknown: %v", err)
	}

	got, _ := l.Scheduled(context.Background())
	if len(got) != 0 {
		t.Fatalf("pending = %d, want 0", len(got))
	}
}

func TestLocalCancelAll(t *testing.T) {
	t.Parallel()
	l := NewLocal(nil, logx.Nop())
	for i := 0; i < 3; i++ {
		_, _ = l.Schedule(context.Background(), Content{Title: "x"}, time.Now().Add(time.Hour))
	}
	if err := l.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	got, _ := l.Scheduled(context.Background())
	if len(got) != 0 {
		t.Fatalf("pending = %d, want 0", len(got))
	}
}

func TestLocalBadge(t *testing.T) {
	t.Parallel()
	l := NewLocal(nil, logx.Nop())
	if err := l.SetBadge(context.Background(), 7); err != nil {
		t.Fatalf("SetBadge: %v", err)
	}
	if l.Badge() != 7 {
		t.Fatalf("Badge = %d, want 7", l.Badge())
	}
}
