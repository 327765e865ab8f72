package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rayabelcode/touchbase/internal/remote"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

type recordingCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCanceller) CancelNotification(ctx context.Context, reminderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, reminderID)
	return nil
}

func seed(t *testing.T, store *remote.MemoryStore, r *remote.Reminder) {
	t.Helper()
	r.UserID = "u1"
	if r.ContactID == "" {
		r.ContactID = "c-" + r.ID
	}
	if err := store.CreateReminder(context.Background(), r); err != nil {
		t.Fatalf("CreateReminder(%s): %v", r.ID, err)
	}
}

func TestShouldCleanup(t *testing.T) {
	future := time.Now().Add(time.Hour)
	cases := []struct {
		name string
		r    remote.Reminder
		want bool
	}{
		{"follow-up untouched", remote.Reminder{Type: remote.TypeFollowUp, Status: remote.StatusPending}, false},
		{"follow-up with notes", remote.Reminder{Type: remote.TypeFollowUp, Status: remote.StatusPending, NotesAdded: true}, true},
		{"follow-up completed", remote.Reminder{Type: remote.TypeFollowUp, Status: remote.StatusCompleted}, true},
		{"scheduled live", remote.Reminder{Type: remote.TypeScheduled, Status: remote.StatusPending, ScheduledTime: future}, false},
		{"scheduled settled", remote.Reminder{Type: remote.TypeScheduled, Status: remote.StatusCompleted, ScheduledTime: future}, true},
		{"scheduled skipped", remote.Reminder{Type: remote.TypeScheduled, Status: remote.StatusSkipped, ScheduledTime: future}, true},
		{"scheduled no fire time", remote.Reminder{Type: remote.TypeScheduled, Status: remote.StatusPending}, true},
		{"custom settled", remote.Reminder{Type: remote.TypeCustomDate, Status: remote.StatusExpired, ScheduledTime: future}, true},
		{"unknown type", remote.Reminder{Type: "mystery"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, _ := ShouldCleanup(&tc.r); got != tc.want {
				t.Fatalf("ShouldCleanup = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunCollectsAndArchives(t *testing.T) {
	store := remote.NewMemory()
	future := time.Now().Add(time.Hour)
	seed(t, store, &remote.Reminder{ID: "live", Type: remote.TypeScheduled, Status: remote.StatusPending, ScheduledTime: future})
	seed(t, store, &remote.Reminder{ID: "done", ContactID: "c1", Type: remote.TypeScheduled, Status: remote.StatusCompleted, ScheduledTime: future, Notes: "had coffee"})
	seed(t, store, &remote.Reminder{ID: "skipped", Type: remote.TypeScheduled, Status: remote.StatusSkipped, ScheduledTime: future})

	canceller := &recordingCanceller{}
	svc := New(Config{UserID: "u1"}, store, canceller, nil, logx.Nop())

	stats, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Scanned != 3 || stats.Collected != 2 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want scanned 3 / collected 2 / skipped 1", stats)
	}
	if stats.History != 1 {
		t.Fatalf("history = %d, want 1", stats.History)
	}

	if _, err := store.GetReminder(context.Background(), "done"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("collected reminder still present: %v", err)
	}
	if _, err := store.GetReminder(context.Background(), "live"); err != nil {
		t.Fatalf("live reminder must survive: %v", err)
	}

	hist, err := store.ListContactHistory(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListContactHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Notes != "had coffee" || !hist[0].Completed {
		t.Fatalf("unexpected history %+v", hist)
	}

	canceller.mu.Lock()
	defer canceller.mu.Unlock()
	if len(canceller.calls) != 2 {
		t.Fatalf("cancel calls = %v, want 2", canceller.calls)
	}
}

func TestRunStatsAccumulateAcrossPasses(t *testing.T) {
	store := remote.NewMemory()
	future := time.Now().Add(time.Hour)
	seed(t, store, &remote.Reminder{ID: "a", Type: remote.TypeScheduled, Status: remote.StatusCompleted, ScheduledTime: future})
	seed(t, store, &remote.Reminder{ID: "b", Type: remote.TypeScheduled, Status: remote.StatusSkipped, ScheduledTime: future})

	svc := New(Config{UserID: "u1"}, store, &recordingCanceller{}, nil, logx.Nop())

	if got := svc.RunStats(); got.SuccessCount != 0 || !got.LastRunTime.IsZero() {
		t.Fatalf("fresh totals = %+v, want zero", got)
	}

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	seed(t, store, &remote.Reminder{ID: "c", Type: remote.TypeScheduled, Status: remote.StatusCompleted, ScheduledTime: future})
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got := svc.RunStats()
	if got.SuccessCount != 3 {
		t.Fatalf("SuccessCount = %d, want 3 across both passes", got.SuccessCount)
	}
	if got.FailureCount != 0 || got.LastError != "" {
		t.Fatalf("totals = %+v, want no failures", got)
	}
	if got.LastRunTime.IsZero() {
		t.Fatal("LastRunTime not recorded")
	}
}

func TestRunHandlesLargeBatches(t *testing.T) {
	store := remote.NewMemory()
	for i := 0; i < 120; i++ {
		seed(t, store, &remote.Reminder{
			ID:            idN("r", i),
			Type:          remote.TypeScheduled,
			Status:        remote.StatusCompleted,
			ScheduledTime: time.Now(),
		})
	}

	svc := New(Config{UserID: "u1", BatchSize: 50}, store, nil, nil, logx.Nop())
	stats, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Collected != 120 {
		t.Fatalf("collected = %d, want 120", stats.Collected)
	}
	left, _ := store.ListReminders(context.Background(), "u1")
	if len(left) != 0 {
		t.Fatalf("reminders left = %d, want 0", len(left))
	}
}

func TestConcurrentRunsDoNotOverlap(t *testing.T) {
	store := remote.NewMemory()
	for i := 0; i < 40; i++ {
		seed(t, store, &remote.Reminder{
			ID:            idN("r", i),
			Type:          remote.TypeScheduled,
			Status:        remote.StatusCompleted,
			ScheduledTime: time.Now(),
		})
	}

	svc := New(Config{UserID: "u1"}, store, nil, nil, logx.Nop())

	var busy atomic.Int32
	var wg sync.WaitGroup
	var totalCollected atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := svc.Run(context.Background())
			if errors.Is(err, ErrPassInProgress) {
				busy.Add(1)
				return
			}
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			totalCollected.Add(int64(stats.Collected))
		}()
	}
	wg.Wait()

	// Every reminder is collected exactly once across all passes.
	if got := totalCollected.Load(); got != 40 {
		t.Fatalf("total collected = %d, want 40", got)
	}
	left, _ := store.ListReminders(context.Background(), "u1")
	if len(left) != 0 {
		t.Fatalf("reminders left = %d, want 0", len(left))
	}
}

func idN(prefix string, n int) string {
	return prefix + "-" + string(rune('a'+n/26)) + string(rune('a'+n%26))
}
