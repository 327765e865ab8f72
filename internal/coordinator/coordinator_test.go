package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rayabelcode/touchbase/internal/alerts"
	"github.com/rayabelcode/touchbase/internal/connectivity"
	"github.com/rayabelcode/touchbase/internal/devstore"
	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/scheduling"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

type fixture struct {
	coord *Coordinator
	store *remote.MemoryStore
	sched *alerts.Fake
	kv    devstore.Store
	flag  *connectivity.Flag
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	store := remote.NewMemory()
	store.PutProfile(&remote.Profile{UserID: "u1", CloudNotificationsEnabled: true})

	kv, err := devstore.Open(devstore.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("devstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	engine, err := scheduling.NewEngine(scheduling.Config{Timezone: "UTC"}, store, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sched := alerts.NewFake()
	flag := connectivity.NewFlag(online)
	coord, err := New(Config{UserID: "u1", Timezone: "UTC"}, Deps{
		Store:  store,
		Alerts: sched,
		KV:     kv,
		Engine: engine,
		Probe:  flag,
		Log:    logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{coord: coord, store: store, sched: sched, kv: kv, flag: flag}
}

func reminderAt(id string, at time.Time) *remote.Reminder {
	return &remote.Reminder{
		ID: id, ContactID: "c-" + id, UserID: "u1",
		Type: remote.TypeScheduled, Status: remote.StatusPending, ScheduledTime: at,
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.coord.Initialize(ctx, "tok-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.coord.Initialize(ctx, "tok-1"); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	defer f.coord.Shutdown(ctx)

	prof, err := f.store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(prof.PushTokens) != 1 || prof.PushTokens[0] != "tok-1" {
		t.Fatalf("tokens = %v, want exactly one registration", prof.PushTokens)
	}
	if !f.coord.PermissionGranted() {
		t.Fatal("permission should be granted by the fake scheduler")
	}
}

func TestInitializeSurvivesDeniedPermission(t *testing.T) {
	f := newFixture(t, true)
	f.sched.Permission = false
	ctx := context.Background()
	if err := f.coord.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer f.coord.Shutdown(ctx)

	if f.coord.PermissionGranted() {
		t.Fatal("PermissionGranted = true, want false")
	}
}

func TestScheduleThenCancel(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	r := reminderAt("r1", time.Now().Add(time.Hour))
	if err := f.coord.ScheduleNotification(ctx, r, Options{}); err != nil {
		t.Fatalf("ScheduleNotification: %v", err)
	}
	if f.sched.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", f.sched.Pending())
	}

	if err := f.coord.CancelNotification(ctx, "r1"); err != nil {
		t.Fatalf("CancelNotification: %v", err)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", f.sched.Pending())
	}
	if f.sched.CancelCalls != 1 {
		t.Fatalf("cancel calls = %d, want 1", f.sched.CancelCalls)
	}
	f.coord.mu.Lock()
	_, tracked := f.coord.notifications["r1"]
	f.coord.mu.Unlock()
	if tracked {
		t.Fatal("record must be removed on cancel")
	}

	// Unknown IDs are a no-op, not an error.
	if err := f.coord.CancelNotification(ctx, "ghost"); err != nil {
		t.Fatalf("cancel of unknown id: %v", err)
	}
}

func TestReplaceCancelsPrior(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if err := f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{}); err != nil {
		t.Fatalf("schedule r1: %v", err)
	}
	if err := f.coord.ScheduleNotification(ctx, reminderAt("r2", time.Now().Add(2*time.Hour)), Options{ReplaceID: "r1"}); err != nil {
		t.Fatalf("schedule r2: %v", err)
	}

	if f.sched.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after replace", f.sched.Pending())
	}
	f.coord.mu.Lock()
	_, hasOld := f.coord.notifications["r1"]
	_, hasNew := f.coord.notifications["r2"]
	f.coord.mu.Unlock()
	if hasOld || !hasNew {
		t.Fatalf("map after replace: r1=%v r2=%v, want false/true", hasOld, hasNew)
	}
}

func TestOverdueReminderFiresNow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	before := time.Now()

	r := reminderAt("r1", time.Now().Add(-time.Hour))
	if err := f.coord.ScheduleNotification(ctx, r, Options{}); err != nil {
		t.Fatalf("ScheduleNotification: %v", err)
	}

	entries, _ := f.sched.Scheduled(ctx)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].FireAt.Before(before) {
		t.Fatalf("overdue reminder scheduled in the past: %v", entries[0].FireAt)
	}
}

func TestOfflineBufferingRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{}); err != nil {
		t.Fatalf("offline schedule: %v", err)
	}
	if f.sched.ScheduleCalls != 0 {
		t.Fatalf("device scheduler touched while offline: %d calls", f.sched.ScheduleCalls)
	}

	// Offline sync is a no-op.
	if err := f.coord.SyncPendingNotifications(ctx); err != nil {
		t.Fatalf("offline sync: %v", err)
	}
	if f.sched.ScheduleCalls != 0 {
		t.Fatal("offline sync must not schedule")
	}

	f.flag.Set(true)
	if err := f.coord.SyncPendingNotifications(ctx); err != nil {
		t.Fatalf("online sync: %v", err)
	}
	if f.sched.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after replay", f.sched.Pending())
	}

	// Replay drained the queue; a second sync schedules nothing new.
	if err := f.coord.SyncPendingNotifications(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if f.sched.ScheduleCalls != 1 {
		t.Fatalf("schedule calls = %d, want 1 (exactly-once replay)", f.sched.ScheduleCalls)
	}
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{}); err != nil {
		t.Fatalf("offline schedule: %v", err)
	}

	// A new coordinator over the same device store inherits the queue.
	engine, _ := scheduling.NewEngine(scheduling.Config{Timezone: "UTC"}, f.store, nil, logx.Nop())
	sched2 := alerts.NewFake()
	coord2, err := New(Config{UserID: "u1", Timezone: "UTC"}, Deps{
		Store: f.store, Alerts: sched2, KV: f.kv, Engine: engine,
		Probe: connectivity.NewFlag(true), Log: logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := coord2.loadState(ctx); err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if err := coord2.SyncPendingNotifications(ctx); err != nil {
		t.Fatalf("sync after restart: %v", err)
	}
	if sched2.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after restart replay", sched2.Pending())
	}
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sched.ScheduleErrs = []error{alerts.ErrPermissionDenied, alerts.ErrPermissionDenied, alerts.ErrPermissionDenied, alerts.ErrPermissionDenied}

	err := f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{})
	if !errors.Is(err, alerts.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if f.sched.ScheduleCalls != 1 {
		t.Fatalf("schedule calls = %d, want 1 (no retry on denial)", f.sched.ScheduleCalls)
	}

	// The intent is still recorded even though the device refused.
	f.coord.mu.Lock()
	_, tracked := f.coord.notifications["r1"]
	f.coord.mu.Unlock()
	if !tracked {
		t.Fatal("failed schedule must still be recorded in the map")
	}
}

func TestNoRetryOptionStopsAtFirstError(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sched.ScheduleErrs = []error{errors.New("busy")}

	err := f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{NoRetry: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.sched.ScheduleCalls != 1 {
		t.Fatalf("schedule calls = %d, want 1", f.sched.ScheduleCalls)
	}
}

func TestBadgeNeverNegative(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if err := f.coord.DecrementBadge(ctx); err != nil {
		t.Fatalf("DecrementBadge: %v", err)
	}
	if got := f.coord.Badge(); got != 0 {
		t.Fatalf("badge = %d, want 0", got)
	}

	f.coord.IncrementBadge(ctx)
	f.coord.IncrementBadge(ctx)
	f.coord.DecrementBadge(ctx)
	if got := f.coord.Badge(); got != 1 {
		t.Fatalf("badge = %d, want 1", got)
	}
	if got := f.sched.Badge(); got != 1 {
		t.Fatalf("device badge = %d, want mirror of 1", got)
	}
}

func TestPerformCleanupExpiresByTTL(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// Seed a remote document so the expiry is pushed through.
	old := time.Now().Add(-48 * time.Hour)
	f.store.CreateReminder(ctx, reminderAt("r-old", old))

	f.coord.mu.Lock()
	f.coord.notifications["r-old"] = &record{ReminderID: "r-old", Type: remote.TypeScheduled, FireAt: old}
	f.coord.notifications["r-fresh"] = &record{ReminderID: "r-fresh", Type: remote.TypeScheduled, FireAt: time.Now().Add(-time.Hour)}
	// Custom-date TTL is 72h; 48h old must survive.
	f.coord.notifications["r-custom"] = &record{ReminderID: "r-custom", Type: remote.TypeCustomDate, FireAt: old}
	f.coord.mu.Unlock()

	if err := f.coord.PerformCleanup(ctx); err != nil {
		t.Fatalf("PerformCleanup: %v", err)
	}

	f.coord.mu.Lock()
	_, hasOld := f.coord.notifications["r-old"]
	_, hasFresh := f.coord.notifications["r-fresh"]
	_, hasCustom := f.coord.notifications["r-custom"]
	last := f.coord.lastCleanup
	f.coord.mu.Unlock()
	if hasOld {
		t.Fatal("48h old scheduled record must expire (TTL 24h)")
	}
	if !hasFresh || !hasCustom {
		t.Fatal("records inside their TTL must survive")
	}
	if last.IsZero() {
		t.Fatal("lastCleanup must be recorded")
	}

	got, err := f.store.GetReminder(ctx, "r-old")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.Status != remote.StatusExpired {
		t.Fatalf("remote status = %s, want expired", got.Status)
	}
}

func TestProcessPendingOperationsExactlyOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.store.CreateReminder(ctx, reminderAt("r1", time.Now().Add(time.Hour)))

	if err := f.coord.DeferReminderUpdate(ctx, "r1", map[string]any{"notes": "first"}); err != nil {
		t.Fatalf("DeferReminderUpdate: %v", err)
	}

	f.flag.Set(true)
	if err := f.coord.ProcessPendingOperations(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, _ := f.store.GetReminder(ctx, "r1")
	if got.Notes != "first" {
		t.Fatalf("notes = %q, want %q", got.Notes, "first")
	}

	// Mutate remotely, then replay again: the processed op must not
	// overwrite the newer value.
	f.store.UpdateReminderFields(ctx, "r1", map[string]any{"notes": "second"})
	if err := f.coord.ProcessPendingOperations(ctx); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	got, _ = f.store.GetReminder(ctx, "r1")
	if got.Notes != "second" {
		t.Fatalf("notes = %q, processed op replayed twice", got.Notes)
	}
}

func TestClearAllAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.coord.ScheduleNotification(ctx, reminderAt("r1", time.Now().Add(time.Hour)), Options{})
	f.coord.IncrementBadge(ctx)
	f.flag.Set(false)
	f.coord.DeferReminderUpdate(ctx, "r1", map[string]any{"notes": "stale"})
	f.sched.CancelAllErr = errors.New("device busy")

	if err := f.coord.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v, want nil even when the device errors", err)
	}
	f.coord.mu.Lock()
	n := len(f.coord.notifications)
	ops := len(f.coord.pendingOps)
	badge := f.coord.badge
	f.coord.mu.Unlock()
	if n != 0 || ops != 0 || badge != 0 {
		t.Fatalf("state after ClearAll: %d records, %d pending ops, badge %d", n, ops, badge)
	}
}

func TestHandleSnoozeMovesAlert(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	orig := time.Now().Add(time.Hour)
	r := reminderAt("r1", orig)
	f.store.CreateReminder(ctx, r)
	f.coord.ScheduleNotification(ctx, r, Options{})

	if err := f.coord.HandleSnooze(ctx, "r1", scheduling.OptionTomorrow); err != nil {
		t.Fatalf("HandleSnooze: %v", err)
	}

	if f.sched.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 after snooze", f.sched.Pending())
	}
	entries, _ := f.sched.Scheduled(ctx)
	if !entries[0].FireAt.After(orig) {
		t.Fatalf("alert not moved: fires %v, original %v", entries[0].FireAt, orig)
	}

	got, _ := f.store.GetReminder(ctx, "r1")
	if got.Status != remote.StatusSnoozed || got.SnoozeCount != 1 {
		t.Fatalf("reminder %s/%d, want snoozed/1", got.Status, got.SnoozeCount)
	}
}

func TestHandleSnoozeSkipDropsAlert(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	r := reminderAt("r1", time.Now().Add(time.Hour))
	f.store.CreateReminder(ctx, r)
	f.coord.ScheduleNotification(ctx, r, Options{})

	if err := f.coord.HandleSnooze(ctx, "r1", scheduling.OptionSkip); err != nil {
		t.Fatalf("HandleSnooze: %v", err)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 after skip", f.sched.Pending())
	}
}

func TestOfflineSnoozeIsBufferedAndReplayed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.coord.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer f.coord.Shutdown(ctx)

	r := reminderAt("r1", time.Now().Add(2*time.Hour))
	f.store.CreateReminder(ctx, r)

	if err := f.coord.HandleSnooze(ctx, "r1", scheduling.OptionTomorrow); err != nil {
		t.Fatalf("HandleSnooze offline: %v", err)
	}

	// Offline the remote write is deferred, the document stays untouched.
	got, err := f.store.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.Status != remote.StatusPending || got.SnoozeCount != 0 {
		t.Fatalf("remote reminder %s/%d, want untouched pending/0", got.Status, got.SnoozeCount)
	}

	f.flag.Set(true)
	if err := f.coord.ProcessPendingOperations(ctx); err != nil {
		t.Fatalf("ProcessPendingOperations: %v", err)
	}
	got, _ = f.store.GetReminder(ctx, "r1")
	if got.Status != remote.StatusSnoozed || got.SnoozeCount != 1 {
		t.Fatalf("replayed reminder %s/%d, want snoozed/1", got.Status, got.SnoozeCount)
	}
}

type stubCleanupRunner struct {
	stats CleanupStats
}

func (r *stubCleanupRunner) Run(ctx context.Context) error { return nil }
func (r *stubCleanupRunner) Stats() CleanupStats           { return r.stats }

func TestGetCleanupStatsPassesThrough(t *testing.T) {
	f := newFixture(t, true)
	if got := f.coord.GetCleanupStats(); got != (CleanupStats{}) {
		t.Fatalf("stats without runner = %+v, want zero", got)
	}

	want := CleanupStats{
		LastRunTime:  time.Now(),
		SuccessCount: 7,
		FailureCount: 1,
		LastError:    "list reminders: connection reset",
	}
	f.coord.SetCleanupRunner(&stubCleanupRunner{stats: want})
	if got := f.coord.GetCleanupStats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestGetAvailableSnoozeOptions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := reminderAt("r1", time.Now().Add(time.Hour))
	r.SnoozeCount = 5
	f.store.CreateReminder(ctx, r)

	opts, err := f.coord.GetAvailableSnoozeOptions(ctx, "r1")
	if err != nil {
		t.Fatalf("GetAvailableSnoozeOptions: %v", err)
	}
	if len(opts) != 1 || opts[0] != scheduling.OptionSkip {
		t.Fatalf("options = %v, want [skip] at the attempt cap", opts)
	}
}
