// Package remindersync keeps the device's scheduled alerts in lockstep with
// the remote reminder store. It watches the change feed while online, falls
// back to periodic full refreshes, and records a dirty marker so a sync
// missed offline is replayed on reconnect.
package remindersync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rayabelcode/touchbase/internal/alerts"
	"github.com/rayabelcode/touchbase/internal/devstore"
	"github.com/rayabelcode/touchbase/internal/eventbus"
	"github.com/rayabelcode/touchbase/internal/remote"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// dirtyKey marks that the last sync attempt failed and a refresh is owed.
const dirtyKey = "sync.dirty"

// customDateHour is the local hour a date-only reminder fires at.
const customDateHour = 9

type Config struct {
	UserID       string
	Timezone     string
	SyncInterval time.Duration
}

// Probe is the point-in-time connectivity check the syncer consults before
// touching the remote store.
type Probe interface {
	Online(ctx context.Context) bool
}

type Syncer struct {
	cfg   Config
	store remote.Store
	sched alerts.Scheduler
	kv    devstore.Store
	probe Probe
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	loc     *time.Location
	handles map[string]string // reminder ID -> alert handle

	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, store remote.Store, sched alerts.Scheduler, kv devstore.Store, probe Probe, bus eventbus.Bus, log logx.Logger) (*Syncer, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("remindersync: load timezone %q: %w", cfg.Timezone, err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Syncer{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		kv:      kv,
		probe:   probe,
		bus:     bus,
		log:     log,
		loc:     loc,
		handles: make(map[string]string),
		now:     time.Now,
	}, nil
}

// Start restores tracked handles from the device scheduler, runs an
// initial refresh, and launches the watch loop. Stop with Stop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if err := s.adoptScheduled(ctx); err != nil {
		return err
	}
	if s.online(ctx) {
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("initial refresh", logx.Err(err))
		}
	} else {
		s.markDirty(ctx)
	}

	s.wg.Add(1)
	go s.run(ctx, stopCh)
	return nil
}

func (s *Syncer) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
	}
}

func (s *Syncer) online(ctx context.Context) bool {
	if s.probe == nil {
		return true
	}
	return s.probe.Online(ctx)
}

// adoptScheduled rebuilds the reminder->handle map from what the device
// scheduler already has, so a restart neither duplicates nor orphans
// alerts.
func (s *Syncer) adoptScheduled(ctx context.Context) error {
	entries, err := s.sched.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("remindersync: enumerate scheduled alerts: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		id := e.Content.Data["reminderId"]
		if id == "" {
			continue
		}
		if prior, ok := s.handles[id]; ok {
			// Duplicate alert for the same reminder, drop the older one.
			if err := s.sched.Cancel(ctx, prior); err != nil {
				s.log.Warn("cancel duplicate alert", logx.String("handle", prior), logx.Err(err))
			}
		}
		s.handles[id] = e.Handle
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	var busCh <-chan eventbus.Event
	var busCancel func()
	if s.bus != nil {
		busCh, busCancel = s.bus.Subscribe(16)
		defer busCancel()
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	var watchCh <-chan remote.Change
	var watchCancel func()
	startWatch := func() {
		if watchCancel != nil {
			return
		}
		ch, cancel, err := s.store.Watch(ctx, s.cfg.UserID, remote.StatusPending, remote.StatusSnoozed)
		if err != nil {
			s.log.Warn("watch reminders", logx.Err(err))
			return
		}
		watchCh, watchCancel = ch, cancel
	}
	if s.online(ctx) {
		startWatch()
	}
	defer func() {
		if watchCancel != nil {
			watchCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return

		case ch, ok := <-watchCh:
			if !ok {
				watchCh, watchCancel = nil, nil
				continue
			}
			if err := s.applyChange(ctx, ch); err != nil {
				s.log.Warn("apply change", logx.String("reminder_id", ch.ID), logx.Err(err))
				s.markDirty(ctx)
			}

		case <-ticker.C:
			s.refreshIfOnline(ctx)

		case ev, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			if ev.Type == eventbus.TopicConnectivityOnline {
				startWatch()
				// Refresh only when a pass was missed or failed; the
				// restarted watch covers everything that changed while
				// the feed is healthy.
				if s.Dirty(ctx) {
					s.refreshIfOnline(ctx)
				}
			}
		}
	}
}

func (s *Syncer) refreshIfOnline(ctx context.Context) {
	if !s.online(ctx) {
		s.markDirty(ctx)
		return
	}
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("refresh", logx.Err(err))
		s.markDirty(ctx)
	}
}

// Dirty reports whether a sync is owed from an offline or failed pass.
func (s *Syncer) Dirty(ctx context.Context) bool {
	if s.kv == nil {
		return false
	}
	_, ok, err := s.kv.Get(ctx, dirtyKey)
	return err == nil && ok
}

func (s *Syncer) markDirty(ctx context.Context) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Put(ctx, dirtyKey, strconv.FormatInt(s.now().Unix(), 10)); err != nil {
		s.log.Warn("mark sync dirty", logx.Err(err))
	}
}

func (s *Syncer) clearDirty(ctx context.Context) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Delete(ctx, dirtyKey); err != nil {
		s.log.Warn("clear sync dirty", logx.Err(err))
	}
}

// Refresh reconciles the device scheduler against the remote store in one
// pass: list live reminders, schedule what is missing, cancel what no
// longer applies. Safe to call at any time.
func (s *Syncer) Refresh(ctx context.Context) error {
	reminders, err := s.store.ListReminders(ctx, s.cfg.UserID, remote.StatusPending, remote.StatusSnoozed)
	if err != nil {
		return fmt.Errorf("remindersync: list reminders: %w", err)
	}

	cloudEnabled := true
	if prof, err := s.store.GetProfile(ctx, s.cfg.UserID); err == nil {
		cloudEnabled = prof.CloudNotificationsEnabled
	}

	live := make(map[string]*remote.Reminder, len(reminders))
	for _, r := range reminders {
		live[r.ID] = r
	}

	s.mu.Lock()
	tracked := make(map[string]string, len(s.handles))
	for id, h := range s.handles {
		tracked[id] = h
	}
	s.mu.Unlock()

	// Drop alerts whose reminders are gone or settled.
	for id, h := range tracked {
		if _, ok := live[id]; ok {
			continue
		}
		if err := s.sched.Cancel(ctx, h); err != nil {
			s.log.Warn("cancel stale alert", logx.String("reminder_id", id), logx.Err(err))
		}
		s.forget(id)
	}

	for _, r := range reminders {
		if err := s.reconcile(ctx, r, cloudEnabled); err != nil {
			return err
		}
	}

	s.clearDirty(ctx)
	s.log.Debug("sync refresh done", logx.Int("reminders", len(reminders)))
	return nil
}

func (s *Syncer) applyChange(ctx context.Context, ch remote.Change) error {
	switch ch.Kind {
	case remote.ChangeRemoved:
		s.cancelFor(ctx, ch.ID)
		return nil
	case remote.ChangeAdded, remote.ChangeModified:
		if ch.Reminder == nil {
			return nil
		}
		cloudEnabled := true
		if prof, err := s.store.GetProfile(ctx, s.cfg.UserID); err == nil {
			cloudEnabled = prof.CloudNotificationsEnabled
		}
		return s.reconcile(ctx, ch.Reminder, cloudEnabled)
	default:
		return nil
	}
}

// reconcile brings the device scheduler in line with one reminder.
func (s *Syncer) reconcile(ctx context.Context, r *remote.Reminder, cloudEnabled bool) error {
	// Opt-out silences cloud-driven reminders; follow-ups are device-local
	// and keep firing.
	if !cloudEnabled && r.Type != remote.TypeFollowUp {
		s.cancelFor(ctx, r.ID)
		return nil
	}
	if r.Status.Terminal() {
		s.cancelFor(ctx, r.ID)
		return nil
	}

	fireAt := s.fireTime(r)
	if fireAt.IsZero() || !fireAt.After(s.now()) {
		// Untimed or already due: nothing for the scheduler to hold.
		s.cancelFor(ctx, r.ID)
		return nil
	}

	s.cancelFor(ctx, r.ID)
	handle, err := s.sched.Schedule(ctx, contentFor(r), fireAt)
	if err != nil {
		return fmt.Errorf("remindersync: schedule alert for %s: %w", r.ID, err)
	}
	s.mu.Lock()
	s.handles[r.ID] = handle
	s.mu.Unlock()
	return nil
}

func (s *Syncer) cancelFor(ctx context.Context, reminderID string) {
	s.mu.Lock()
	h, ok := s.handles[reminderID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.sched.Cancel(ctx, h); err != nil {
		s.log.Warn("cancel alert", logx.String("reminder_id", reminderID), logx.Err(err))
	}
	s.forget(reminderID)
}

func (s *Syncer) forget(reminderID string) {
	s.mu.Lock()
	delete(s.handles, reminderID)
	s.mu.Unlock()
}

// fireTime resolves when a reminder should fire, in the user's timezone.
// Date-only reminders fire at a fixed morning hour.
func (s *Syncer) fireTime(r *remote.Reminder) time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if !r.ScheduledTime.IsZero() {
		return r.ScheduledTime.In(loc)
	}
	if r.CustomDate != nil {
		y, m, d := r.CustomDate.In(loc).Date()
		return time.Date(y, m, d, customDateHour, 0, 0, 0, loc)
	}
	return time.Time{}
}

// Location reports the zone fire times are currently resolved in.
func (s *Syncer) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// ApplyTimezone reschedules every tracked alert so it keeps its wall-clock
// time in the new zone. Reminders travel with the user, a 9am nudge stays
// a 9am nudge.
func (s *Syncer) ApplyTimezone(ctx context.Context, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("remindersync: load timezone %q: %w", tz, err)
	}

	entries, err := s.sched.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("remindersync: enumerate scheduled alerts: %w", err)
	}

	s.mu.Lock()
	old := s.loc
	s.loc = loc
	s.mu.Unlock()
	if old.String() == loc.String() {
		return nil
	}

	for _, e := range entries {
		id := e.Content.Data["reminderId"]
		if id == "" {
			continue
		}
		local := e.FireAt.In(old)
		y, m, d := local.Date()
		hh, mm, ss := local.Clock()
		moved := time.Date(y, m, d, hh, mm, ss, 0, loc)
		if moved.Equal(e.FireAt) || !moved.After(s.now()) {
			continue
		}
		if err := s.sched.Cancel(ctx, e.Handle); err != nil {
			s.log.Warn("cancel for timezone move", logx.String("reminder_id", id), logx.Err(err))
			continue
		}
		handle, err := s.sched.Schedule(ctx, e.Content, moved)
		if err != nil {
			return fmt.Errorf("remindersync: reschedule %s after timezone change: %w", id, err)
		}
		s.mu.Lock()
		s.handles[id] = handle
		s.mu.Unlock()
	}
	s.log.Info("timezone applied", logx.String("tz", tz))
	return nil
}

func contentFor(r *remote.Reminder) alerts.Content {
	title := "Time to reach out"
	if r.Type == remote.TypeFollowUp {
		title = "Follow up"
	}
	body := r.Notes
	if body == "" {
		body = "You have a reminder waiting."
	}
	return alerts.Content{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"reminderId": r.ID,
			"contactId":  r.ContactID,
			"type":       string(r.Type),
		},
	}
}
