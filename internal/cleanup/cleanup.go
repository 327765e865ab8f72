// Package cleanup collects settled reminders: it decides which remote
// documents are done, preserves their notes as contact history, deletes
// them, and drops the matching device alerts. Passes run in bounded
// concurrent batches and retry as a whole on failure.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rayabelcode/touchbase/internal/eventbus"
	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/retry"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// ErrPassInProgress means another cleanup pass holds the run lock. Passes
// never overlap so no reminder is collected twice.
var ErrPassInProgress = errors.New("cleanup: pass already in progress")

// Canceller removes the device alert for a reminder. The coordinator
// implements this.
type Canceller interface {
	CancelNotification(ctx context.Context, reminderID string) error
}

type Config struct {
	UserID     string
	BatchSize  int
	PassRetry  int           // full-pass retries on error
	RetryDelay time.Duration // base of the linear retry schedule
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PassRetry <= 0 {
		c.PassRetry = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Stats summarizes one cleanup pass.
type Stats struct {
	Scanned   int
	Collected int
	History   int
	Skipped   int
	Errors    int
	Took      time.Duration
}

// RunStats are lifetime counters across every pass, reset only when the
// process restarts.
type RunStats struct {
	LastRunTime  time.Time
	SuccessCount int
	FailureCount int
	LastError    string
}

type Service struct {
	cfg       Config
	store     remote.Store
	canceller Canceller
	bus       eventbus.Bus
	log       logx.Logger

	now     func() time.Time
	running atomic.Bool

	totalsMu sync.Mutex
	totals   RunStats
}

func New(cfg Config, store remote.Store, canceller Canceller, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		canceller: canceller,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// RunStats reports the accumulated counters.
func (s *Service) RunStats() RunStats {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()
	return s.totals
}

// ShouldCleanup decides whether a reminder is done and collectable.
//
// Follow-ups are collected once the user engaged: notes were added or the
// reminder completed. Timed reminders are collected when settled, or when
// they carry no fire time at all (a document that can never fire). A live
// timed reminder is left alone.
func ShouldCleanup(r *remote.Reminder) (bool, string) {
	switch r.Type {
	case remote.TypeFollowUp:
		if r.NotesAdded || r.Status == remote.StatusCompleted {
			return true, "follow-up engaged"
		}
		return false, ""
	case remote.TypeScheduled, remote.TypeCustomDate:
		if r.Status.Terminal() {
			return true, "settled"
		}
		if r.ScheduledTime.IsZero() && r.CustomDate == nil {
			return true, "no fire time"
		}
		return false, ""
	default:
		// Unknown type cannot be acted on, collect it.
		return true, "unknown type"
	}
}

// Run executes one cleanup pass, retrying the whole pass on failure with a
// linear backoff. Only one pass runs at a time; a second caller gets
// ErrPassInProgress instead of double-collecting.
func (s *Service) Run(ctx context.Context) (Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Stats{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	d := s.cfg.RetryDelay
	policy := retry.Policy{
		MaxAttempts: s.cfg.PassRetry,
		Backoff:     []time.Duration{d, 2 * d, 3 * d},
	}

	var stats Stats
	start := s.now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		var passErr error
		stats, passErr = s.pass(ctx)
		return passErr
	})
	stats.Took = s.now().Sub(start)

	s.totalsMu.Lock()
	s.totals.LastRunTime = s.now()
	s.totals.SuccessCount += stats.Collected
	s.totals.FailureCount += stats.Errors
	if err != nil {
		s.totals.LastError = err.Error()
	}
	s.totalsMu.Unlock()

	if s.bus != nil && err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicCleanupFinished, Data: stats})
	}
	if err != nil {
		return stats, err
	}
	s.log.Info("cleanup pass done",
		logx.Int("scanned", stats.Scanned),
		logx.Int("collected", stats.Collected),
		logx.Int("history", stats.History),
		logx.Duration("took", stats.Took))
	return stats, nil
}

func (s *Service) pass(ctx context.Context) (Stats, error) {
	reminders, err := s.store.ListReminders(ctx, s.cfg.UserID)
	if err != nil {
		return Stats{}, fmt.Errorf("cleanup: list reminders: %w", err)
	}

	stats := Stats{Scanned: len(reminders)}

	var due []*remote.Reminder
	for _, r := range reminders {
		ok, reason := ShouldCleanup(r)
		if !ok {
			stats.Skipped++
			continue
		}
		s.log.Debug("collecting reminder",
			logx.String("reminder_id", r.ID), logx.String("reason", reason))
		due = append(due, r)
	}

	var collected, history, errCount atomic.Int64
	for start := 0; start < len(due); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(due) {
			end = len(due)
		}
		var wg sync.WaitGroup
		for _, r := range due[start:end] {
			wg.Add(1)
			go func(r *remote.Reminder) {
				defer wg.Done()
				appended, err := s.collectOne(ctx, r)
				if err != nil {
					s.log.Warn("collect reminder", logx.String("reminder_id", r.ID), logx.Err(err))
					errCount.Add(1)
					return
				}
				collected.Add(1)
				if appended {
					history.Add(1)
				}
			}(r)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}

	stats.Collected = int(collected.Load())
	stats.History = int(history.Load())
	stats.Errors = int(errCount.Load())
	if stats.Errors > 0 {
		return stats, fmt.Errorf("cleanup: %d of %d collections failed", stats.Errors, len(due))
	}
	return stats, nil
}

// collectOne archives, deletes, and de-schedules a single reminder.
// History comes first so notes survive even if the delete is retried.
func (s *Service) collectOne(ctx context.Context, r *remote.Reminder) (appended bool, err error) {
	if r.Notes != "" || r.Status == remote.StatusCompleted {
		entry := remote.HistoryEntry{
			ContactID: r.ContactID,
			At:        s.now().UTC(),
			Notes:     r.Notes,
			Completed: r.Status == remote.StatusCompleted,
		}
		if err := s.store.AppendContactHistory(ctx, entry); err != nil {
			return false, fmt.Errorf("append history: %w", err)
		}
		appended = true
	}

	if err := s.store.DeleteReminder(ctx, r.ID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return appended, fmt.Errorf("delete remote: %w", err)
	}

	if s.canceller != nil {
		if err := s.canceller.CancelNotification(ctx, r.ID); err != nil {
			return appended, fmt.Errorf("cancel local: %w", err)
		}
	}
	return appended, nil
}
