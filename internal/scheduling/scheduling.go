// Package scheduling picks fire times: open-slot search against per-contact
// preferences, and snooze resolution driven by hour-of-day completion
// analytics. It writes reminder and preference updates to the remote store
// but never touches the device scheduler, that stays with the coordinator.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rayabelcode/touchbase/internal/eventbus"
	"github.com/rayabelcode/touchbase/internal/remote"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// Option is one user-facing snooze choice.
type Option string

const (
	OptionLaterToday Option = "later_today"
	OptionTomorrow   Option = "tomorrow"
	OptionNextWeek   Option = "next_week"
	OptionSkip       Option = "skip"
)

var (
	// ErrOptionUnavailable means the requested option is not offered for
	// the reminder's current snooze state.
	ErrOptionUnavailable = errors.New("scheduling: snooze option not available")
	// ErrReminderSettled means the reminder already reached a terminal
	// status and cannot be snoozed.
	ErrReminderSettled = errors.New("scheduling: reminder already settled")
)

type Config struct {
	MaxSnoozeAttempts int
	LookaheadDays     int
	Timezone          string
}

type Engine struct {
	store remote.Store
	bus   eventbus.Bus
	log   logx.Logger

	loc           *time.Location
	maxSnooze     int
	lookaheadDays int

	now func() time.Time

	// writeReminder applies reminder field updates. The coordinator
	// installs its offline-deferring writer here; nil writes straight to
	// the store.
	writeReminder ReminderWriter

	rngMu sync.Mutex
	rng   *rand.Rand
}

// ReminderWriter applies a field update to a remote reminder.
type ReminderWriter func(ctx context.Context, reminderID string, fields map[string]any) error

func NewEngine(cfg Config, store remote.Store, bus eventbus.Bus, log logx.Logger) (*Engine, error) {
	if cfg.MaxSnoozeAttempts <= 0 {
		cfg.MaxSnoozeAttempts = 5
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 30
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduling: load timezone %q: %w", cfg.Timezone, err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:         store,
		bus:           bus,
		log:           log,
		loc:           loc,
		maxSnooze:     cfg.MaxSnoozeAttempts,
		lookaheadDays: cfg.LookaheadDays,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetReminderWriter redirects the engine's reminder writes, so a snooze
// taken offline can be buffered and replayed instead of failing. Install
// before serving snoozes.
func (e *Engine) SetReminderWriter(w ReminderWriter) { e.writeReminder = w }

func (e *Engine) updateReminder(ctx context.Context, reminderID string, fields map[string]any) error {
	if e.writeReminder != nil {
		return e.writeReminder(ctx, reminderID, fields)
	}
	return e.store.UpdateReminderFields(ctx, reminderID, fields)
}

func (e *Engine) randIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// AvailableOptions narrows the snooze menu for a reminder. Exhausted
// reminders (at the attempt cap) only get skip; daily-frequency contacts
// get one later_today and then only skip, pushing a daily reminder a full
// day just collides with the next one.
func (e *Engine) AvailableOptions(r *remote.Reminder, prefs *remote.SchedulingPrefs) []Option {
	if r.SnoozeCount >= e.maxSnooze {
		return []Option{OptionSkip}
	}
	if prefs != nil && prefs.Frequency == remote.FrequencyDaily {
		if r.SnoozeCount >= 1 {
			return []Option{OptionSkip}
		}
		return []Option{OptionLaterToday, OptionSkip}
	}
	return []Option{OptionLaterToday, OptionTomorrow, OptionNextWeek, OptionSkip}
}

// Result is what a successful snooze resolves to.
type Result struct {
	Option   Option
	FireAt   time.Time // zero for skip
	Terminal bool      // true when the reminder was settled (skip)
	Reminder *remote.Reminder
}

// HandleSnooze applies one snooze choice: it validates the option against
// the current menu, resolves a candidate fire time, fits it to the
// contact's constraints through the slot search, records the event on the
// reminder and the contact's preferences, and publishes reminder.snoozed.
// The caller owns rescheduling the local alert.
func (e *Engine) HandleSnooze(ctx context.Context, reminderID string, opt Option) (*Result, error) {
	r, err := e.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: load reminder: %w", err)
	}
	if r.Status.Terminal() {
		return nil, ErrReminderSettled
	}

	prefs, err := e.store.GetPrefs(ctx, r.ContactID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("scheduling: load prefs: %w", err)
	}

	allowed := false
	for _, o := range e.AvailableOptions(r, prefs) {
		if o == opt {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s (snoozes=%d)", ErrOptionUnavailable, opt, r.SnoozeCount)
	}

	now := e.now().In(e.loc)

	if opt == OptionSkip {
		fields := map[string]any{
			"status":     remote.StatusSkipped,
			"customDate": nil,
		}
		if err := e.updateReminder(ctx, r.ID, fields); err != nil {
			return nil, fmt.Errorf("scheduling: settle skip: %w", err)
		}
		r.Status = remote.StatusSkipped
		r.CustomDate = nil
		e.publishSnoozed(r, opt, time.Time{})
		return &Result{Option: opt, Terminal: true, Reminder: r}, nil
	}

	candidate, err := e.resolveOption(ctx, r, opt, now)
	if err != nil {
		return nil, err
	}

	// The resolved time is a wish; the slot search makes it fit the
	// contact's constraints (active hours, preferred days, exclusions,
	// spacing). Exhaustion surfaces as *SlotsFilledError.
	slotPrefs := prefs
	if slotPrefs == nil {
		slotPrefs = &remote.SchedulingPrefs{ContactID: r.ContactID}
	}
	fireAt, err := e.FindAvailableTimeSlot(ctx, r.UserID, slotPrefs, candidate)
	if err != nil {
		return nil, err
	}

	history := append(append([]remote.SnoozeEvent(nil), r.SnoozeHistory...), remote.SnoozeEvent{
		From:   r.ScheduledTime,
		To:     fireAt,
		Reason: string(opt),
		Count:  r.SnoozeCount + 1,
	})
	fields := map[string]any{
		"status":        remote.StatusSnoozed,
		"scheduledTime": fireAt,
		"snoozeCount":   r.SnoozeCount + 1,
		"snoozeHistory": history,
	}
	if err := e.updateReminder(ctx, r.ID, fields); err != nil {
		return nil, fmt.Errorf("scheduling: record snooze: %w", err)
	}
	if err := e.store.UpdatePrefs(ctx, r.ContactID, map[string]any{"lastSnoozedAt": now}); err != nil {
		e.log.Warn("update prefs after snooze", logx.String("contact_id", r.ContactID), logx.Err(err))
	}

	r.Status = remote.StatusSnoozed
	r.ScheduledTime = fireAt
	r.SnoozeCount++
	r.SnoozeHistory = history
	e.publishSnoozed(r, opt, fireAt)

	e.log.Info("reminder snoozed",
		logx.String("reminder_id", r.ID),
		logx.String("option", string(opt)),
		logx.Time("fire_at", fireAt),
		logx.Int("snooze_count", r.SnoozeCount))
	return &Result{Option: opt, FireAt: fireAt, Reminder: r}, nil
}

func (e *Engine) publishSnoozed(r *remote.Reminder, opt Option, fireAt time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TopicReminderSnoozed,
		Data: map[string]any{
			"reminderId": r.ID,
			"option":     string(opt),
			"fireAt":     fireAt,
		},
	})
}

// resolveOption turns an option into a concrete fire instant in the user's
// timezone.
//
// later_today depends on how late it already is: after 20:00 there is only
// the tail of the evening left (+20..40m), 17:00-20:00 gets +1..2h, and
// earlier in the day +3..5h.
//
// tomorrow and next_week land on now+1d / now+7d. If the contact's history
// shows a reliable completion hour the slot is drawn from a +/-3h window
// around it, otherwise the original hour-of-day is kept.
func (e *Engine) resolveOption(ctx context.Context, r *remote.Reminder, opt Option, now time.Time) (time.Time, error) {
	switch opt {
	case OptionLaterToday:
		var d time.Duration
		switch h := now.Hour(); {
		case h >= 20:
			d = time.Duration(20+e.randIntn(21)) * time.Minute
		case h >= 17:
			d = time.Hour + time.Duration(e.randIntn(61))*time.Minute
		default:
			d = 3*time.Hour + time.Duration(e.randIntn(121))*time.Minute
		}
		return now.Add(d), nil

	case OptionTomorrow, OptionNextWeek:
		days := 1
		if opt == OptionNextWeek {
			days = 7
		}
		target := now.AddDate(0, 0, days)
		if hour, ok := e.optimalHour(ctx, r.ContactID, e.loc); ok {
			lo, hi := hour-3, hour+3
			if lo < 0 {
				lo = 0
			}
			if hi > 23 {
				hi = 23
			}
			h := lo + e.randIntn(hi-lo+1)
			y, m, d := target.Date()
			return time.Date(y, m, d, h, e.randIntn(60), 0, 0, e.loc), nil
		}
		return target, nil

	default:
		return time.Time{}, fmt.Errorf("%w: %s", ErrOptionUnavailable, opt)
	}
}
