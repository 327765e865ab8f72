package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rayabelcode/touchbase/internal/alerts"
	"github.com/rayabelcode/touchbase/internal/remote"
	"github.com/rayabelcode/touchbase/internal/retry"
	"github.com/rayabelcode/touchbase/internal/scheduling"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// scheduleBackoff is the fixed retry table for talking to the device
// scheduler.
var scheduleBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// record is one entry in the coordinator's notification map, the local
// source of truth for what is (or should be) scheduled on the device.
type record struct {
	ReminderID string              `json:"reminderId"`
	Handle     string              `json:"handle,omitempty"`
	Type       remote.ReminderType `json:"type"`
	FireAt     time.Time           `json:"fireAt,omitempty"`
	Queued     bool                `json:"queued,omitempty"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// queuedRequest is a schedule request buffered while offline.
type queuedRequest struct {
	Reminder remote.Reminder `json:"reminder"`
	Options  Options         `json:"options"`
	QueuedAt time.Time       `json:"queuedAt"`
}

// Options tunes a single ScheduleNotification call.
type Options struct {
	// ReplaceID cancels an existing notification before scheduling, used
	// when a snooze or edit moves a reminder.
	ReplaceID string `json:"replaceId,omitempty"`
	// NoRetry disables the retry table; the first scheduler error is
	// final.
	NoRetry bool `json:"noRetry,omitempty"`
}

// ScheduleNotification places a reminder on the device scheduler. Due or
// overdue reminders fire immediately. While offline the request is queued
// and replayed by SyncPendingNotifications. The notification map is
// updated even when the device scheduler fails, so state never silently
// diverges from intent.
func (c *Coordinator) ScheduleNotification(ctx context.Context, r *remote.Reminder, opts Options) error {
	if r == nil || r.ID == "" {
		return errors.New("coordinator: reminder with id required")
	}

	if opts.ReplaceID != "" && opts.ReplaceID != r.ID {
		if err := c.CancelNotification(ctx, opts.ReplaceID); err != nil {
			c.log.Warn("cancel replaced notification",
				logx.String("replace_id", opts.ReplaceID), logx.Err(err))
		}
	}

	if !c.online(ctx) {
		c.mu.Lock()
		c.pendingQueue = append(c.pendingQueue, queuedRequest{
			Reminder: *r,
			Options:  Options{NoRetry: opts.NoRetry},
			QueuedAt: c.now(),
		})
		c.notifications[r.ID] = &record{
			ReminderID: r.ID,
			Type:       r.Type,
			FireAt:     r.ScheduledTime,
			Queued:     true,
			UpdatedAt:  c.now(),
		}
		c.mu.Unlock()
		c.persistStateLogged(ctx)
		c.log.Info("offline, queued notification", logx.String("reminder_id", r.ID))
		return nil
	}

	// An existing alert for the same reminder is superseded.
	c.cancelHandleFor(ctx, r.ID)

	fireAt := r.ScheduledTime
	now := c.now()
	if fireAt.IsZero() || fireAt.Before(now) {
		fireAt = now
	}

	policy := retry.Policy{
		MaxAttempts: len(scheduleBackoff) + 1,
		Backoff:     scheduleBackoff,
		Retryable: func(err error) bool {
			return !errors.Is(err, alerts.ErrPermissionDenied)
		},
	}
	if opts.NoRetry {
		policy.MaxAttempts = 1
	}

	var handle string
	schedErr := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		handle, err = c.sched.Schedule(ctx, c.contentFor(r), fireAt)
		return err
	})

	c.mu.Lock()
	c.notifications[r.ID] = &record{
		ReminderID: r.ID,
		Handle:     handle,
		Type:       r.Type,
		FireAt:     fireAt,
		UpdatedAt:  c.now(),
	}
	c.mu.Unlock()
	c.persistStateLogged(ctx)

	if schedErr != nil {
		return fmt.Errorf("coordinator: schedule %s: %w", r.ID, schedErr)
	}

	if c.pusher != nil && fireAt.After(now) {
		content := c.contentFor(r)
		if err := c.pusher.Send(ctx, c.cfg.UserID, content.Title, content.Body, content.Data); err != nil {
			c.log.Debug("push delivery skipped", logx.String("reminder_id", r.ID), logx.Err(err))
		}
	}

	c.log.Info("notification scheduled",
		logx.String("reminder_id", r.ID),
		logx.Time("fire_at", fireAt))
	return nil
}

// CancelNotification drops a reminder's alert and map entry. Unknown IDs
// are a no-op.
func (c *Coordinator) CancelNotification(ctx context.Context, reminderID string) error {
	c.cancelHandleFor(ctx, reminderID)

	c.mu.Lock()
	_, had := c.notifications[reminderID]
	delete(c.notifications, reminderID)
	// Drop any queued request for the same reminder.
	kept := c.pendingQueue[:0]
	for _, q := range c.pendingQueue {
		if q.Reminder.ID != reminderID {
			kept = append(kept, q)
		}
	}
	c.pendingQueue = kept
	c.mu.Unlock()

	if had {
		c.persistStateLogged(ctx)
		c.log.Info("notification cancelled", logx.String("reminder_id", reminderID))
	}
	return nil
}

func (c *Coordinator) cancelHandleFor(ctx context.Context, reminderID string) {
	c.mu.Lock()
	rec := c.notifications[reminderID]
	var handle string
	if rec != nil {
		handle = rec.Handle
	}
	c.mu.Unlock()
	if handle == "" {
		return
	}
	if err := c.sched.Cancel(ctx, handle); err != nil && !errors.Is(err, alerts.ErrNotFound) {
		c.log.Warn("cancel alert", logx.String("reminder_id", reminderID), logx.Err(err))
	}
}

// SyncPendingNotifications replays requests queued while offline. Each
// queued item is taken off the queue exactly once; re-queueing only
// happens through the normal offline path.
func (c *Coordinator) SyncPendingNotifications(ctx context.Context) error {
	if !c.online(ctx) {
		return nil
	}

	c.mu.Lock()
	queue := c.pendingQueue
	c.pendingQueue = nil
	c.mu.Unlock()
	if len(queue) == 0 {
		return nil
	}
	c.persistStateLogged(ctx)

	var errs []error
	for _, q := range queue {
		r := q.Reminder
		if err := c.ScheduleNotification(ctx, &r, q.Options); err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", r.ID, err))
		}
	}
	c.log.Info("pending notifications synced",
		logx.Int("count", len(queue)), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// PerformCleanup expires notification records past their type's TTL,
// purges old processed operations, and kicks the remote collector. The
// cleanup timestamp is persisted so foreground transitions can skip
// redundant passes.
func (c *Coordinator) PerformCleanup(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	var expired []*record
	for id, rec := range c.notifications {
		if rec.FireAt.IsZero() || now.Sub(rec.FireAt) <= c.ttlFor(rec.Type) {
			continue
		}
		expired = append(expired, rec)
		delete(c.notifications, id)
	}

	kept := c.pendingOps[:0]
	for _, op := range c.pendingOps {
		if op.Processed && now.Sub(op.ProcessedAt) > c.cfg.OperationRetention {
			continue
		}
		kept = append(kept, op)
	}
	c.pendingOps = kept
	c.lastCleanup = now
	c.mu.Unlock()

	for _, rec := range expired {
		if rec.Handle != "" {
			if err := c.sched.Cancel(ctx, rec.Handle); err != nil && !errors.Is(err, alerts.ErrNotFound) {
				c.log.Warn("cancel expired alert", logx.String("reminder_id", rec.ReminderID), logx.Err(err))
			}
		}
		c.markExpired(ctx, rec.ReminderID)
	}

	c.persistStateLogged(ctx)

	if c.runner != nil {
		if err := c.runner.Run(ctx); err != nil {
			c.log.Warn("remote cleanup", logx.Err(err))
		}
	}

	c.log.Info("cleanup performed", logx.Int("expired", len(expired)))
	return nil
}

// markExpired pushes the expired status to the remote store, or queues the
// write when offline.
func (c *Coordinator) markExpired(ctx context.Context, reminderID string) {
	fields := map[string]any{"status": remote.StatusExpired}
	if !c.online(ctx) {
		c.enqueueOp(ctx, opUpdateReminder, reminderID, fields)
		return
	}
	if err := c.store.UpdateReminderFields(ctx, reminderID, fields); err != nil && !errors.Is(err, remote.ErrNotFound) {
		c.log.Warn("mark reminder expired", logx.String("reminder_id", reminderID), logx.Err(err))
	}
}

func (c *Coordinator) ttlFor(t remote.ReminderType) time.Duration {
	switch t {
	case remote.TypeFollowUp:
		return c.cfg.FollowUpTTL
	case remote.TypeCustomDate:
		return c.cfg.CustomDateTTL
	default:
		return c.cfg.ScheduledTTL
	}
}

// ClearAll wipes every scheduled alert, queued request, and the badge.
// Always reports success; a partial clear is still a clear from the user's
// point of view.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	if err := c.sched.CancelAll(ctx); err != nil {
		c.log.Warn("cancel all alerts", logx.Err(err))
	}

	c.mu.Lock()
	c.notifications = make(map[string]*record)
	c.pendingQueue = nil
	c.pendingOps = nil
	c.badge = 0
	c.mu.Unlock()

	if err := c.sched.SetBadge(ctx, 0); err != nil {
		c.log.Warn("reset badge", logx.Err(err))
	}
	c.persistStateLogged(ctx)
	c.log.Info("cleared all notifications")
	return nil
}

// GetAvailableSnoozeOptions returns the snooze menu for a reminder.
func (c *Coordinator) GetAvailableSnoozeOptions(ctx context.Context, reminderID string) ([]scheduling.Option, error) {
	r, err := c.store.GetReminder(ctx, reminderID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load reminder: %w", err)
	}
	prefs, err := c.store.GetPrefs(ctx, r.ContactID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("coordinator: load prefs: %w", err)
	}
	return c.engine.AvailableOptions(r, prefs), nil
}

// HandleSnooze applies a snooze choice and moves the local alert to the
// resolved time. Skip settles the reminder and drops its alert.
func (c *Coordinator) HandleSnooze(ctx context.Context, reminderID string, opt scheduling.Option) error {
	res, err := c.engine.HandleSnooze(ctx, reminderID, opt)
	if err != nil {
		return err
	}
	if res.Terminal {
		return c.CancelNotification(ctx, reminderID)
	}
	return c.ScheduleNotification(ctx, res.Reminder, Options{ReplaceID: reminderID})
}

func (c *Coordinator) contentFor(r *remote.Reminder) alerts.Content {
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
			"category":   categorySnooze,
		},
	}
}
