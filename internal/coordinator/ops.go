package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rayabelcode/touchbase/internal/remote"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// Operation kinds replayed against the remote store.
const (
	opUpdateReminder = "update_reminder"
	opDeleteReminder = "delete_reminder"
)

// operation is one remote write deferred while offline. Processed
// operations are kept for a retention window, then purged by cleanup.
type operation struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	ReminderID  string         `json:"reminderId"`
	Fields      map[string]any `json:"fields,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	Processed   bool           `json:"processed,omitempty"`
	ProcessedAt time.Time      `json:"processedAt,omitempty"`
}

// enqueueOp buffers a remote write for later replay.
func (c *Coordinator) enqueueOp(ctx context.Context, kind, reminderID string, fields map[string]any) {
	op := operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		ReminderID: reminderID,
		Fields:     fields,
		CreatedAt:  c.now(),
	}
	c.mu.Lock()
	c.pendingOps = append(c.pendingOps, op)
	c.mu.Unlock()
	c.persistStateLogged(ctx)
	c.log.Info("queued offline operation",
		logx.String("kind", kind), logx.String("reminder_id", reminderID))
}

// DeferReminderUpdate queues (or applies, when online) a field update on a
// remote reminder.
func (c *Coordinator) DeferReminderUpdate(ctx context.Context, reminderID string, fields map[string]any) error {
	if c.online(ctx) {
		return c.store.UpdateReminderFields(ctx, reminderID, fields)
	}
	c.enqueueOp(ctx, opUpdateReminder, reminderID, fields)
	return nil
}

// DeferReminderDelete queues (or applies, when online) a remote delete.
func (c *Coordinator) DeferReminderDelete(ctx context.Context, reminderID string) error {
	if c.online(ctx) {
		return c.store.DeleteReminder(ctx, reminderID)
	}
	c.enqueueOp(ctx, opDeleteReminder, reminderID, nil)
	return nil
}

// ProcessPendingOperations replays deferred writes in arrival order. Each
// operation is applied at most once: it is marked processed before the
// state is persisted, and already-processed entries are skipped. A
// vanished reminder counts as done.
func (c *Coordinator) ProcessPendingOperations(ctx context.Context) error {
	if !c.online(ctx) {
		return nil
	}

	c.mu.Lock()
	todo := make([]operation, 0, len(c.pendingOps))
	for _, op := range c.pendingOps {
		if !op.Processed {
			todo = append(todo, op)
		}
	}
	c.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}

	var errs []error
	done := make(map[string]time.Time, len(todo))
	for _, op := range todo {
		if err := c.applyOp(ctx, op); err != nil {
			errs = append(errs, fmt.Errorf("op %s (%s): %w", op.ID, op.Kind, err))
			continue
		}
		done[op.ID] = c.now()
	}

	c.mu.Lock()
	for i := range c.pendingOps {
		if at, ok := done[c.pendingOps[i].ID]; ok {
			c.pendingOps[i].Processed = true
			c.pendingOps[i].ProcessedAt = at
		}
	}
	c.mu.Unlock()
	c.persistStateLogged(ctx)

	c.log.Info("pending operations replayed",
		logx.Int("applied", len(done)), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (c *Coordinator) applyOp(ctx context.Context, op operation) error {
	switch op.Kind {
	case opUpdateReminder:
		err := c.store.UpdateReminderFields(ctx, op.ReminderID, op.Fields)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	case opDeleteReminder:
		err := c.store.DeleteReminder(ctx, op.ReminderID)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	default:
		// Unknown kinds are from a newer build; leave them unprocessed.
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
