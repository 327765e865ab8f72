package alerts

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is terminal: callers must not retry after it.
var ErrPermissionDenied = errors.New("alerts: permission denied")

// ErrNotFound means the handle is unknown. Cancel paths treat it as success
// ("already gone"), so most callers never see it.
var ErrNotFound = errors.New("alerts: unknown handle")

// Content is what an alert shows when it fires.
type Content struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Category describes an alert category with its action buttons.
type Category struct {
	ID      string
	Actions []string
}

// Entry is one scheduled alert as reported by the scheduler.
type Entry struct {
	Handle  string
	Content Content
	FireAt  time.Time
}

// Scheduler is the OS notification boundary: schedule/cancel/list alerts by
// opaque handle, plus badge and permission plumbing.
//
// Cancel is idempotent; cancelling an unknown or already-fired handle returns
// nil.
type Scheduler interface {
	RequestPermission(ctx context.Context) (bool, error)
	RegisterCategories(ctx context.Context, cats []Category) error

	Schedule(ctx context.Context, content Content, fireAt time.Time) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
	CancelAll(ctx context.Context) error
	Scheduled(ctx context.Context) ([]Entry, error)

	SetBadge(ctx context.Context, n int) error
}
