package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

var (
	// ErrNotFound means the document does not exist (or was already deleted).
	ErrNotFound = errors.New("remote: not found")

	// ErrCorrupt means the stored document could not be decoded. Callers treat
	// it like an already-cleaned record, never as a fatal error.
	ErrCorrupt = errors.New("remote: corrupt document")
)

// ReminderStore is the remote reminder document store.
//
// Updates are field-level with last-writer-wins semantics; there are no
// transactions. Field keys match the document JSON keys ("status",
// "scheduledTime", "snoozeCount", "snoozeHistory", "customDate", "notes",
// "notesAdded").
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *Reminder) error
	GetReminder(ctx context.Context, id string) (*Reminder, error)
	UpdateReminderFields(ctx context.Context, id string, fields map[string]any) error
	DeleteReminder(ctx context.Context, id string) error
	ListReminders(ctx context.Context, userID string, statuses ...ReminderStatus) ([]*Reminder, error)

	// Watch subscribes to changes for one user filtered by status. The
	// returned stop func is idempotent; the channel closes after stop or ctx
	// cancellation.
	Watch(ctx context.Context, userID string, statuses ...ReminderStatus) (<-chan Change, func(), error)
}

// ProfileStore holds user profiles, per-contact scheduling records, and
// contact history.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpdateProfileFields(ctx context.Context, userID string, fields map[string]any) error
	AddPushTokens(ctx context.Context, userID string, tokens ...string) error
	RemovePushTokens(ctx context.Context, userID string, tokens ...string) error

	GetPrefs(ctx context.Context, contactID string) (*SchedulingPrefs, error)
	UpdatePrefs(ctx context.Context, contactID string, fields map[string]any) error

	AppendContactHistory(ctx context.Context, entry HistoryEntry) error
	ListContactHistory(ctx context.Context, contactID string) ([]HistoryEntry, error)
}

// Store bundles both document families behind one connection.
type Store interface {
	ReminderStore
	ProfileStore
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver   string
	Addr     string
	Password string
	DB       int
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, fmt.Errorf("unknown remote driver: %q", cfg.Driver)
	}
}

// applyReminderFields mutates r in place from a field map. Shared by drivers
// so field-name handling stays in one place.
func applyReminderFields(r *Reminder, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case "status":
			switch s := v.(type) {
			case ReminderStatus:
				r.Status = s
			case string:
				r.Status = ReminderStatus(s)
			default:
				return fmt.Errorf("field status: unsupported type %T", v)
			}
		case "scheduledTime":
			t, err := coerceTime(v)
			if err != nil {
				return fmt.Errorf("field scheduledTime: %w", err)
			}
			r.ScheduledTime = t
		case "customDate":
			if v == nil {
				r.CustomDate = nil
				break
			}
			t, err := coerceTime(v)
			if err != nil {
				return fmt.Errorf("field customDate: %w", err)
			}
			r.CustomDate = &t
		case "snoozeCount":
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("field snoozeCount: unsupported type %T", v)
			}
			r.SnoozeCount = n
		case "snoozeHistory":
			h, ok := v.([]SnoozeEvent)
			if !ok {
				return fmt.Errorf("field snoozeHistory: unsupported type %T", v)
			}
			r.SnoozeHistory = h
		case "notes":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("field notes: unsupported type %T", v)
			}
			r.Notes = s
		case "notesAdded":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("field notesAdded: unsupported type %T", v)
			}
			r.NotesAdded = b
		default:
			return fmt.Errorf("unknown reminder field %q", k)
		}
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, nil
		}
		return *t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

func statusMatch(s ReminderStatus, filter []ReminderStatus) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if s == f {
			return true
		}
	}
	return false
}
