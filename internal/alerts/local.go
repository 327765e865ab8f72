package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rayabelcode/touchbase/internal/eventbus"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// Local is an in-process Scheduler backed by one time.Timer per alert.
//
// When an alert fires it is removed from the pending set and published on the
// bus as TopicAlertFired with the Entry as payload. Timers are runtime state:
// they do not survive a restart, which is fine because Reminder Sync
// re-materializes alerts from the remote store on start.
type Local struct {
	bus eventbus.Bus
	log logx.Logger

	mu      sync.Mutex
	pending map[string]Entry
	timers  map[string]*time.Timer
	badge   int
	cats    []Category
}

func NewLocal(bus eventbus.Bus, log logx.Logger) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{
		bus:     bus,
		log:     log,
		pending: map[string]Entry{},
		timers:  map[string]*time.Timer{},
	}
}

func (l *Local) RequestPermission(ctx context.Context) (bool, error) {
	_ = ctx
	// In-process alerts need no OS grant.
	return true, nil
}

func (l *Local) RegisterCategories(ctx context.Context, cats []Category) error {
	_ = ctx
	l.mu.Lock()
	l.cats = append([]Category(nil), cats...)
	l.mu.Unlock()
	return nil
}

func (l *Local) Schedule(ctx context.Context, content Content, fireAt time.Time) (string, error) {
	_ = ctx
	handle := uuid.NewString()
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	e := Entry{Handle: handle, Content: content, FireAt: fireAt}
	l.mu.Lock()
	l.pending[handle] = e
	l.timers[handle] = time.AfterFunc(delay, func() { l.fire(handle) })
	l.mu.Unlock()

	l.log.Debug("alert scheduled", logx.String("handle", handle), logx.Time("fire_at", fireAt))
	return handle, nil
}

func (l *Local) fire(handle string) {
	l.mu.Lock()
	e, ok := l.pending[handle]
	delete(l.pending, handle)
	delete(l.timers, handle)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.log.Debug("alert fired", logx.String("handle", handle), logx.String("title", e.Content.Title))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TopicAlertFired, Data: e})
	}
}

func (l *Local) Cancel(ctx context.Context, handle string) error {
	_ = ctx
	l.mu.Lock()
	t, ok := l.timers[handle]
	delete(l.pending, handle)
	delete(l.timers, handle)
	l.mu.Unlock()
	if ok {
		_ = t.Stop()
	}
	// Unknown handles are fine: cancel is idempotent.
	return nil
}

func (l *Local) CancelAll(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	timers := l.timers
	l.pending = map[string]Entry{}
	l.timers = map[string]*time.Timer{}
	l.mu.Unlock()
	for _, t := range timers {
		_ = t.Stop()
	}
	return nil
}

func (l *Local) Scheduled(ctx context.Context) ([]Entry, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.pending))
	for _, e := range l.pending {
		out = append(out, e)
	}
	return out, nil
}

func (l *Local) SetBadge(ctx context.Context, n int) error {
	_ = ctx
	l.mu.Lock()
	l.badge = n
	l.mu.Unlock()
	return nil
}

// Badge reports the last badge value set. Observability helper.
func (l *Local) Badge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.badge
}
