package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is a counting Scheduler double shared by the packages that test
// against the OS boundary. It never fires anything.
type Fake struct {
	mu      sync.Mutex
	next    int
	pending map[string]Entry
	badge   int

	ScheduleCalls int
	CancelCalls   int
	CancelAllErr  error

	// ScheduleErrs is consumed front-to-head: each Schedule call pops one
	// entry (nil means success). Empty slice means always succeed.
	ScheduleErrs []error

	Permission    bool
	PermissionErr error
}

func NewFake() *Fake {
	return &Fake{pending: map[string]Entry{}, Permission: true}
}

func (f *Fake) RequestPermission(ctx context.Context) (bool, error) {
	_ = ctx
	return f.Permission, f.PermissionErr
}

func (f *Fake) RegisterCategories(ctx context.Context, cats []Category) error {
	_ = ctx
	_ = cats
	return nil
}

func (f *Fake) Schedule(ctx context.Context, content Content, fireAt time.Time) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScheduleCalls++
	if len(f.ScheduleErrs) > 0 {
		err := f.ScheduleErrs[0]
		f.ScheduleErrs = f.ScheduleErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.next++
	handle := fmt.Sprintf("alert-%d", f.next)
	f.pending[handle] = Entry{Handle: handle, Content: content, FireAt: fireAt}
	return handle, nil
}

func (f *Fake) Cancel(ctx context.Context, handle string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls++
	delete(f.pending, handle)
	return nil
}

func (f *Fake) CancelAll(ctx context.Context) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelAllErr != nil {
		return f.CancelAllErr
	}
	f.pending = map[string]Entry{}
	return nil
}

func (f *Fake) Scheduled(ctx context.Context) ([]Entry, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, 0, len(f.pending))
	for _, e := range f.pending {
		out = append(out, e)
	}
	return out, nil
}

func (f *Fake) SetBadge(ctx context.Context, n int) error {
	_ = ctx
	f.mu.Lock()
	f.badge = n
	f.mu.Unlock()
	return nil
}

func (f *Fake) Badge() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.badge
}

// Pending reports how many alerts are currently scheduled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Has reports whether the handle is still scheduled.
func (f *Fake) Has(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[handle]
	return ok
}
