package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process driver. It backs single-device use and is
// the test double for every package that talks to the remote boundary.
type MemoryStore struct {
	mu        sync.Mutex
	reminders map[string]*Reminder
	profiles  map[string]*Profile
	prefs     map[string]*SchedulingPrefs
	history   map[string][]HistoryEntry
	corrupt   map[string]struct{}

	subs map[uint64]*memSub
	seq  uint64
}

type memSub struct {
	userID   string
	statuses []ReminderStatus
	ch       chan Change
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		reminders: map[string]*Reminder{},
		profiles:  map[string]*Profile{},
		prefs:     map[string]*SchedulingPrefs{},
		history:   map[string][]HistoryEntry{},
		corrupt:   map[string]struct{}{},
		subs:      map[uint64]*memSub{},
	}
}

func (s *MemoryStore) Close() error { return nil }

// CorruptReminder makes subsequent GetReminder calls for id fail with
// ErrCorrupt. Test affordance for the "record absent/corrupt" paths.
func (s *MemoryStore) CorruptReminder(id string) {
	s.mu.Lock()
	s.corrupt[id] = struct{}{}
	s.mu.Unlock()
}

func (s *MemoryStore) CreateReminder(ctx context.Context, r *Reminder) error {
	_ = ctx
	if r == nil || r.ID == "" {
		return errors.New("reminder id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid reminder type %q", r.Type)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	cp := *r
	s.mu.Lock()
	s.reminders[r.ID] = &cp
	s.mu.Unlock()
	s.fanout(Change{Kind: ChangeAdded, ID: r.ID, Reminder: &cp})
	return nil
}

func (s *MemoryStore) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, bad := s.corrupt[id]; bad {
		return nil, fmt.Errorf("%w: reminder %s", ErrCorrupt, id)
	}
	r, ok := s.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateReminderFields(ctx context.Context, id string, fields map[string]any) error {
	r, err := s.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if err := applyReminderFields(r, fields); err != nil {
		return err
	}
	s.mu.Lock()
	s.reminders[id] = r
	s.mu.Unlock()
	cp := *r
	s.fanout(Change{Kind: ChangeModified, ID: id, Reminder: &cp})
	return nil
}

func (s *MemoryStore) DeleteReminder(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	r, ok := s.reminders[id]
	delete(s.reminders, id)
	delete(s.corrupt, id)
	s.mu.Unlock()
	if !ok {
		// Idempotent: already gone.
		return nil
	}
	s.fanout(Change{Kind: ChangeRemoved, ID: id, Reminder: nil})
	_ = r
	return nil
}

func (s *MemoryStore) ListReminders(ctx context.Context, userID string, statuses ...ReminderStatus) ([]*Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		if r.UserID != userID {
			continue
		}
		if !statusMatch(r.Status, statuses) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) Watch(ctx context.Context, userID string, statuses ...ReminderStatus) (<-chan Change, func(), error) {
	sub := &memSub{
		userID:   userID,
		statuses: append([]ReminderStatus(nil), statuses...),
		ch:       make(chan Change, 32),
	}

	s.mu.Lock()
	s.seq++
	id := s.seq
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return sub.ch, stop, nil
}

func (s *MemoryStore) fanout(c Change) {
	s.mu.Lock()
	subs := make([]*memSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if c.Reminder != nil && c.Reminder.UserID != sub.userID {
			continue
		}
		if c.Kind != ChangeRemoved && c.Reminder != nil && !statusMatch(c.Reminder.Status, sub.statuses) {
			continue
		}
		// Non-blocking; slow watchers drop (same contract as the bus).
		func() {
			defer func() { _ = recover() }()
			select {
			case sub.ch <- c:
			default:
			}
		}()
	}
}

// ---- profiles / prefs / history ----

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.PushTokens = append([]string(nil), p.PushTokens...)
	return &cp, nil
}

func (s *MemoryStore) PutProfile(p *Profile) {
	cp := *p
	cp.PushTokens = append([]string(nil), p.PushTokens...)
	s.mu.Lock()
	s.profiles[p.UserID] = &cp
	s.mu.Unlock()
}

func (s *MemoryStore) UpdateProfileFields(ctx context.Context, userID string, fields map[string]any) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID}
		s.profiles[userID] = p
	}
	for k, v := range fields {
		switch k {
		case "cloudNotificationsEnabled":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("field cloudNotificationsEnabled: unsupported type %T", v)
			}
			p.CloudNotificationsEnabled = b
		case "timezone":
			tz, ok := v.(string)
			if !ok {
				return fmt.Errorf("field timezone: unsupported type %T", v)
			}
			p.Timezone = tz
		default:
			return fmt.Errorf("unknown profile field %q", k)
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddPushTokens(ctx context.Context, userID string, tokens ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID, CloudNotificationsEnabled: true}
		s.profiles[userID] = p
	}
	p.PushTokens = unionTokens(p.PushTokens, tokens)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RemovePushTokens(ctx context.Context, userID string, tokens ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	p.PushTokens = pruneTokens(p.PushTokens, tokens)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetPrefs(ctx context.Context, contactID string) (*SchedulingPrefs, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[contactID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PutPrefs(p *SchedulingPrefs) {
	cp := *p
	s.mu.Lock()
	s.prefs[p.ContactID] = &cp
	s.mu.Unlock()
}

func (s *MemoryStore) UpdatePrefs(ctx context.Context, contactID string, fields map[string]any) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[contactID]
	if !ok {
		p = &SchedulingPrefs{ContactID: contactID}
		s.prefs[contactID] = p
	}
	return applyPrefsFields(p, fields)
}

func (s *MemoryStore) AppendContactHistory(ctx context.Context, entry HistoryEntry) error {
	_ = ctx
	if entry.ContactID == "" {
		return errors.New("history entry needs a contact id")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.mu.Lock()
	s.history[entry.ContactID] = append(s.history[entry.ContactID], entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListContactHistory(ctx context.Context, contactID string) ([]HistoryEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history[contactID]...), nil
}
