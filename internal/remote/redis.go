package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// redisStore keeps reminders and profiles as JSON documents and fans out
// reminder changes over pub/sub, one channel per user.
//
// Keys:
//   - touchbase:reminder:<id>        JSON document
//   - touchbase:user:<uid>:reminders set of reminder ids
//   - touchbase:profile:<uid>        JSON document
//   - touchbase:prefs:<contactId>    JSON document
//   - touchbase:history:<contactId>  list of JSON history entries
//   - touchbase:changes:<uid>        pub/sub channel carrying Change JSON
type redisStore struct {
	rdb *redis.Client
	log logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	// Fail fast on a bad address instead of at first operation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{rdb: rdb, log: log}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func reminderKey(id string) string     { return "touchbase:reminder:" + id }
func userIndexKey(uid string) string   { return "touchbase:user:" + uid + ":reminders" }
func profileKey(uid string) string     { return "touchbase:profile:" + uid }
func prefsKey(contact string) string   { return "touchbase:prefs:" + contact }
func historyKey(contact string) string { return "touchbase:history:" + contact }
func changesChannel(uid string) string { return "touchbase:changes:" + uid }

// ---- reminders ----

func (s *redisStore) CreateReminder(ctx context.Context, r *Reminder) error {
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

	if err := s.setJSON(ctx, reminderKey(r.ID), r); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, userIndexKey(r.UserID), r.ID).Err(); err != nil {
		return err
	}
	s.publishChange(ctx, r.UserID, Change{Kind: ChangeAdded, ID: r.ID, Reminder: r})
	return nil
}

func (s *redisStore) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	var r Reminder
	ok, err := s.getJSON(ctx, reminderKey(id), &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *redisStore) UpdateReminderFields(ctx context.Context, id string, fields map[string]any) error {
	// Read-modify-write on the whole document. Field-level last-writer-wins:
	// concurrent writers clobber only the keys they touch relative to their
	// read, which matches the store contract (no transactions).
	r, err := s.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if err := applyReminderFields(r, fields); err != nil {
		return err
	}
	if err := s.setJSON(ctx, reminderKey(id), r); err != nil {
		return err
	}
	s.publishChange(ctx, r.UserID, Change{Kind: ChangeModified, ID: id, Reminder: r})
	return nil
}

func (s *redisStore) DeleteReminder(ctx context.Context, id string) error {
	r, err := s.GetReminder(ctx, id)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
		// Idempotent delete: drop the key regardless.
		_ = s.rdb.Del(ctx, reminderKey(id)).Err()
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, reminderKey(id)).Err(); err != nil {
		return err
	}
	_ = s.rdb.SRem(ctx, userIndexKey(r.UserID), id).Err()
	s.publishChange(ctx, r.UserID, Change{Kind: ChangeRemoved, ID: id})
	return nil
}

func (s *redisStore) ListReminders(ctx context.Context, userID string, statuses ...ReminderStatus) ([]*Reminder, error) {
	ids, err := s.rdb.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Reminder, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetReminder(ctx, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
			// Index entry outlived the document; heal the index.
			_ = s.rdb.SRem(ctx, userIndexKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if statusMatch(r.Status, statuses) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *redisStore) Watch(ctx context.Context, userID string, statuses ...ReminderStatus) (<-chan Change, func(), error) {
	sub := s.rdb.Subscribe(ctx, changesChannel(userID))
	// Force the subscription to establish so a bad connection fails here.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Change, 32)
	stopCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-stopCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					s.log.Debug("change decode failed", logx.Any("err", err))
					continue
				}
				// Removed changes always pass the filter; the subscriber needs
				// them to cancel local alerts.
				if c.Kind != ChangeRemoved && c.Reminder != nil && !statusMatch(c.Reminder.Status, statuses) {
					continue
				}
				select {
				case out <- c:
				case <-stopCtx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		cancel()
		_ = sub.Close()
	}
	return out, stop, nil
}

func (s *redisStore) publishChange(ctx context.Context, userID string, c Change) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, changesChannel(userID), b).Err(); err != nil {
		s.log.Debug("change publish failed", logx.String("id", c.ID), logx.Any("err", err))
	}
}

// ---- profiles / prefs / history ----

func (s *redisStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	ok, err := s.getJSON(ctx, profileKey(userID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *redisStore) UpdateProfileFields(ctx context.Context, userID string, fields map[string]any) error {
	p, err := s.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		p = &Profile{UserID: userID}
	} else if err != nil {
		return err
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
	return s.setJSON(ctx, profileKey(userID), p)
}

func (s *redisStore) AddPushTokens(ctx context.Context, userID string, tokens ...string) error {
	p, err := s.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		p = &Profile{UserID: userID, CloudNotificationsEnabled: true}
	} else if err != nil {
		return err
	}
	p.PushTokens = unionTokens(p.PushTokens, tokens)
	p.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, profileKey(userID), p)
}

func (s *redisStore) RemovePushTokens(ctx context.Context, userID string, tokens ...string) error {
	p, err := s.GetProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.PushTokens = pruneTokens(p.PushTokens, tokens)
	p.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, profileKey(userID), p)
}

func (s *redisStore) GetPrefs(ctx context.Context, contactID string) (*SchedulingPrefs, error) {
	var p SchedulingPrefs
	ok, err := s.getJSON(ctx, prefsKey(contactID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *redisStore) UpdatePrefs(ctx context.Context, contactID string, fields map[string]any) error {
	p, err := s.GetPrefs(ctx, contactID)
	if errors.Is(err, ErrNotFound) {
		p = &SchedulingPrefs{ContactID: contactID}
	} else if err != nil {
		return err
	}
	if err := applyPrefsFields(p, fields); err != nil {
		return err
	}
	return s.setJSON(ctx, prefsKey(contactID), p)
}

func (s *redisStore) AppendContactHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.ContactID == "" {
		return errors.New("history entry needs a contact id")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, historyKey(entry.ContactID), b).Err()
}

func (s *redisStore) ListContactHistory(ctx context.Context, contactID string) ([]HistoryEntry, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(contactID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ---- helpers ----

func (s *redisStore) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

func (s *redisStore) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

func applyPrefsFields(p *SchedulingPrefs, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case "lastSnoozedAt":
			t, err := coerceTime(v)
			if err != nil {
				return fmt.Errorf("field lastSnoozedAt: %w", err)
			}
			p.LastSnoozedAt = t
		case "nextContactAt":
			t, err := coerceTime(v)
			if err != nil {
				return fmt.Errorf("field nextContactAt: %w", err)
			}
			p.NextContactAt = t
		case "frequency":
			f, ok := v.(Frequency)
			if !ok {
				if s, oks := v.(string); oks {
					f, ok = Frequency(s), true
				}
			}
			if !ok {
				return fmt.Errorf("field frequency: unsupported type %T", v)
			}
			p.Frequency = f
		case "minimumGapMinutes":
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("field minimumGapMinutes: unsupported type %T", v)
			}
			p.MinimumGapMin = n
		default:
			return fmt.Errorf("unknown prefs field %q", k)
		}
	}
	return nil
}

func unionTokens(have, add []string) []string {
	seen := make(map[string]struct{}, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, t := range have {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range add {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func pruneTokens(have, drop []string) []string {
	dead := make(map[string]struct{}, len(drop))
	for _, t := range drop {
		dead[t] = struct{}{}
	}
	out := have[:0]
	for _, t := range have {
		if _, ok := dead[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
