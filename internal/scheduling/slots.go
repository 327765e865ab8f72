package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/rayabelcode/touchbase/internal/remote"
)

const (
	// slotStep is the granularity of the forward scan.
	slotStep = 30 * time.Minute
)

// SlotsFilledError reports that no acceptable slot exists inside the scan
// horizon. It carries enough detail for the caller to surface a useful
// message instead of a bare failure: the attempted date, the contact's
// working hours, and concrete retry suggestions.
type SlotsFilledError struct {
	ContactID    string
	From         time.Time // the attempted date
	HorizonDays  int
	WorkingHours string    // "09:00-17:00", or "any time" without a window
	NextDay      time.Time // same clock time, one day out
	NextWeek     time.Time // same clock time, one week out
}

func (e *SlotsFilledError) Error() string {
	return fmt.Sprintf("scheduling: no open slot for contact %s within %d days of %s (working hours %s)",
		e.ContactID, e.HorizonDays, e.From.Format(time.RFC3339), e.WorkingHours)
}

func describeHours(w remote.TimeWindow) string {
	if w.Start == "" && w.End == "" {
		return "any time"
	}
	return w.Start + "-" + w.End
}

// FindAvailableTimeSlot scans forward from desired in 30 minute steps and
// returns the first instant that satisfies the contact's preferences:
// preferred weekday, inside active hours, outside excluded windows, and at
// least the minimum gap away from every other pending reminder of the user.
// The scan covers the configured lookahead horizon; exhaustion returns a
// *SlotsFilledError, never a silent fallback.
func (e *Engine) FindAvailableTimeSlot(ctx context.Context, userID string, prefs *remote.SchedulingPrefs, desired time.Time) (time.Time, error) {
	loc := e.loc
	desired = desired.In(loc)

	pending, err := e.store.ListReminders(ctx, userID, remote.StatusPending, remote.StatusSnoozed)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduling: list pending reminders: %w", err)
	}

	start := roundUpToStep(desired)
	horizon := start.AddDate(0, 0, e.lookaheadDays)
	gap := time.Duration(prefs.MinimumGapMin) * time.Minute

	for slot := start; slot.Before(horizon); slot = slot.Add(slotStep) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if !weekdayAllowed(prefs.PreferredDays, slot.Weekday()) {
			// Nothing else on this day can match either.
			slot = startOfNextDay(slot, loc).Add(-slotStep)
			continue
		}
		if !windowContains(prefs.ActiveHours, slot) {
			continue
		}
		if inAnyWindow(prefs.ExcludedTimes, slot) {
			continue
		}
		if gap > 0 && tooClose(pending, prefs.ContactID, slot, gap) {
			continue
		}
		return slot, nil
	}
	return time.Time{}, &SlotsFilledError{
		ContactID:    prefs.ContactID,
		From:         start,
		HorizonDays:  e.lookaheadDays,
		WorkingHours: describeHours(prefs.ActiveHours),
		NextDay:      start.AddDate(0, 0, 1),
		NextWeek:     start.AddDate(0, 0, 7),
	}
}

func roundUpToStep(t time.Time) time.Time {
	r := t.Truncate(slotStep)
	if r.Before(t) {
		r = r.Add(slotStep)
	}
	return r
}

func startOfNextDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func weekdayAllowed(days []time.Weekday, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// windowContains checks whether t's time of day falls inside w. An empty
// window means "always". Windows that wrap midnight (start > end) are
// honored, e.g. 22:00-06:00.
func windowContains(w remote.TimeWindow, t time.Time) bool {
	if w.Start == "" && w.End == "" {
		return true
	}
	startMin, err := parseHHMM(w.Start)
	if err != nil {
		return true
	}
	endMin, err := parseHHMM(w.End)
	if err != nil {
		return true
	}
	cur := t.Hour()*60 + t.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	return cur >= startMin || cur < endMin
}

func inAnyWindow(windows []remote.TimeWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Start == "" && w.End == "" {
			continue
		}
		if windowContains(w, t) {
			return true
		}
	}
	return false
}

// tooClose reports whether slot lands within gap of any pending reminder
// belonging to a different contact. The reminder being rescheduled (same
// contact) does not block its own slot.
func tooClose(pending []*remote.Reminder, contactID string, slot time.Time, gap time.Duration) bool {
	for _, r := range pending {
		if r.ContactID == contactID || r.ScheduledTime.IsZero() {
			continue
		}
		d := slot.Sub(r.ScheduledTime)
		if d < 0 {
			d = -d
		}
		if d < gap {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("scheduling: bad time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("scheduling: time of day %q out of range", s)
	}
	return h*60 + m, nil
}
