package scheduling

import (
	"context"
	"time"

	"github.com/rayabelcode/touchbase/internal/remote"
)

// minHourSamples is how many history entries an hour bucket needs before
// its completion rate is trusted over the plain +24h/+168h fallback.
const minHourSamples = 2

// hourStats aggregates contact history into per-hour completion rates.
type hourStats struct {
	total     [24]int
	completed [24]int
}

func collectHourStats(entries []remote.HistoryEntry, loc *time.Location) hourStats {
	var s hourStats
	for _, e := range entries {
		h := e.At.In(loc).Hour()
		s.total[h]++
		if e.Completed {
			s.completed[h]++
		}
	}
	return s
}

// best returns the hour with the highest completion rate among buckets with
// enough samples. ok is false when no bucket qualifies.
func (s hourStats) best() (hour int, ok bool) {
	bestRate := -1.0
	for h := 0; h < 24; h++ {
		if s.total[h] < minHourSamples {
			continue
		}
		rate := float64(s.completed[h]) / float64(s.total[h])
		if rate > bestRate {
			bestRate = rate
			hour = h
			ok = true
		}
	}
	return hour, ok
}

// optimalHour looks up the contact's history and returns the hour of day at
// which the user most reliably completes reminders for them.
func (e *Engine) optimalHour(ctx context.Context, contactID string, loc *time.Location) (int, bool) {
	entries, err := e.store.ListContactHistory(ctx, contactID)
	if err != nil || len(entries) == 0 {
		return 0, false
	}
	return collectHourStats(entries, loc).best()
}
