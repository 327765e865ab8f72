package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rayabelcode/touchbase/internal/remote"
)

func TestFindSlotInsideActiveHours(t *testing.T) {
	e := newTestEngine(t, remote.NewMemory())
	prefs := &remote.SchedulingPrefs{
		ContactID:   "c1",
		ActiveHours: remote.TimeWindow{Start: "09:00", End: "17:00"},
	}

	// Desired at 07:12 must be pushed to the window opening.
	desired := time.Date(2026, 3, 10, 7, 12, 0, 0, time.UTC)
	got, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, desired)
	if err != nil {
		t.Fatalf("FindAvailableTimeSlot: %v", err)
	}
	if want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("slot = %v, want %v", got, want)
	}
}

func TestFindSlotSkipsToPreferredDay(t *testing.T) {
	e := newTestEngine(t, remote.NewMemory())
	prefs := &remote.SchedulingPrefs{
		ContactID:     "c1",
		ActiveHours:   remote.TimeWindow{Start: "09:00", End: "17:00"},
		PreferredDays: []time.Weekday{time.Saturday},
	}

	// 2026-03-10 is a Tuesday; the next Saturday is the 14th.
	desired := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	got, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, desired)
	if err != nil {
		t.Fatalf("FindAvailableTimeSlot: %v", err)
	}
	if got.Weekday() != time.Saturday || got.Day() != 14 {
		t.Fatalf("slot = %v, want Saturday the 14th", got)
	}
	if got.Hour() != 9 {
		t.Fatalf("slot hour = %d, want window start", got.Hour())
	}
}

func TestFindSlotAvoidsExcludedWindow(t *testing.T) {
	e := newTestEngine(t, remote.NewMemory())
	prefs := &remote.SchedulingPrefs{
		ContactID:     "c1",
		ActiveHours:   remote.TimeWindow{Start: "09:00", End: "17:00"},
		ExcludedTimes: []remote.TimeWindow{{Start: "12:00", End: "13:00"}},
	}

	desired := time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)
	got, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, desired)
	if err != nil {
		t.Fatalf("FindAvailableTimeSlot: %v", err)
	}
	if want := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("slot = %v, want %v", got, want)
	}
}

func TestFindSlotHonorsMinimumGap(t *testing.T) {
	store := remote.NewMemory()
	occupied := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store.CreateReminder(context.Background(), &remote.Reminder{
		ID: "other", ContactID: "c2", UserID: "u1",
		Type: remote.TypeScheduled, Status: remote.StatusPending, ScheduledTime: occupied,
	})

	e := newTestEngine(t, store)
	prefs := &remote.SchedulingPrefs{
		ContactID:     "c1",
		ActiveHours:   remote.TimeWindow{Start: "09:00", End: "17:00"},
		MinimumGapMin: 120,
	}

	got, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, occupied)
	if err != nil {
		t.Fatalf("FindAvailableTimeSlot: %v", err)
	}
	if got.Sub(occupied) < 2*time.Hour {
		t.Fatalf("slot %v within the minimum gap of %v", got, occupied)
	}
}

func TestFindSlotSameContactDoesNotBlock(t *testing.T) {
	store := remote.NewMemory()
	occupied := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store.CreateReminder(context.Background(), &remote.Reminder{
		ID: "self", ContactID: "c1", UserID: "u1",
		Type: remote.TypeScheduled, Status: remote.StatusPending, ScheduledTime: occupied,
	})

	e := newTestEngine(t, store)
	prefs := &remote.SchedulingPrefs{
		ContactID:     "c1",
		ActiveHours:   remote.TimeWindow{Start: "09:00", End: "17:00"},
		MinimumGapMin: 120,
	}

	got, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, occupied)
	if err != nil {
		t.Fatalf("FindAvailableTimeSlot: %v", err)
	}
	if !got.Equal(occupied) {
		t.Fatalf("slot = %v, want the reminder's own slot %v", got, occupied)
	}
}

func TestFindSlotExhaustionIsStructured(t *testing.T) {
	e := newTestEngine(t, remote.NewMemory())
	// Active hours fully covered by an exclusion: nothing can ever match.
	prefs := &remote.SchedulingPrefs{
		ContactID:     "c1",
		ActiveHours:   remote.TimeWindow{Start: "09:00", End: "10:00"},
		ExcludedTimes: []remote.TimeWindow{{Start: "08:00", End: "11:00"}},
	}

	_, err := e.FindAvailableTimeSlot(context.Background(), "u1", prefs, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	var filled *SlotsFilledError
	if !errors.As(err, &filled) {
		t.Fatalf("err = %v, want *SlotsFilledError", err)
	}
	if filled.ContactID != "c1" || filled.HorizonDays != 30 {
		t.Fatalf("unexpected detail %+v", filled)
	}
	if filled.WorkingHours != "09:00-10:00" {
		t.Fatalf("WorkingHours = %q, want 09:00-10:00", filled.WorkingHours)
	}
	if !filled.NextDay.Equal(filled.From.AddDate(0, 0, 1)) || !filled.NextWeek.Equal(filled.From.AddDate(0, 0, 7)) {
		t.Fatalf("suggestions %v / %v not anchored to %v", filled.NextDay, filled.NextWeek, filled.From)
	}
}

func TestWindowContainsWrapsMidnight(t *testing.T) {
	w := remote.TimeWindow{Start: "22:00", End: "06:00"}
	in := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	out := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !windowContains(w, in) {
		t.Fatal("23:30 should be inside 22:00-06:00")
	}
	if windowContains(w, out) {
		t.Fatal("12:00 should be outside 22:00-06:00")
	}
}
