package remote

import (
	"fmt"
	"time"
)

// ReminderType discriminates the three reminder flavors. Cleanup and snooze
// policy switch exhaustively on it; unknown values are rejected at decode.
type ReminderType string

const (
	TypeScheduled  ReminderType = "scheduled"
	TypeCustomDate ReminderType = "custom_date"
	TypeFollowUp   ReminderType = "follow_up"
)

func (t ReminderType) Valid() bool {
	switch t {
	case TypeScheduled, TypeCustomDate, TypeFollowUp:
		return true
	}
	return false
}

type ReminderStatus string

const (
	StatusPending   ReminderStatus = "pending"
	StatusSent      ReminderStatus = "sent"
	StatusSnoozed   ReminderStatus = "snoozed"
	StatusCompleted ReminderStatus = "completed"
	StatusSkipped   ReminderStatus = "skipped"
	StatusExpired   ReminderStatus = "expired"
)

// Terminal reports whether a status can never transition again.
func (s ReminderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusExpired:
		return true
	}
	return false
}

// SnoozeEvent is one entry of a reminder's snooze history.
type SnoozeEvent struct {
	From   time.Time `json:"fromTime"`
	To     time.Time `json:"toTime"`
	Reason string    `json:"reason"`
	Count  int       `json:"count"`
}

// Reminder is the remote document for one future engagement.
type Reminder struct {
	ID        string         `json:"id"`
	ContactID string         `json:"contactId"`
	UserID    string         `json:"userId"`
	Type      ReminderType   `json:"type"`
	Status    ReminderStatus `json:"status"`

	// ScheduledTime is the fire instant. FollowUp reminders may leave it zero.
	ScheduledTime time.Time `json:"scheduledTime,omitempty"`

	// CustomDate is set for user-picked dates; snooze "skip" clears it.
	CustomDate *time.Time `json:"customDate,omitempty"`

	Notes      string `json:"notes,omitempty"`
	NotesAdded bool   `json:"notesAdded,omitempty"`

	SnoozeCount   int           `json:"snoozeCount,omitempty"`
	SnoozeHistory []SnoozeEvent `json:"snoozeHistory,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Frequency buckets a contact's desired contact cadence.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// TimeWindow is a wall-clock range ("HH:MM" inclusive start, exclusive end).
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SchedulingPrefs is the per-contact scheduling record read by the slot
// engine and written back on snooze.
type SchedulingPrefs struct {
	ContactID        string         `json:"contactId"`
	RelationshipType string         `json:"relationshipType,omitempty"`
	Frequency        Frequency      `json:"frequency,omitempty"`
	ActiveHours      TimeWindow     `json:"activeHours"`
	PreferredDays    []time.Weekday `json:"preferredDays,omitempty"`
	ExcludedTimes    []TimeWindow   `json:"excludedTimes,omitempty"`
	MinimumGapMin    int            `json:"minimumGapMinutes,omitempty"`
	Priority         int            `json:"priority,omitempty"`

	LastSnoozedAt time.Time `json:"lastSnoozedAt,omitempty"`
	NextContactAt time.Time `json:"nextContactAt,omitempty"`
}

// Profile is the per-user document holding delivery state.
type Profile struct {
	UserID                    string    `json:"userId"`
	PushTokens                []string  `json:"pushTokens,omitempty"`
	CloudNotificationsEnabled bool      `json:"cloudNotificationsEnabled"`
	Timezone                  string    `json:"timezone,omitempty"`
	UpdatedAt                 time.Time `json:"updatedAt"`
}

// HistoryEntry is one contact-history record. Cleanup appends one when a
// reminder with notes (or a completed one) is collected; the slot engine
// aggregates completion rates per hour from these.
type HistoryEntry struct {
	ContactID string    `json:"contactId"`
	At        time.Time `json:"at"`
	Notes     string    `json:"notes,omitempty"`
	Completed bool      `json:"completed"`
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one event on a filtered reminder subscription. Removed changes
// carry only the ID.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	ID       string     `json:"id"`
	Reminder *Reminder  `json:"reminder,omitempty"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s(%s)", c.Kind, c.ID)
}
