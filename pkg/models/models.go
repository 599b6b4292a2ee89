package models

import (
	"time"
)

// DateLayout is the layout of the date_served column
const DateLayout = "2006-01-02"

// TimeLayout is the layout of the time_served column
const TimeLayout = "15:04:05"

// ParticipantID is the canonical participant identifier, e.g. msp_0007
type ParticipantID string

// MealSlot is a meal label such as breakfast, lunch or dinner
type MealSlot string

// AwaitingEntry is a pending request to be served
type AwaitingEntry struct {
	Participant ParticipantID `json:"participant_id"`
	Meal        MealSlot      `json:"meal_time"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now
func (e AwaitingEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ServedRecord is a completed serving stored in the ledger
type ServedRecord struct {
	Participant ParticipantID `json:"participant_id"`
	Meal        MealSlot      `json:"meal_time"`
	DateServed  string        `json:"date_served"`
	TimeServed  string        `json:"time_served"`
}

// NewServedRecord builds a served record for the local date and time of now
func NewServedRecord(p ParticipantID, meal MealSlot, now time.Time) ServedRecord {
	return ServedRecord{
		Participant: p,
		Meal:        meal,
		DateServed:  Day(now),
		TimeServed:  now.Format(TimeLayout),
	}
}

// Day returns the ledger date for an instant
func Day(t time.Time) string {
	return t.Format(DateLayout)
}

// Snapshot is a point-in-time view of every awaiting entry
type Snapshot struct {
	TakenAt time.Time       `json:"taken_at"`
	Entries []AwaitingEntry `json:"entries"`
}

// AwaitingView is the per-participant payload pushed to viewers
type AwaitingView struct {
	MealTime   MealSlot `json:"meal_time"`
	ExpiryTime int64    `json:"expiry_time"`
}

// Views renders the snapshot in the wire shape {participant: {meal_time, expiry_time}}.
// Entries are ordered, so for a participant awaiting several meals the last one wins.
func (s Snapshot) Views() map[ParticipantID]AwaitingView {
	out := make(map[ParticipantID]AwaitingView, len(s.Entries))
	for _, e := range s.Entries {
		out[e.Participant] = AwaitingView{
			MealTime:   e.Meal,
			ExpiryTime: e.ExpiresAt.UnixMilli(),
		}
	}
	return out
}

// MealSummary reports served and remaining counts for one meal slot
type MealSummary struct {
	Meal      MealSlot `json:"meal_time"`
	Served    int      `json:"served"`
	Remaining int      `json:"remaining"`
	Awaiting  int      `json:"awaiting"`
}

// DailySummary aggregates the meal summaries for a date
type DailySummary struct {
	Date  string        `json:"date"`
	Meals []MealSummary `json:"meals"`
}
