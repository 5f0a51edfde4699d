package model

import "time"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// OccupiesTime reports whether an appointment in this status blocks the
// provider's calendar for conflict purposes. Cancelled and no-show
// appointments free the interval.
func (s Status) OccupiesTime() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// Appointment is a single provider booking. Date carries day granularity only
// (UTC midnight); the position within the day lives in StartMinute.
type Appointment struct {
	ID              int64
	PatientID       int64
	ProviderID      int64
	Date            time.Time
	StartMinute     int
	DurationMinutes int
	Status          Status
	Reason          string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// EndMinute is the exclusive end of the appointment interval.
func (a Appointment) EndMinute() int {
	return a.StartMinute + a.DurationMinutes
}
