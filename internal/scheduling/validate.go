package scheduling

import (
	"strings"
	"time"

	"github.com/vitalclinic/scheduling/internal/model"
)

const maxDurationMinutes = 480

// AppointmentInput carries the caller-supplied fields checked by the
// validation gate. The same checks run on create and on update.
type AppointmentInput struct {
	PatientID       int64
	ProviderID      int64
	Date            time.Time
	StartMinute     int
	DurationMinutes int
	Reason          string
	Notes           string
}

// validateInput checks fields in a fixed order and returns a ValidationError
// for the first violation. No I/O, no side effects.
func validateInput(in AppointmentInput, now time.Time) error {
	if in.PatientID <= 0 {
		return &ValidationError{Field: "patient_id", Reason: "must be a positive identifier"}
	}
	if in.ProviderID <= 0 {
		return &ValidationError{Field: "provider_id", Reason: "must be a positive identifier"}
	}
	if in.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "is required"}
	}
	if model.DateOnly(in.Date).Before(model.DateOnly(now)) {
		return &ValidationError{Field: "date", Reason: "cannot be in the past"}
	}
	if in.StartMinute < 0 || in.StartMinute >= 24*60 {
		return &ValidationError{Field: "start_time", Reason: "must fall within the day"}
	}
	if in.DurationMinutes <= 0 || in.DurationMinutes > maxDurationMinutes {
		return &ValidationError{Field: "duration_minutes", Reason: "must be between 1 and 480"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return &ValidationError{Field: "reason", Reason: "is required"}
	}
	return nil
}
