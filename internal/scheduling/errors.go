package scheduling

import (
	"fmt"
	"time"

	"github.com/vitalclinic/scheduling/internal/model"
)

// ValidationError reports the first malformed or out-of-range input field.
// It is raised before any I/O and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced patient, provider, or appointment that
// does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d does not exist", e.Kind, e.ID)
}

// ConflictError reports a requested interval that overlaps an existing
// appointment for the same provider and date.
type ConflictError struct {
	ProviderID      int64
	Date            time.Time
	StartMinute     int
	DurationMinutes int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("provider %d already has an appointment overlapping %s %s",
		e.ProviderID, e.Date.Format(model.DateLayout), model.MinuteString(e.StartMinute))
}

// StateError reports a transition or mutation that is illegal for the
// appointment's current status.
type StateError struct {
	Status model.Status
	Op     Operation
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s appointment in status %s", e.Op, e.Status)
}
