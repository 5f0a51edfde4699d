package scheduling

import "github.com/vitalclinic/scheduling/internal/model"

// Operation names a mutation the lifecycle machine can authorize.
type Operation string

const (
	OpUpdate Operation = "update"
	OpCancel Operation = "cancel"
)

// Authorize decides whether an appointment in the given status may undergo op.
// Cancelled is terminal: nothing moves out of it. Completed blocks cancellation
// but still accepts field corrections via update. Completed and no-show are
// never entered here; they arrive from the visit-completion workflow and are
// consumed only as inputs.
func Authorize(current model.Status, op Operation) error {
	switch op {
	case OpCancel:
		switch current {
		case model.StatusCancelled, model.StatusCompleted:
			return &StateError{Status: current, Op: op}
		}
		return nil
	case OpUpdate:
		if current == model.StatusCancelled {
			return &StateError{Status: current, Op: op}
		}
		return nil
	default:
		return &StateError{Status: current, Op: op}
	}
}
