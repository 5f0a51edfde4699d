package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/vitalclinic/scheduling/internal/model"
	"github.com/vitalclinic/scheduling/internal/scheduling"
)

// VisitOutcomeRecorder is the slice of the scheduling service the visit
// consumer needs.
type VisitOutcomeRecorder interface {
	RecordVisitOutcome(ctx context.Context, id int64, outcome model.Status) (model.Appointment, error)
}

// VisitOutcomeHandler applies visit-completion events to appointments. The
// scheduling core never enters completed or no_show on its own; those statuses
// arrive here, from the clinical visit workflow.
//
// Malformed payloads and final domain rejections (unknown appointment,
// cancelled appointment) are logged and dropped rather than redelivered.
func VisitOutcomeHandler(logger *slog.Logger, recorder VisitOutcomeRecorder, outcome model.Status) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			AppointmentID int64 `json:"appointment_id"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid visit event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.AppointmentID <= 0 {
			logger.Error("visit event missing appointment_id", "topic", msg.Topic)
			return nil
		}

		_, err := recorder.RecordVisitOutcome(ctx, payload.AppointmentID, outcome)
		if err != nil {
			var serr *scheduling.StateError
			var nferr *scheduling.NotFoundError
			var verr *scheduling.ValidationError
			if errors.As(err, &serr) || errors.As(err, &nferr) || errors.As(err, &verr) {
				logger.Warn("visit outcome rejected",
					"appointment_id", payload.AppointmentID,
					"outcome", outcome,
					"reason", err.Error(),
				)
				return nil
			}
			return err
		}
		return nil
	}
}
