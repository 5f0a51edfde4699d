package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitalclinic/scheduling/internal/availability"
	"github.com/vitalclinic/scheduling/internal/model"
)

// Store is the persistence collaborator. Lookups return (nil, nil) when no
// record exists. Create and Update return *ConflictError when the no-overlap
// constraint at the persistence layer rejects the row; that constraint, not
// the pre-check below, is what closes the check-then-act window between
// concurrent schedule/update calls.
type Store interface {
	FindByID(ctx context.Context, id int64) (*model.Appointment, error)
	FindByPatient(ctx context.Context, patientID int64) ([]model.Appointment, error)
	FindByProvider(ctx context.Context, providerID int64) ([]model.Appointment, error)
	FindByProviderAndDate(ctx context.Context, providerID int64, date time.Time) ([]model.Appointment, error)
	ExistsConflict(ctx context.Context, providerID int64, date time.Time, startMinute, durationMinutes int, excludeID int64) (bool, error)
	Create(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	// Update persists appt only while the row's status still equals expected,
	// the status the caller authorized against. A concurrent transition
	// (cancel, visit outcome) between load and commit surfaces as *StateError
	// carrying the row's current status instead of overwriting it.
	Update(ctx context.Context, appt model.Appointment, expected model.Status) (model.Appointment, error)
}

// PatientDirectory answers referential existence checks for patients.
type PatientDirectory interface {
	Exists(ctx context.Context, patientID int64) (bool, error)
}

// Provider is the directory's view of a care provider.
type Provider struct {
	ID        int64
	FullName  string
	Specialty string
	Available bool
}

// ProviderDirectory resolves provider references. Get returns (nil, nil) when
// the provider does not exist.
type ProviderDirectory interface {
	Get(ctx context.Context, providerID int64) (*Provider, error)
}

type Service struct {
	store     Store
	patients  PatientDirectory
	providers ProviderDirectory
	grid      availability.Grid
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the scheduling orchestrator. A nil now falls back to
// time.Now; tests inject a fixed clock.
func NewService(store Store, patients PatientDirectory, providers ProviderDirectory, grid availability.Grid, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		patients:  patients,
		providers: providers,
		grid:      grid,
		logger:    logger,
		now:       now,
	}
}

// Schedule validates the request, confirms both references exist, checks the
// provider's calendar, and persists a new scheduled appointment.
func (s *Service) Schedule(ctx context.Context, in AppointmentInput) (model.Appointment, error) {
	now := s.now().UTC()
	if err := validateInput(in, now); err != nil {
		return model.Appointment{}, err
	}

	ok, err := s.patients.Exists(ctx, in.PatientID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("patient lookup: %w", err)
	}
	if !ok {
		return model.Appointment{}, &NotFoundError{Kind: "patient", ID: in.PatientID}
	}

	provider, err := s.providers.Get(ctx, in.ProviderID)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("provider lookup: %w", err)
	}
	if provider == nil {
		return model.Appointment{}, &NotFoundError{Kind: "provider", ID: in.ProviderID}
	}

	date := model.DateOnly(in.Date)
	if err := s.checkConflict(ctx, in.ProviderID, date, in.StartMinute, in.DurationMinutes, 0); err != nil {
		return model.Appointment{}, err
	}

	appt := model.Appointment{
		PatientID:       in.PatientID,
		ProviderID:      in.ProviderID,
		Date:            date,
		StartMinute:     in.StartMinute,
		DurationMinutes: in.DurationMinutes,
		Status:          model.StatusScheduled,
		Reason:          in.Reason,
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       nil,
	}

	created, err := s.store.Create(ctx, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment scheduled",
		"appointment_id", created.ID,
		"provider_id", created.ProviderID,
		"date", created.Date.Format(model.DateLayout),
		"start", model.MinuteString(created.StartMinute),
	)
	return created, nil
}

// Update replaces an appointment's caller-editable fields after re-running the
// validation gate and the conflict check (excluding the appointment itself).
// Status is not touched here; cancelled appointments reject the update.
func (s *Service) Update(ctx context.Context, id int64, in AppointmentInput) (model.Appointment, error) {
	if id <= 0 {
		return model.Appointment{}, &ValidationError{Field: "id", Reason: "must be a positive identifier"}
	}

	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if existing == nil {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: id}
	}
	if err := Authorize(existing.Status, OpUpdate); err != nil {
		return model.Appointment{}, err
	}

	now := s.now().UTC()
	if err := validateInput(in, now); err != nil {
		return model.Appointment{}, err
	}

	date := model.DateOnly(in.Date)
	if err := s.checkConflict(ctx, in.ProviderID, date, in.StartMinute, in.DurationMinutes, id); err != nil {
		return model.Appointment{}, err
	}

	updated := *existing
	updated.PatientID = in.PatientID
	updated.ProviderID = in.ProviderID
	updated.Date = date
	updated.StartMinute = in.StartMinute
	updated.DurationMinutes = in.DurationMinutes
	updated.Reason = in.Reason
	updated.Notes = in.Notes
	updated.UpdatedAt = &now

	stored, err := s.store.Update(ctx, updated, existing.Status)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment updated", "appointment_id", stored.ID)
	return stored, nil
}

// Cancel transitions an appointment to cancelled. Double-cancel and
// cancelling a completed appointment are state errors.
func (s *Service) Cancel(ctx context.Context, id int64) (model.Appointment, error) {
	if id <= 0 {
		return model.Appointment{}, &ValidationError{Field: "id", Reason: "must be a positive identifier"}
	}

	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if existing == nil {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: id}
	}
	if err := Authorize(existing.Status, OpCancel); err != nil {
		return model.Appointment{}, err
	}

	now := s.now().UTC()
	cancelled := *existing
	cancelled.Status = model.StatusCancelled
	cancelled.UpdatedAt = &now

	stored, err := s.store.Update(ctx, cancelled, existing.Status)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment cancelled", "appointment_id", stored.ID)
	return stored, nil
}

// Get loads a single appointment by id.
func (s *Service) Get(ctx context.Context, id int64) (model.Appointment, error) {
	if id <= 0 {
		return model.Appointment{}, &ValidationError{Field: "id", Reason: "must be a positive identifier"}
	}
	appt, err := s.store.FindByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt == nil {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: id}
	}
	return *appt, nil
}

// AvailableSlots enumerates unbooked grid start minutes for a provider day.
// A slot is booked when any non-cancelled appointment starts exactly on it;
// no-shows still block their slot. Results are recomputed on every call.
func (s *Service) AvailableSlots(ctx context.Context, providerID int64, date time.Time) ([]int, error) {
	if providerID <= 0 {
		return nil, &ValidationError{Field: "provider_id", Reason: "must be a positive identifier"}
	}
	day := model.DateOnly(date)
	if day.Before(model.DateOnly(s.now().UTC())) {
		return nil, &ValidationError{Field: "date", Reason: "cannot be in the past"}
	}

	appts, err := s.store.FindByProviderAndDate(ctx, providerID, day)
	if err != nil {
		return nil, err
	}

	booked := make(map[int]bool, len(appts))
	for _, a := range appts {
		if a.Status != model.StatusCancelled {
			booked[a.StartMinute] = true
		}
	}
	return s.grid.OpenSlots(booked), nil
}

// ListByPatient returns a patient's appointment history, most recent first.
func (s *Service) ListByPatient(ctx context.Context, patientID int64) ([]model.Appointment, error) {
	if patientID <= 0 {
		return nil, &ValidationError{Field: "patient_id", Reason: "must be a positive identifier"}
	}
	return s.store.FindByPatient(ctx, patientID)
}

// ListByProvider returns a provider's schedule in chronological order.
func (s *Service) ListByProvider(ctx context.Context, providerID int64) ([]model.Appointment, error) {
	if providerID <= 0 {
		return nil, &ValidationError{Field: "provider_id", Reason: "must be a positive identifier"}
	}
	return s.store.FindByProvider(ctx, providerID)
}

// RecordVisitOutcome applies an externally determined terminal-ish status
// (completed or no-show) coming from the visit-completion workflow. The
// scheduling core defines no transition into these statuses itself; they pass
// through the same update persistence path, guarded only by the terminality
// of cancelled.
func (s *Service) RecordVisitOutcome(ctx context.Context, id int64, outcome model.Status) (model.Appointment, error) {
	if id <= 0 {
		return model.Appointment{}, &ValidationError{Field: "appointment_id", Reason: "must be a positive identifier"}
	}
	if outcome != model.StatusCompleted && outcome != model.StatusNoShow {
		return model.Appointment{}, &ValidationError{Field: "status", Reason: "outcome must be completed or no_show"}
	}

	existing, err := s.store.FindByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if existing == nil {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: id}
	}
	if existing.Status == model.StatusCancelled {
		return model.Appointment{}, &StateError{Status: existing.Status, Op: OpUpdate}
	}

	now := s.now().UTC()
	updated := *existing
	updated.Status = outcome
	updated.UpdatedAt = &now

	stored, err := s.store.Update(ctx, updated, existing.Status)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("visit outcome recorded", "appointment_id", stored.ID, "status", stored.Status)
	return stored, nil
}

func (s *Service) checkConflict(ctx context.Context, providerID int64, date time.Time, startMinute, durationMinutes int, excludeID int64) error {
	if durationMinutes <= 0 {
		durationMinutes = availability.DefaultProbeMinutes
	}
	conflict, err := s.store.ExistsConflict(ctx, providerID, date, startMinute, durationMinutes, excludeID)
	if err != nil {
		return fmt.Errorf("conflict check: %w", err)
	}
	if conflict {
		return &ConflictError{
			ProviderID:      providerID,
			Date:            date,
			StartMinute:     startMinute,
			DurationMinutes: durationMinutes,
		}
	}
	return nil
}
