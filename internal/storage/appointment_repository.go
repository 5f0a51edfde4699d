package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vitalclinic/scheduling/internal/db"
	"github.com/vitalclinic/scheduling/internal/model"
	"github.com/vitalclinic/scheduling/internal/outbox"
	"github.com/vitalclinic/scheduling/internal/scheduling"
)

// AppointmentRepository is the Postgres persistence collaborator. Mutations
// run in a transaction together with their outbox event. The appointments
// table carries an exclusion constraint over
// (provider_id, appointment_date, int4range(start_minute, start_minute + duration_minutes))
// filtered to statuses that occupy time; SQLSTATE 23P01 from that constraint
// is surfaced as a scheduling.ConflictError. That is what makes two
// concurrent "no conflict" observations safe: the loser's commit is rejected.
type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

const appointmentColumns = `
	id, patient_id, provider_id, appointment_date, start_minute,
	duration_minutes, status, reason, COALESCE(notes, ''), created_at, updated_at`

func (r *AppointmentRepository) FindByID(ctx context.Context, id int64) (*model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// FindByPatient returns the patient's history, most recent first.
func (r *AppointmentRepository) FindByPatient(ctx context.Context, patientID int64) ([]model.Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY appointment_date DESC, start_minute DESC
	`, patientID)
}

// FindByProvider returns the provider's schedule in chronological order.
func (r *AppointmentRepository) FindByProvider(ctx context.Context, providerID int64) ([]model.Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		ORDER BY appointment_date ASC, start_minute ASC
	`, providerID)
}

func (r *AppointmentRepository) FindByProviderAndDate(ctx context.Context, providerID int64, date time.Time) ([]model.Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1 AND appointment_date = $2
		ORDER BY start_minute ASC
	`, providerID, model.DateOnly(date))
}

// ExistsConflict reports whether any time-occupying appointment for the
// provider/date overlaps the half-open candidate interval. excludeID skips
// the appointment being updated; pass 0 on create.
func (r *AppointmentRepository) ExistsConflict(ctx context.Context, providerID int64, date time.Time, startMinute, durationMinutes int, excludeID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE provider_id = $1
				AND appointment_date = $2
				AND status NOT IN ('cancelled', 'no_show')
				AND ($5 = 0 OR id <> $5)
				AND start_minute < $3 + $4
				AND start_minute + duration_minutes > $3
		)
	`, providerID, model.DateOnly(date), startMinute, durationMinutes, excludeID).Scan(&exists)
	return exists, err
}

func (r *AppointmentRepository) Create(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments
			(patient_id, provider_id, appointment_date, start_minute, duration_minutes, status, reason, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, appt.PatientID, appt.ProviderID, appt.Date, appt.StartMinute, appt.DurationMinutes,
		appt.Status, appt.Reason, appt.Notes, appt.CreatedAt).Scan(&appt.ID)
	if err != nil {
		return model.Appointment{}, mapConstraintError(err, appt)
	}

	if err := r.insertEvent(ctx, tx, outbox.EventAppointmentScheduled, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepository) Update(ctx context.Context, appt model.Appointment, expected model.Status) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Compare-and-swap on the status the caller authorized against. A row
	// moved by a concurrent transition (cancel, visit outcome) matches zero
	// rows here, so a stale snapshot can never overwrite the newer status.
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET patient_id = $2,
			provider_id = $3,
			appointment_date = $4,
			start_minute = $5,
			duration_minutes = $6,
			status = $7,
			reason = $8,
			notes = $9,
			updated_at = $10
		WHERE id = $1 AND status = $11
	`, appt.ID, appt.PatientID, appt.ProviderID, appt.Date, appt.StartMinute,
		appt.DurationMinutes, appt.Status, appt.Reason, appt.Notes, appt.UpdatedAt, expected)
	if err != nil {
		return model.Appointment{}, mapConstraintError(err, appt)
	}
	if tag.RowsAffected() == 0 {
		existing, ferr := r.FindByID(ctx, appt.ID)
		if ferr != nil {
			return model.Appointment{}, ferr
		}
		if existing == nil {
			return model.Appointment{}, &scheduling.NotFoundError{Kind: "appointment", ID: appt.ID}
		}
		op := scheduling.OpUpdate
		if appt.Status == model.StatusCancelled {
			op = scheduling.OpCancel
		}
		return model.Appointment{}, &scheduling.StateError{Status: existing.Status, Op: op}
	}

	if err := r.insertEvent(ctx, tx, eventTypeFor(appt.Status), appt); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepository) queryAppointments(ctx context.Context, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *AppointmentRepository) insertEvent(ctx context.Context, tx pgx.Tx, eventType string, appt model.Appointment) error {
	payload, err := json.Marshal(map[string]any{
		"appointment_id":   appt.ID,
		"patient_id":       appt.PatientID,
		"provider_id":      appt.ProviderID,
		"date":             appt.Date.Format(model.DateLayout),
		"start_time":       model.MinuteString(appt.StartMinute),
		"duration_minutes": appt.DurationMinutes,
		"status":           appt.Status,
		"reason":           appt.Reason,
	})
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   strconv.FormatInt(appt.ID, 10),
		EventType:     eventType,
		Payload:       payload,
	})
}

func eventTypeFor(status model.Status) string {
	switch status {
	case model.StatusCancelled:
		return outbox.EventAppointmentCancelled
	case model.StatusCompleted:
		return outbox.EventAppointmentCompleted
	case model.StatusNoShow:
		return outbox.EventAppointmentNoShow
	default:
		return outbox.EventAppointmentUpdated
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var appt model.Appointment
	var updatedAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.PatientID,
		&appt.ProviderID,
		&appt.Date,
		&appt.StartMinute,
		&appt.DurationMinutes,
		&appt.Status,
		&appt.Reason,
		&appt.Notes,
		&appt.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.UpdatedAt = updatedAt
	return appt, nil
}

// mapConstraintError converts an exclusion-constraint violation into the
// domain conflict error; everything else passes through.
func mapConstraintError(err error, appt model.Appointment) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return &scheduling.ConflictError{
			ProviderID:      appt.ProviderID,
			Date:            appt.Date,
			StartMinute:     appt.StartMinute,
			DurationMinutes: appt.DurationMinutes,
		}
	}
	return err
}
