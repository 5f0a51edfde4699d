package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/vitalclinic/scheduling/internal/availability"
	"github.com/vitalclinic/scheduling/internal/model"
)

// memStore is an in-memory Store for service tests. Conflict detection uses
// the same interval math as production, list orderings mirror the repository's
// ORDER BY clauses, and Update compares-and-swaps on status like the SQL
// guard; the exclusion-constraint backstop is not modelled here.
type memStore struct {
	nextID int64
	appts  map[int64]model.Appointment
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, appts: map[int64]model.Appointment{}}
}

func (m *memStore) FindByID(_ context.Context, id int64) (*model.Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memStore) FindByPatient(_ context.Context, patientID int64) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	// Most recent first, like the repository's ORDER BY.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].StartMinute > out[j].StartMinute
	})
	return out, nil
}

func (m *memStore) FindByProvider(_ context.Context, providerID int64) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range m.appts {
		if a.ProviderID == providerID {
			out = append(out, a)
		}
	}
	// Chronological, like the repository's ORDER BY.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartMinute < out[j].StartMinute
	})
	return out, nil
}

func (m *memStore) FindByProviderAndDate(_ context.Context, providerID int64, date time.Time) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range m.appts {
		if a.ProviderID == providerID && a.Date.Equal(date) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ExistsConflict(_ context.Context, providerID int64, date time.Time, startMinute, durationMinutes int, excludeID int64) (bool, error) {
	candidate := availability.Interval{Start: startMinute, End: startMinute + durationMinutes}
	var busy []availability.Interval
	for _, a := range m.appts {
		if a.ID == excludeID || a.ProviderID != providerID || !a.Date.Equal(date) || !a.Status.OccupiesTime() {
			continue
		}
		busy = append(busy, availability.Interval{Start: a.StartMinute, End: a.EndMinute()})
	}
	return availability.HasConflict(candidate, busy), nil
}

func (m *memStore) Create(_ context.Context, appt model.Appointment) (model.Appointment, error) {
	appt.ID = m.nextID
	m.nextID++
	m.appts[appt.ID] = appt
	return appt, nil
}

func (m *memStore) Update(_ context.Context, appt model.Appointment, expected model.Status) (model.Appointment, error) {
	current, ok := m.appts[appt.ID]
	if !ok {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: appt.ID}
	}
	if current.Status != expected {
		op := OpUpdate
		if appt.Status == model.StatusCancelled {
			op = OpCancel
		}
		return model.Appointment{}, &StateError{Status: current.Status, Op: op}
	}
	m.appts[appt.ID] = appt
	return appt, nil
}

type fakePatients struct {
	known map[int64]bool
}

func (f fakePatients) Exists(_ context.Context, id int64) (bool, error) {
	return f.known[id], nil
}

type fakeProviders struct {
	known map[int64]bool
}

func (f fakeProviders) Get(_ context.Context, id int64) (*Provider, error) {
	if !f.known[id] {
		return nil, nil
	}
	return &Provider{ID: id, FullName: "Dr. Example", Available: true}, nil
}

var (
	clockNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	day      = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
)

func newTestService(store Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	patients := fakePatients{known: map[int64]bool{1: true, 2: true}}
	providers := fakeProviders{known: map[int64]bool{7: true, 8: true}}
	return NewService(store, patients, providers, availability.DefaultGrid(), logger, func() time.Time { return clockNow })
}

func scheduleAt(t *testing.T, svc *Service, startMinute int) model.Appointment {
	t.Helper()
	appt, err := svc.Schedule(context.Background(), AppointmentInput{
		PatientID:       1,
		ProviderID:      7,
		Date:            day,
		StartMinute:     startMinute,
		DurationMinutes: 30,
		Reason:          "consultation",
	})
	if err != nil {
		t.Fatalf("schedule at %s failed: %v", model.MinuteString(startMinute), err)
	}
	return appt
}

func TestSchedule_RoundTrip(t *testing.T) {
	svc := newTestService(newMemStore())
	created := scheduleAt(t, svc, 9*60)

	if created.ID == 0 {
		t.Fatal("expected persistence-assigned id")
	}
	if created.Status != model.StatusScheduled {
		t.Fatalf("expected status scheduled, got %s", created.Status)
	}
	if !created.CreatedAt.Equal(clockNow) {
		t.Fatalf("expected created_at %v, got %v", clockNow, created.CreatedAt)
	}
	if created.UpdatedAt != nil {
		t.Fatal("updated_at must be nil on creation")
	}

	got, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PatientID != 1 || got.ProviderID != 7 || !got.Date.Equal(day) ||
		got.StartMinute != 9*60 || got.DurationMinutes != 30 || got.Reason != "consultation" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestSchedule_UnknownReferences(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Schedule(context.Background(), AppointmentInput{
		PatientID: 99, ProviderID: 7, Date: day, StartMinute: 9 * 60, DurationMinutes: 30, Reason: "x",
	})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "patient" {
		t.Fatalf("expected patient NotFoundError, got %v", err)
	}

	_, err = svc.Schedule(context.Background(), AppointmentInput{
		PatientID: 1, ProviderID: 99, Date: day, StartMinute: 9 * 60, DurationMinutes: 30, Reason: "x",
	})
	if !errors.As(err, &nf) || nf.Kind != "provider" {
		t.Fatalf("expected provider NotFoundError, got %v", err)
	}
}

func TestSchedule_OverlapRejected(t *testing.T) {
	svc := newTestService(newMemStore())
	scheduleAt(t, svc, 9*60) // 09:00-09:30

	// 09:15 < 09:30 and 09:45 > 09:00: overlap.
	_, err := svc.Schedule(context.Background(), AppointmentInput{
		PatientID: 2, ProviderID: 7, Date: day, StartMinute: 9*60 + 15, DurationMinutes: 30, Reason: "follow-up",
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if cerr.ProviderID != 7 || cerr.StartMinute != 9*60+15 {
		t.Fatalf("ConflictError should name the offending interval, got %+v", cerr)
	}
}

func TestSchedule_BackToBackAllowed(t *testing.T) {
	svc := newTestService(newMemStore())
	scheduleAt(t, svc, 9*60)

	// Candidate end == existing start boundary: not a conflict.
	if _, err := svc.Schedule(context.Background(), AppointmentInput{
		PatientID: 2, ProviderID: 7, Date: day, StartMinute: 9*60 + 30, DurationMinutes: 30, Reason: "follow-up",
	}); err != nil {
		t.Fatalf("back-to-back appointment should succeed, got %v", err)
	}
}

func TestSchedule_OtherProviderUnaffected(t *testing.T) {
	svc := newTestService(newMemStore())
	scheduleAt(t, svc, 9*60)

	if _, err := svc.Schedule(context.Background(), AppointmentInput{
		PatientID: 2, ProviderID: 8, Date: day, StartMinute: 9 * 60, DurationMinutes: 30, Reason: "other provider",
	}); err != nil {
		t.Fatalf("same slot with a different provider should succeed, got %v", err)
	}
}

func TestAvailableSlots_BookedAndFreed(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)

	slots, err := svc.AvailableSlots(context.Background(), 7, day)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 15 {
		t.Fatalf("expected 15 of 16 slots with 09:00 booked, got %d", len(slots))
	}
	for _, m := range slots {
		if m == 9*60 {
			t.Fatal("09:00 must be omitted while booked")
		}
	}

	if _, err := svc.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	slots, err = svc.AvailableSlots(context.Background(), 7, day)
	if err != nil {
		t.Fatalf("slots after cancel: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("expected full grid after cancellation, got %d", len(slots))
	}
}

func TestAvailableSlots_NoShowStillBlocks(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	appt := scheduleAt(t, svc, 10*60)

	if _, err := svc.RecordVisitOutcome(context.Background(), appt.ID, model.StatusNoShow); err != nil {
		t.Fatalf("record no-show: %v", err)
	}

	slots, err := svc.AvailableSlots(context.Background(), 7, day)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	for _, m := range slots {
		if m == 10*60 {
			t.Fatal("a no-show appointment must still block its slot")
		}
	}
}

func TestAvailableSlots_PastDateRejected(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.AvailableSlots(context.Background(), 7, clockNow.AddDate(0, 0, -1))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "date" {
		t.Fatalf("expected date ValidationError, got %v", err)
	}
}

func TestCancel_Terminality(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)

	cancelled, err := svc.Cancel(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.UpdatedAt == nil {
		t.Fatal("cancel must set updated_at")
	}

	// Repeated cancels always fail, no matter how often attempted.
	for i := 0; i < 3; i++ {
		_, err = svc.Cancel(context.Background(), appt.ID)
		var serr *StateError
		if !errors.As(err, &serr) {
			t.Fatalf("attempt %d: expected StateError, got %v", i+1, err)
		}
	}
}

func TestCancel_CompletedRejected(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)
	if _, err := svc.RecordVisitOutcome(context.Background(), appt.ID, model.StatusCompleted); err != nil {
		t.Fatalf("record completed: %v", err)
	}

	_, err := svc.Cancel(context.Background(), appt.ID)
	var serr *StateError
	if !errors.As(err, &serr) || serr.Status != model.StatusCompleted {
		t.Fatalf("expected StateError for completed appointment, got %v", err)
	}
}

func TestUpdate_CancelledRejected(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)
	if _, err := svc.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := svc.Update(context.Background(), appt.ID, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 11 * 60, DurationMinutes: 30, Reason: "new reason",
	})
	var serr *StateError
	if !errors.As(err, &serr) {
		t.Fatalf("updating a cancelled appointment must be a StateError, got %v", err)
	}
}

func TestUpdate_MovesAppointment(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)

	updated, err := svc.Update(context.Background(), appt.ID, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 13 * 60, DurationMinutes: 45, Reason: "extended visit",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.StartMinute != 13*60 || updated.DurationMinutes != 45 {
		t.Fatalf("update did not apply fields: %+v", updated)
	}
	if updated.UpdatedAt == nil || !updated.UpdatedAt.Equal(clockNow) {
		t.Fatalf("expected updated_at %v, got %v", clockNow, updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(appt.CreatedAt) {
		t.Fatal("created_at must be immutable")
	}
}

func TestUpdate_ExcludesSelfFromConflict(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)

	// Shifting within its own current interval must not self-conflict.
	if _, err := svc.Update(context.Background(), appt.ID, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 9*60 + 15, DurationMinutes: 30, Reason: "shifted",
	}); err != nil {
		t.Fatalf("self-overlapping update should succeed, got %v", err)
	}
}

func TestUpdate_ConflictWithOther(t *testing.T) {
	svc := newTestService(newMemStore())
	scheduleAt(t, svc, 9*60)
	second := scheduleAt(t, svc, 11*60)

	_, err := svc.Update(context.Background(), second.ID, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 9*60 + 15, DurationMinutes: 30, Reason: "collide",
	})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.Update(context.Background(), 42, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 9 * 60, DurationMinutes: 30, Reason: "x",
	})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "appointment" {
		t.Fatalf("expected appointment NotFoundError, got %v", err)
	}
}

func TestRecordVisitOutcome_Rules(t *testing.T) {
	svc := newTestService(newMemStore())
	appt := scheduleAt(t, svc, 9*60)

	if _, err := svc.RecordVisitOutcome(context.Background(), appt.ID, model.StatusScheduled); err == nil {
		t.Fatal("only completed and no_show are valid outcomes")
	}

	if _, err := svc.Cancel(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := svc.RecordVisitOutcome(context.Background(), appt.ID, model.StatusCompleted)
	var serr *StateError
	if !errors.As(err, &serr) {
		t.Fatalf("outcome on a cancelled appointment must be a StateError, got %v", err)
	}
}

func TestListValidation(t *testing.T) {
	svc := newTestService(newMemStore())
	if _, err := svc.ListByPatient(context.Background(), 0); err == nil {
		t.Fatal("non-positive patient id must be rejected")
	}
	if _, err := svc.ListByProvider(context.Background(), -1); err == nil {
		t.Fatal("non-positive provider id must be rejected")
	}
}

// interposeStore runs a hook before each Update, standing in for writes that
// land between the service's load and its commit.
type interposeStore struct {
	*memStore
	beforeUpdate func()
}

func (s *interposeStore) Update(ctx context.Context, appt model.Appointment, expected model.Status) (model.Appointment, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	return s.memStore.Update(ctx, appt, expected)
}

func setStatus(store *memStore, id int64, status model.Status) {
	row := store.appts[id]
	row.Status = status
	store.appts[id] = row
}

func TestCancel_ConcurrentCompletionNotOverwritten(t *testing.T) {
	store := newMemStore()
	wrapped := &interposeStore{memStore: store}
	svc := newTestService(wrapped)
	appt := scheduleAt(t, svc, 9*60)

	// A visit-completion event lands after Cancel's load but before its write.
	wrapped.beforeUpdate = func() { setStatus(store, appt.ID, model.StatusCompleted) }

	_, err := svc.Cancel(context.Background(), appt.ID)
	var serr *StateError
	if !errors.As(err, &serr) || serr.Status != model.StatusCompleted || serr.Op != OpCancel {
		t.Fatalf("expected cancel StateError naming completed, got %v", err)
	}
	if got := store.appts[appt.ID].Status; got != model.StatusCompleted {
		t.Fatalf("completed appointment must survive a racing cancel, got %s", got)
	}
}

func TestUpdate_ConcurrentOutcomeNotReverted(t *testing.T) {
	store := newMemStore()
	wrapped := &interposeStore{memStore: store}
	svc := newTestService(wrapped)
	appt := scheduleAt(t, svc, 9*60)

	wrapped.beforeUpdate = func() { setStatus(store, appt.ID, model.StatusNoShow) }

	_, err := svc.Update(context.Background(), appt.ID, AppointmentInput{
		PatientID: 1, ProviderID: 7, Date: day, StartMinute: 11 * 60, DurationMinutes: 30, Reason: "moved",
	})
	var serr *StateError
	if !errors.As(err, &serr) || serr.Status != model.StatusNoShow {
		t.Fatalf("expected StateError naming no_show, got %v", err)
	}
	if got := store.appts[appt.ID].Status; got != model.StatusNoShow {
		t.Fatalf("recorded outcome must survive a racing update, got %s", got)
	}
}

func TestRecordVisitOutcome_ConcurrentCancelWins(t *testing.T) {
	store := newMemStore()
	wrapped := &interposeStore{memStore: store}
	svc := newTestService(wrapped)
	appt := scheduleAt(t, svc, 9*60)

	wrapped.beforeUpdate = func() { setStatus(store, appt.ID, model.StatusCancelled) }

	_, err := svc.RecordVisitOutcome(context.Background(), appt.ID, model.StatusCompleted)
	var serr *StateError
	if !errors.As(err, &serr) || serr.Status != model.StatusCancelled {
		t.Fatalf("expected StateError naming cancelled, got %v", err)
	}
	if got := store.appts[appt.ID].Status; got != model.StatusCancelled {
		t.Fatalf("cancellation must survive a racing outcome, got %s", got)
	}
}

func TestList_Ordering(t *testing.T) {
	svc := newTestService(newMemStore())

	book := func(date time.Time, startMinute int) {
		t.Helper()
		if _, err := svc.Schedule(context.Background(), AppointmentInput{
			PatientID: 1, ProviderID: 7, Date: date, StartMinute: startMinute,
			DurationMinutes: 30, Reason: "checkup",
		}); err != nil {
			t.Fatalf("schedule %s %s: %v", date.Format(model.DateLayout), model.MinuteString(startMinute), err)
		}
	}
	book(day, 10*60)
	book(day.AddDate(0, 0, 2), 9*60)
	book(day, 9*60)

	history, err := svc.ListByPatient(context.Background(), 1)
	if err != nil {
		t.Fatalf("list by patient: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("want 3 appointments, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.Date.After(prev.Date) || (cur.Date.Equal(prev.Date) && cur.StartMinute > prev.StartMinute) {
			t.Fatalf("patient history must be most recent first, got %s %s before %s %s",
				prev.Date.Format(model.DateLayout), model.MinuteString(prev.StartMinute),
				cur.Date.Format(model.DateLayout), model.MinuteString(cur.StartMinute))
		}
	}

	schedule, err := svc.ListByProvider(context.Background(), 7)
	if err != nil {
		t.Fatalf("list by provider: %v", err)
	}
	if len(schedule) != 3 {
		t.Fatalf("want 3 appointments, got %d", len(schedule))
	}
	for i := 1; i < len(schedule); i++ {
		prev, cur := schedule[i-1], schedule[i]
		if cur.Date.Before(prev.Date) || (cur.Date.Equal(prev.Date) && cur.StartMinute < prev.StartMinute) {
			t.Fatalf("provider schedule must be chronological, got %s %s before %s %s",
				prev.Date.Format(model.DateLayout), model.MinuteString(prev.StartMinute),
				cur.Date.Format(model.DateLayout), model.MinuteString(cur.StartMinute))
		}
	}
}
