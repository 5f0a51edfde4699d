package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitalclinic/scheduling/internal/model"
	"github.com/vitalclinic/scheduling/internal/scheduling"
)

// AppointmentHandler exposes the scheduling service over HTTP. Dates travel
// as "2006-01-02" and times of day as "HH:MM"; domain errors are mapped to
// status codes in writeDomainError.
type AppointmentHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *scheduling.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

type appointmentRequest struct {
	ID              int64  `json:"id,omitempty"`
	PatientID       int64  `json:"patient_id"`
	ProviderID      int64  `json:"provider_id"`
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes,omitempty"`
}

type appointmentResponse struct {
	ID              int64  `json:"id"`
	PatientID       int64  `json:"patient_id"`
	ProviderID      int64  `json:"provider_id"`
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

type cancelRequest struct {
	ID int64 `json:"id"`
}

type slotsResponse struct {
	ProviderID int64    `json:"provider_id"`
	Date       string   `json:"date"`
	Slots      []string `json:"slots"`
}

func toResponse(appt model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:              appt.ID,
		PatientID:       appt.PatientID,
		ProviderID:      appt.ProviderID,
		Date:            appt.Date.Format(model.DateLayout),
		StartTime:       model.MinuteString(appt.StartMinute),
		EndTime:         model.MinuteString(appt.EndMinute()),
		DurationMinutes: appt.DurationMinutes,
		Status:          string(appt.Status),
		Reason:          appt.Reason,
		Notes:           appt.Notes,
		CreatedAt:       appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.UpdatedAt != nil {
		resp.UpdatedAt = appt.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// decodeInput maps the wire DTO onto the service input. Parse failures of
// date and start_time surface as validation errors on the same field names
// the service itself uses.
func decodeInput(req appointmentRequest) (scheduling.AppointmentInput, error) {
	in := scheduling.AppointmentInput{
		PatientID:       req.PatientID,
		ProviderID:      req.ProviderID,
		DurationMinutes: req.DurationMinutes,
		Reason:          req.Reason,
		Notes:           strings.TrimSpace(req.Notes),
	}

	if strings.TrimSpace(req.Date) != "" {
		date, err := time.ParseInLocation(model.DateLayout, req.Date, time.UTC)
		if err != nil {
			return in, &scheduling.ValidationError{Field: "date", Reason: "must be formatted as YYYY-MM-DD"}
		}
		in.Date = date
	}

	if strings.TrimSpace(req.StartTime) != "" {
		minute, err := model.ParseMinute(req.StartTime)
		if err != nil {
			return in, &scheduling.ValidationError{Field: "start_time", Reason: "must be formatted as HH:MM"}
		}
		in.StartMinute = minute
	}
	return in, nil
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "invalid json body")
		return
	}
	in, err := decodeInput(req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	appt, err := h.svc.Schedule(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "invalid json body")
		return
	}
	in, err := decodeInput(req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	appt, err := h.svc.Update(r.Context(), req.ID, in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "invalid json body")
		return
	}

	appt, err := h.svc.Cancel(r.Context(), req.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := queryID(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

// List serves both patient history and provider schedules; exactly one of
// patient_id and provider_id must be present.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	patientRaw := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	providerRaw := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if (patientRaw == "") == (providerRaw == "") {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "exactly one of patient_id and provider_id is required")
		return
	}

	var appts []model.Appointment
	var err error
	if patientRaw != "" {
		var patientID int64
		if patientID, err = parseID("patient_id", patientRaw); err == nil {
			appts, err = h.svc.ListByPatient(r.Context(), patientID)
		}
	} else {
		var providerID int64
		if providerID, err = parseID("provider_id", providerRaw); err == nil {
			appts, err = h.svc.ListByProvider(r.Context(), providerID)
		}
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	providerID, err := queryID(r, "provider_id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dateRaw := strings.TrimSpace(r.URL.Query().Get("date"))
	date, perr := time.ParseInLocation(model.DateLayout, dateRaw, time.UTC)
	if perr != nil {
		h.writeDomainError(w, &scheduling.ValidationError{Field: "date", Reason: "must be formatted as YYYY-MM-DD"})
		return
	}

	minutes, err := h.svc.AvailableSlots(r.Context(), providerID, date)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	slots := make([]string, 0, len(minutes))
	for _, m := range minutes {
		slots = append(slots, model.MinuteString(m))
	}
	writeJSON(w, http.StatusOK, slotsResponse{
		ProviderID: providerID,
		Date:       date.Format(model.DateLayout),
		Slots:      slots,
	})
}

func queryID(r *http.Request, name string) (int64, error) {
	return parseID(name, strings.TrimSpace(r.URL.Query().Get(name)))
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &scheduling.ValidationError{Field: name, Reason: "must be a positive identifier"}
	}
	return id, nil
}

func (h *AppointmentHandler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *scheduling.ValidationError
	var nferr *scheduling.NotFoundError
	var cerr *scheduling.ConflictError
	var serr *scheduling.StateError
	switch {
	case errors.As(err, &verr):
		writeErrorJSON(w, http.StatusBadRequest, "validation_failed", verr.Error())
	case errors.As(err, &nferr):
		writeErrorJSON(w, http.StatusNotFound, "not_found", nferr.Error())
	case errors.As(err, &cerr):
		writeErrorJSON(w, http.StatusConflict, "conflict", cerr.Error())
	case errors.As(err, &serr):
		writeErrorJSON(w, http.StatusConflict, "invalid_state", serr.Error())
	default:
		h.logger.Error("request failed", "err", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorJSON(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}
