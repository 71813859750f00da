package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/telemed/slotbooker/internal/booking"
	"github.com/telemed/slotbooker/internal/schedule"
)

// Arbiter is the slice of the booking service the HTTP layer depends on.
type Arbiter interface {
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date schedule.Date) ([]schedule.TimeOfDay, error)
	CheckSlotAvailability(ctx context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay) (bool, error)
	Book(ctx context.Context, patientID, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay) (*booking.Appointment, error)
	Reschedule(ctx context.Context, apptID, patientID uuid.UUID, newDate schedule.Date, newTime schedule.TimeOfDay) (*booking.Appointment, error)
	Cancel(ctx context.Context, apptID, patientID uuid.UUID, reason string) error
	Complete(ctx context.Context, apptID, doctorID uuid.UUID) error
	ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.Appointment, error)
	ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, date *schedule.Date) ([]booking.Appointment, error)
}

func availabilityHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date, err := schedule.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.AvailableSlots(r.Context(), doctorID, date)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		out := make([]string, 0, len(slots))
		for _, s := range slots {
			out = append(out, s.String())
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{DoctorID: doctorID, Date: date.String(), Slots: out})
	}
}

func checkSlotHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date, err := schedule.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		tod, err := schedule.ParseTimeOfDay(r.URL.Query().Get("time"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:MM")
			return
		}

		available, err := svc.CheckSlotAvailability(r.Context(), doctorID, date, tod)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotCheckResponse{Available: available})
	}
}

func bookAppointmentHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, ok := requesterID(w, r, "patient", req.PatientID, "patient_id")
		if !ok {
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		date, err := schedule.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		tod, err := schedule.ParseTimeOfDay(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:MM")
			return
		}

		appt, err := svc.Book(r.Context(), patientID, doctorID, date, tod)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var date *schedule.Date
		if raw := q.Get("date"); raw != "" {
			d, err := schedule.ParseDate(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			date = &d
		}

		var appts []booking.Appointment
		switch {
		case q.Get("doctor_id") != "":
			doctorID, ok := requesterID(w, r, "doctor", q.Get("doctor_id"), "doctor_id")
			if !ok {
				return
			}
			var err error
			appts, err = svc.ListDoctorAppointments(r.Context(), doctorID, date)
			if err != nil {
				handleDomainError(w, err)
				return
			}
		case q.Get("patient_id") != "":
			patientID, ok := requesterID(w, r, "patient", q.Get("patient_id"), "patient_id")
			if !ok {
				return
			}
			limit, _ := strconv.Atoi(q.Get("limit"))
			offset, _ := strconv.Atoi(q.Get("offset"))
			var err error
			appts, err = svc.ListPatientAppointments(r.Context(), patientID, limit, offset)
			if err != nil {
				handleDomainError(w, err)
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or doctor_id is required")
			return
		}

		out := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			out = append(out, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func rescheduleAppointmentHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, ok := requesterID(w, r, "patient", req.PatientID, "patient_id")
		if !ok {
			return
		}
		newDate, err := schedule.ParseDate(req.NewDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "new_date must be YYYY-MM-DD")
			return
		}
		newTime, err := schedule.ParseTimeOfDay(req.NewTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "new_time must be HH:MM")
			return
		}

		appt, err := svc.Reschedule(r.Context(), apptID, patientID, newDate, newTime)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, ok := requesterID(w, r, "patient", req.PatientID, "patient_id")
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), apptID, patientID, req.Reason); err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	}
}

func completeAppointmentHandler(svc Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CompleteAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, ok := requesterID(w, r, "doctor", req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		if err := svc.Complete(r.Context(), apptID, doctorID); err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

// requesterID resolves the acting party for an operation. With auth
// enabled the token decides: the actor must carry the wanted role and the
// explicit id (when sent) must match. Without auth the explicit id is
// trusted as-is.
func requesterID(w http.ResponseWriter, r *http.Request, role, explicit, field string) (uuid.UUID, bool) {
	if actor, ok := ActorFromContext(r.Context()); ok {
		if actor.Role != role {
			writeError(w, http.StatusForbidden, "wrong_role", "operation requires role "+role)
			return uuid.Nil, false
		}
		if explicit != "" {
			id, err := uuid.Parse(explicit)
			if err != nil || id != actor.ID {
				writeError(w, http.StatusForbidden, "actor_mismatch", field+" does not match the authenticated actor")
				return uuid.Nil, false
			}
		}
		return actor.ID, true
	}

	id, err := uuid.Parse(explicit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is no longer available, please pick another")
	case errors.Is(err, booking.ErrContention):
		writeError(w, http.StatusConflict, "contention", "slot is being booked, please retry shortly")
	case errors.Is(err, booking.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", "appointment cannot be modified")
	case errors.Is(err, booking.ErrSlotNotInSchedule):
		writeError(w, http.StatusUnprocessableEntity, "slot_not_in_schedule", err.Error())
	case errors.Is(err, booking.ErrDateTooSoon):
		writeError(w, http.StatusUnprocessableEntity, "date_too_soon", err.Error())
	case errors.Is(err, booking.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, "reason_required", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
