package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/telemed/slotbooker/internal/booking"
)

type BookAppointmentRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Time      string `json:"time"` // HH:MM
}

type RescheduleAppointmentRequest struct {
	PatientID string `json:"patient_id"`
	NewDate   string `json:"new_date"`
	NewTime   string `json:"new_time"`
}

type CancelAppointmentRequest struct {
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason"`
}

type CompleteAppointmentRequest struct {
	DoctorID string `json:"doctor_id"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          uuid.UUID `json:"patient_id"`
	DoctorID           uuid.UUID `json:"doctor_id"`
	Date               string    `json:"date"`
	Time               string    `json:"time"`
	Status             string    `json:"status"`
	PreviousDate       *string   `json:"previous_date,omitempty"`
	PreviousTime       *string   `json:"previous_time,omitempty"`
	RescheduleCount    int       `json:"reschedule_count"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type AvailabilityResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
}

type SlotCheckResponse struct {
	Available bool `json:"available"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		Date:               a.Date.String(),
		Time:               a.Time.String(),
		Status:             string(a.Status),
		RescheduleCount:    a.RescheduleCount,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
	if a.PreviousDate != nil {
		v := a.PreviousDate.String()
		resp.PreviousDate = &v
	}
	if a.PreviousTime != nil {
		v := a.PreviousTime.String()
		resp.PreviousTime = &v
	}
	return resp
}
