package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/telemed/slotbooker/internal/schedule"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID             uuid.UUID
	Name           string
	Specialization *string
	WeeklyHours    schedule.WeeklyTemplate
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Appointment is one claimed slot. At most one scheduled appointment may
// exist per (doctor, date, time); canceled and completed rows do not
// occupy a slot.
type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	Date               schedule.Date
	Time               schedule.TimeOfDay
	Status             Status
	PreviousDate       *schedule.Date
	PreviousTime       *schedule.TimeOfDay
	RescheduleCount    int
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
