package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/telemed/slotbooker/internal/schedule"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Store contains all DB interactions needed by the service. The same
// interface is implemented by the pool-backed repository and by the
// per-transaction handle passed to InTx callbacks, so precondition checks
// and the write they guard can share one atomic unit of work.
type Store interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// GetDoctorForUpdate row-locks the doctor so concurrent bookings for
	// the same doctor serialize inside their transactions.
	GetDoctorForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Occupancy reads
	ListScheduledTimes(ctx context.Context, doctorID uuid.UUID, date schedule.Date) ([]schedule.TimeOfDay, error)
	// ScheduledSlotTaken reports whether a scheduled appointment other than
	// exclude occupies (doctorID, date, t). Pass uuid.Nil to exclude none.
	ScheduledSlotTaken(ctx context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay, exclude uuid.UUID) (bool, error)

	// Writes
	InsertAppointment(ctx context.Context, appt *Appointment) error
	UpdateAppointmentSlot(ctx context.Context, appt *Appointment) error
	MarkCanceled(ctx context.Context, id, patientID uuid.UUID, reason string) (bool, error)
	MarkCompleted(ctx context.Context, id, doctorID uuid.UUID) (bool, error)

	// Listings
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, date *schedule.Date) ([]Appointment, error)
	ListScheduledOn(ctx context.Context, date schedule.Date) ([]Appointment, error)
}

// Repository adds the transactional boundary. InTx runs fn inside a single
// transaction with a bounded timeout; fn's Store is bound to that
// transaction. Any error from fn rolls the transaction back.
type Repository interface {
	Store
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
