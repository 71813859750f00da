package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/slotbooker/internal/config"
	"github.com/telemed/slotbooker/internal/metrics"
	redisclient "github.com/telemed/slotbooker/internal/redis"
	"github.com/telemed/slotbooker/internal/schedule"
)

var (
	// ErrSlotConflict means the slot is genuinely occupied. Callers must
	// not retry; they should re-fetch availability instead.
	ErrSlotConflict = errors.New("slot already has a scheduled appointment")

	// ErrContention is transient transactional trouble (lock busy,
	// serialization failure, timeout). Safe to retry a bounded number of
	// times.
	ErrContention = errors.New("transient contention, please retry")

	ErrInvalidState      = errors.New("appointment is not in a modifiable state")
	ErrSlotNotInSchedule = errors.New("time is not a slot in the doctor's schedule")
	ErrDateTooSoon       = errors.New("appointment date is before the minimum lead time")
	ErrReasonRequired    = errors.New("cancellation reason is required")
)

// Service is the booking arbiter: it computes true availability and
// performs race-safe state transitions on appointments. Every
// check-then-act sequence runs inside one store transaction; the Redis
// slot lock in front of it only thins the herd.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	log    zerolog.Logger

	// now is swapped in tests to pin the lead-time policy.
	now func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// AvailableSlots returns the doctor's candidate grid for the date minus
// slots held by scheduled appointments, in grid order. An empty result is
// not an error: the doctor may simply not work that day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date schedule.Date) ([]schedule.TimeOfDay, error) {
	start := time.Now()
	defer func() {
		metrics.AvailabilitySeconds.Observe(time.Since(start).Seconds())
	}()

	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	grid := schedule.Resolve(doctor.WeeklyHours, date, s.cfg.SlotIntervalMinutes)
	if len(grid) == 0 {
		return []schedule.TimeOfDay{}, nil
	}

	booked, err := s.repo.ListScheduledTimes(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list scheduled times: %w", err)
	}

	taken := make(map[schedule.TimeOfDay]struct{}, len(booked))
	for _, t := range booked {
		taken[t] = struct{}{}
	}

	available := make([]schedule.TimeOfDay, 0, len(grid))
	for _, slot := range grid {
		if _, ok := taken[slot]; !ok {
			available = append(available, slot)
		}
	}
	return available, nil
}

// CheckSlotAvailability reports whether a single slot is on the doctor's
// grid and currently unoccupied. Read-only; the authoritative check still
// happens inside Book's transaction.
func (s *Service) CheckSlotAvailability(ctx context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay) (bool, error) {
	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return false, err
		}
		return false, fmt.Errorf("load doctor: %w", err)
	}

	grid := schedule.Resolve(doctor.WeeklyHours, date, s.cfg.SlotIntervalMinutes)
	if !schedule.Contains(grid, t) {
		return false, nil
	}

	occupied, err := s.repo.ScheduledSlotTaken(ctx, doctorID, date, t, uuid.Nil)
	if err != nil {
		return false, fmt.Errorf("check occupancy: %w", err)
	}
	return !occupied, nil
}

// Book claims a slot for a patient. The occupancy re-check and the insert
// share one transaction, so two concurrent bookers can never both pass the
// check; the partial unique index backstops the same invariant.
func (s *Service) Book(ctx context.Context, patientID, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay) (*Appointment, error) {
	if err := s.checkLeadTime(date); err != nil {
		metrics.BookingsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		metrics.BookingsTotal.WithLabelValues(bookingOutcome(err)).Inc()
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		metrics.BookingsTotal.WithLabelValues(bookingOutcome(err)).Inc()
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	grid := schedule.Resolve(doctor.WeeklyHours, date, s.cfg.SlotIntervalMinutes)
	if !schedule.Contains(grid, t) {
		metrics.BookingsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, ErrSlotNotInSchedule
	}

	var created *Appointment

	err = s.withRetry(ctx, "book", func(ctx context.Context) error {
		return s.withSlotLock(ctx, doctorID, date, t, func(lockCtx context.Context) error {
			return s.repo.InTx(lockCtx, func(txCtx context.Context, tx Store) error {
				// Serialize against other bookings for this doctor.
				if _, err := tx.GetDoctorForUpdate(txCtx, doctorID); err != nil {
					return err
				}

				occupied, err := tx.ScheduledSlotTaken(txCtx, doctorID, date, t, uuid.Nil)
				if err != nil {
					return fmt.Errorf("check occupancy: %w", err)
				}
				if occupied {
					return ErrSlotConflict
				}

				appt := &Appointment{
					ID:        uuid.New(),
					PatientID: patientID,
					DoctorID:  doctorID,
					Date:      date,
					Time:      t,
					Status:    StatusScheduled,
				}
				if err := tx.InsertAppointment(txCtx, appt); err != nil {
					return fmt.Errorf("insert appointment: %w", err)
				}

				created = appt
				return nil
			})
		})
	})
	if err != nil {
		metrics.BookingsTotal.WithLabelValues(bookingOutcome(err)).Inc()
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", doctorID.String()).
		Str("date", date.String()).
		Str("time", t.String()).
		Msg("appointment booked")
	return created, nil
}

// Reschedule moves a scheduled appointment owned by the patient to a new
// slot. Ownership, state, and occupancy (excluding the appointment itself)
// are all re-validated inside the transaction.
func (s *Service) Reschedule(ctx context.Context, apptID, patientID uuid.UUID, newDate schedule.Date, newTime schedule.TimeOfDay) (*Appointment, error) {
	if err := s.checkLeadTime(newDate); err != nil {
		metrics.ReschedulesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	// Non-authoritative pre-read for the lock key; everything is
	// re-checked under the transaction.
	current, err := s.repo.GetAppointment(ctx, apptID)
	if err != nil {
		metrics.ReschedulesTotal.WithLabelValues(bookingOutcome(err)).Inc()
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if current.PatientID != patientID {
		metrics.ReschedulesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, ErrAppointmentNotFound
	}

	var updated *Appointment

	err = s.withRetry(ctx, "reschedule", func(ctx context.Context) error {
		return s.withSlotLock(ctx, current.DoctorID, newDate, newTime, func(lockCtx context.Context) error {
			return s.repo.InTx(lockCtx, func(txCtx context.Context, tx Store) error {
				appt, err := tx.GetAppointmentForUpdate(txCtx, apptID)
				if err != nil {
					return err
				}
				if appt.PatientID != patientID {
					return ErrAppointmentNotFound
				}
				if appt.Status != StatusScheduled {
					return ErrInvalidState
				}

				doctor, err := tx.GetDoctorForUpdate(txCtx, appt.DoctorID)
				if err != nil {
					return err
				}

				grid := schedule.Resolve(doctor.WeeklyHours, newDate, s.cfg.SlotIntervalMinutes)
				if !schedule.Contains(grid, newTime) {
					return ErrSlotNotInSchedule
				}

				occupied, err := tx.ScheduledSlotTaken(txCtx, appt.DoctorID, newDate, newTime, appt.ID)
				if err != nil {
					return fmt.Errorf("check occupancy: %w", err)
				}
				if occupied {
					return ErrSlotConflict
				}

				prevDate, prevTime := appt.Date, appt.Time
				appt.PreviousDate = &prevDate
				appt.PreviousTime = &prevTime
				appt.Date = newDate
				appt.Time = newTime
				appt.RescheduleCount++

				if err := tx.UpdateAppointmentSlot(txCtx, appt); err != nil {
					return fmt.Errorf("update appointment slot: %w", err)
				}

				updated = appt
				return nil
			})
		})
	})
	if err != nil {
		metrics.ReschedulesTotal.WithLabelValues(bookingOutcome(err)).Inc()
		return nil, err
	}

	metrics.ReschedulesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	s.log.Info().
		Str("appointment_id", apptID.String()).
		Str("new_date", newDate.String()).
		Str("new_time", newTime.String()).
		Int("reschedule_count", updated.RescheduleCount).
		Msg("appointment rescheduled")
	return updated, nil
}

// Cancel transitions scheduled -> canceled for the owning patient and
// stores the reason. Canceled is terminal.
func (s *Service) Cancel(ctx context.Context, apptID, patientID uuid.UUID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}

	err := s.repo.InTx(ctx, func(txCtx context.Context, tx Store) error {
		appt, err := tx.GetAppointmentForUpdate(txCtx, apptID)
		if err != nil {
			return err
		}
		if appt.PatientID != patientID {
			return ErrAppointmentNotFound
		}
		if appt.Status != StatusScheduled {
			return ErrInvalidState
		}

		ok, err := tx.MarkCanceled(txCtx, apptID, patientID, reason)
		if err != nil {
			return fmt.Errorf("mark canceled: %w", err)
		}
		if !ok {
			return ErrInvalidState
		}
		return nil
	})
	if err != nil {
		metrics.CancellationsTotal.WithLabelValues(bookingOutcome(err)).Inc()
		return err
	}

	metrics.CancellationsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	s.log.Info().Str("appointment_id", apptID.String()).Msg("appointment canceled")
	return nil
}

// Complete transitions scheduled -> completed for the owning doctor.
// Completed is terminal.
func (s *Service) Complete(ctx context.Context, apptID, doctorID uuid.UUID) error {
	return s.repo.InTx(ctx, func(txCtx context.Context, tx Store) error {
		appt, err := tx.GetAppointmentForUpdate(txCtx, apptID)
		if err != nil {
			return err
		}
		if appt.DoctorID != doctorID {
			return ErrAppointmentNotFound
		}
		if appt.Status != StatusScheduled {
			return ErrInvalidState
		}

		ok, err := tx.MarkCompleted(txCtx, apptID, doctorID)
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if !ok {
			return ErrInvalidState
		}
		return nil
	})
}

// ListPatientAppointments returns the patient's appointments, newest-first
// paging left to the store's date ordering.
func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// ListDoctorAppointments returns a doctor's appointments, optionally for a
// single date.
func (s *Service) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, date *schedule.Date) ([]Appointment, error) {
	if _, err := s.repo.GetDoctor(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	appts, err := s.repo.ListByDoctor(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appts, nil
}

// RemindNextDay logs a reminder for every appointment scheduled tomorrow
// and returns how many it saw. Called periodically by the reminder worker.
func (s *Service) RemindNextDay(ctx context.Context) (int, error) {
	target := schedule.DateOf(s.now()).AddDays(1)

	appts, err := s.repo.ListScheduledOn(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("list scheduled appointments: %w", err)
	}

	for _, appt := range appts {
		s.log.Info().
			Str("appointment_id", appt.ID.String()).
			Str("patient_id", appt.PatientID.String()).
			Str("doctor_id", appt.DoctorID.String()).
			Str("date", appt.Date.String()).
			Str("time", appt.Time.String()).
			Msg("appointment reminder due")
	}
	return len(appts), nil
}

// checkLeadTime enforces the booking horizon server-side. Client-side
// validation alone would leave the API open to same-day and past-dated
// bookings.
func (s *Service) checkLeadTime(date schedule.Date) error {
	earliest := schedule.DateOf(s.now()).AddDays(s.cfg.MinLeadDays)
	if date.Before(earliest) {
		return fmt.Errorf("%w: earliest bookable date is %s", ErrDateTooSoon, earliest)
	}
	return nil
}

// withSlotLock wraps the locker, folding a busy lock into ErrContention so
// callers see one retryable error class.
func (s *Service) withSlotLock(ctx context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:slot:%s:%s:%s", doctorID, date, t)
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: slot lock busy", ErrContention)
	}
	return err
}

// withRetry re-runs fn a bounded number of times, only on ErrContention.
// SlotConflict and every other failure return immediately.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrContention) || attempt >= s.cfg.ContentionRetries {
			return err
		}

		s.log.Debug().Str("op", op).Int("attempt", attempt+1).Msg("retrying after contention")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSlotConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrContention):
		return metrics.OutcomeContention
	case errors.Is(err, ErrSlotNotInSchedule),
		errors.Is(err, ErrDateTooSoon),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrDoctorNotFound),
		errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrReasonRequired):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
