package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemed/slotbooker/internal/schedule"
)

// DB is the subset of pgxpool.Pool the repository needs; pgxmock satisfies
// it for tests.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pgStore
	db        DB
	txTimeout time.Duration
}

func NewPgRepository(db DB, txTimeout time.Duration) *PgRepository {
	return &PgRepository{pgStore: pgStore{q: db}, db: db, txTimeout: txTimeout}
}

// InTx runs fn inside one transaction with a bounded deadline. A timeout,
// serialization failure, or lock conflict surfaces as ErrContention so the
// caller can retry; anything fn returns rolls the transaction back as-is.
func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	txCtx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	tx, err := r.db.Begin(txCtx)
	if err != nil {
		return mapPgError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback(txCtx)
	}()

	if err := fn(txCtx, pgStore{q: tx}); err != nil {
		// Serialization failures and timeouts can surface from any read
		// inside fn, not only from the writes; map them here so domain
		// errors pass through and transient trouble becomes ErrContention.
		return mapPgError(err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// pgStore implements Store over either the pool or a transaction.
type pgStore struct {
	q querier
}

const appointmentColumns = `id, patient_id, doctor_id, appointment_date, appointment_time, status,
		       previous_date, previous_time, reschedule_count, cancellation_reason,
		       created_at, updated_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialization *string
	var weeklyHours []byte

	err := row.Scan(
		&d.ID,
		&d.Name,
		&specialization,
		&weeklyHours,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialization = specialization
	if len(weeklyHours) > 0 {
		if err := json.Unmarshal(weeklyHours, &d.WeeklyHours); err != nil {
			return nil, fmt.Errorf("decode weekly hours for doctor %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var timeStr string
	var prevDate *time.Time
	var prevTime *string
	var reason *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&date,
		&timeStr,
		&a.Status,
		&prevDate,
		&prevTime,
		&a.RescheduleCount,
		&reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = schedule.DateOf(date)
	a.Time, err = schedule.ParseTimeOfDay(timeStr)
	if err != nil {
		return nil, fmt.Errorf("decode appointment time: %w", err)
	}
	if prevDate != nil {
		d := schedule.DateOf(*prevDate)
		a.PreviousDate = &d
	}
	if prevTime != nil {
		t, err := schedule.ParseTimeOfDay(*prevTime)
		if err != nil {
			return nil, fmt.Errorf("decode previous time: %w", err)
		}
		a.PreviousTime = &t
	}
	a.CancellationReason = reason
	return &a, nil
}

// mapPgError translates driver failures into domain errors: a violated
// slot uniqueness constraint is a real conflict, serialization and lock
// trouble is transient contention.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation on the scheduled-slot index
			return fmt.Errorf("%w: %s", ErrSlotConflict, pgErr.ConstraintName)
		case "40001", "40P01", "55P03": // serialization, deadlock, lock_not_available
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}

// Interface methods

func (s pgStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (s pgStore) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, specialization, weekly_hours, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (s pgStore) GetDoctorForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, specialization, weekly_hours, created_at, updated_at
		FROM doctors
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanDoctor(row)
}

func (s pgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s pgStore) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (s pgStore) ListScheduledTimes(ctx context.Context, doctorID uuid.UUID, date schedule.Date) ([]schedule.TimeOfDay, error) {
	rows, err := s.q.Query(ctx, `
		SELECT appointment_time
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND status = 'scheduled'
		ORDER BY appointment_time
	`, doctorID, date.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []schedule.TimeOfDay
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := schedule.ParseTimeOfDay(raw)
		if err != nil {
			return nil, fmt.Errorf("decode scheduled time: %w", err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s pgStore) ScheduledSlotTaken(ctx context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay, exclude uuid.UUID) (bool, error) {
	// Generated ids are never uuid.Nil, so excluding uuid.Nil excludes
	// nothing.
	var taken bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND appointment_date = $2
			  AND appointment_time = $3
			  AND status = 'scheduled'
			  AND id <> $4
		)
	`, doctorID, date.Time(), t.String(), exclude).Scan(&taken)
	if err != nil {
		return false, mapPgError(err)
	}
	return taken, nil
}

func (s pgStore) InsertAppointment(ctx context.Context, appt *Appointment) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, appointment_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, appt.ID, appt.PatientID, appt.DoctorID, appt.Date.Time(), appt.Time.String(), appt.Status)

	if err := row.Scan(&appt.CreatedAt, &appt.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s pgStore) UpdateAppointmentSlot(ctx context.Context, appt *Appointment) error {
	var prevDate *time.Time
	if appt.PreviousDate != nil {
		t := appt.PreviousDate.Time()
		prevDate = &t
	}
	var prevTime *string
	if appt.PreviousTime != nil {
		v := appt.PreviousTime.String()
		prevTime = &v
	}

	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET appointment_date = $2,
		    appointment_time = $3,
		    previous_date = $4,
		    previous_time = $5,
		    reschedule_count = $6,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		RETURNING updated_at
	`, appt.ID, appt.Date.Time(), appt.Time.String(), prevDate, prevTime, appt.RescheduleCount)

	if err := row.Scan(&appt.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAppointmentNotFound
		}
		return mapPgError(err)
	}
	return nil
}

func (s pgStore) MarkCanceled(ctx context.Context, id, patientID uuid.UUID, reason string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'canceled',
		    cancellation_reason = $3,
		    updated_at = now()
		WHERE id = $1
		  AND patient_id = $2
		  AND status = 'scheduled'
	`, id, patientID, reason)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s pgStore) MarkCompleted(ctx context.Context, id, doctorID uuid.UUID) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    updated_at = now()
		WHERE id = $1
		  AND doctor_id = $2
		  AND status = 'scheduled'
	`, id, doctorID)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s pgStore) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY appointment_date, appointment_time
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (s pgStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID, date *schedule.Date) ([]Appointment, error) {
	var rows pgx.Rows
	var err error
	if date != nil {
		rows, err = s.q.Query(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE doctor_id = $1
			  AND appointment_date = $2
			ORDER BY appointment_time
		`, doctorID, date.Time())
	} else {
		rows, err = s.q.Query(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE doctor_id = $1
			ORDER BY appointment_date, appointment_time
		`, doctorID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (s pgStore) ListScheduledOn(ctx context.Context, date schedule.Date) ([]Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_date = $1
		  AND status = 'scheduled'
		ORDER BY doctor_id, appointment_time
	`, date.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
