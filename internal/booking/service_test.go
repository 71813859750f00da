package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemed/slotbooker/internal/config"
	"github.com/telemed/slotbooker/internal/metrics"
	redisclient "github.com/telemed/slotbooker/internal/redis"
	"github.com/telemed/slotbooker/internal/schedule"
)

// -- Mock repository --

// mockRepo keeps everything in maps. InTx serializes callbacks with a
// mutex, mirroring the transactional guarantee the real store provides.
type mockRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	doctors  map[uuid.UUID]*Doctor
	appts    map[uuid.UUID]*Appointment
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		patients: make(map[uuid.UUID]*Patient),
		doctors:  make(map[uuid.UUID]*Doctor),
		appts:    make(map[uuid.UUID]*Appointment),
	}
}

func (m *mockRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

func (m *mockRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (m *mockRepo) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (m *mockRepo) GetDoctorForUpdate(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return m.GetDoctor(ctx, id)
}

func (m *mockRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetAppointment(ctx, id)
}

func (m *mockRepo) ListScheduledTimes(_ context.Context, doctorID uuid.UUID, date schedule.Date) ([]schedule.TimeOfDay, error) {
	var out []schedule.TimeOfDay
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date == date && a.Status == StatusScheduled {
			out = append(out, a.Time)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *mockRepo) ScheduledSlotTaken(_ context.Context, doctorID uuid.UUID, date schedule.Date, t schedule.TimeOfDay, exclude uuid.UUID) (bool, error) {
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date == date && a.Time == t && a.Status == StatusScheduled && a.ID != exclude {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) InsertAppointment(_ context.Context, appt *Appointment) error {
	appt.CreatedAt = time.Now()
	appt.UpdatedAt = appt.CreatedAt
	cp := *appt
	m.appts[appt.ID] = &cp
	return nil
}

func (m *mockRepo) UpdateAppointmentSlot(_ context.Context, appt *Appointment) error {
	stored, ok := m.appts[appt.ID]
	if !ok || stored.Status != StatusScheduled {
		return ErrAppointmentNotFound
	}
	appt.UpdatedAt = time.Now()
	cp := *appt
	m.appts[appt.ID] = &cp
	return nil
}

func (m *mockRepo) MarkCanceled(_ context.Context, id, patientID uuid.UUID, reason string) (bool, error) {
	a, ok := m.appts[id]
	if !ok || a.PatientID != patientID || a.Status != StatusScheduled {
		return false, nil
	}
	a.Status = StatusCanceled
	a.CancellationReason = &reason
	return true, nil
}

func (m *mockRepo) MarkCompleted(_ context.Context, id, doctorID uuid.UUID) (bool, error) {
	a, ok := m.appts[id]
	if !ok || a.DoctorID != doctorID || a.Status != StatusScheduled {
		return false, nil
	}
	a.Status = StatusCompleted
	return true, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	var out []Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Time.Before(out[j].Time)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, date *schedule.Date) ([]Appointment, error) {
	var out []Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && (date == nil || a.Date == *date) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockRepo) ListScheduledOn(_ context.Context, date schedule.Date) ([]Appointment, error) {
	var out []Appointment
	for _, a := range m.appts {
		if a.Date == date && a.Status == StatusScheduled {
			out = append(out, *a)
		}
	}
	return out, nil
}

// -- Fixtures --

func mustDate(t *testing.T, s string) schedule.Date {
	t.Helper()
	d, err := schedule.ParseDate(s)
	require.NoError(t, err)
	return d
}

func mustTime(t *testing.T, s string) schedule.TimeOfDay {
	t.Helper()
	tod, err := schedule.ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

type fixture struct {
	svc     *Service
	repo    *mockRepo
	patient uuid.UUID
	doctor  uuid.UUID
}

// newFixture wires a service over the mock repo with a doctor working
// Monday 09:00-11:00 and "now" pinned to Saturday 2024-06-08.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepo()

	patientID := uuid.New()
	repo.patients[patientID] = &Patient{ID: patientID, Name: "Pat Doe"}

	doctorID := uuid.New()
	repo.doctors[doctorID] = &Doctor{
		ID:   doctorID,
		Name: "Dr. Grey",
		WeeklyHours: schedule.WeeklyTemplate{
			time.Monday: {Start: mustTime(t, "09:00"), End: mustTime(t, "11:00")},
		},
	}

	cfg := config.Config{
		SlotIntervalMinutes: 30,
		MinLeadDays:         1,
		ContentionRetries:   2,
	}
	svc := NewService(repo, redisclient.NoopLocker{}, cfg, zerolog.Nop())
	svc.now = func() time.Time {
		return time.Date(2024, time.June, 8, 12, 0, 0, 0, time.UTC)
	}

	return &fixture{svc: svc, repo: repo, patient: patientID, doctor: doctorID}
}

func (f *fixture) addAppointment(t *testing.T, date, tod string, status Status) *Appointment {
	t.Helper()
	appt := &Appointment{
		ID:        uuid.New(),
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Date:      mustDate(t, date),
		Time:      mustTime(t, tod),
		Status:    status,
	}
	f.repo.appts[appt.ID] = appt
	return appt
}

// -- Availability --

func TestAvailableSlotsSubtractsOccupied(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "09:30", StatusScheduled)

	slots, err := f.svc.AvailableSlots(context.Background(), f.doctor, mustDate(t, "2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00", "10:30"}, timeStrings(slots))
}

func TestAvailableSlotsIgnoresTerminalStatuses(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "09:30", StatusCanceled)
	f.addAppointment(t, "2024-06-10", "10:00", StatusCompleted)

	slots, err := f.svc.AvailableSlots(context.Background(), f.doctor, mustDate(t, "2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30"}, timeStrings(slots))
}

func TestAvailableSlotsNonWorkingDay(t *testing.T) {
	f := newFixture(t)

	slots, err := f.svc.AvailableSlots(context.Background(), f.doctor, mustDate(t, "2024-06-11"))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlotsDoctorNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AvailableSlots(context.Background(), uuid.New(), mustDate(t, "2024-06-10"))
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}

func TestAvailableSlotsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "10:30", StatusScheduled)

	first, err := f.svc.AvailableSlots(context.Background(), f.doctor, mustDate(t, "2024-06-10"))
	require.NoError(t, err)
	second, err := f.svc.AvailableSlots(context.Background(), f.doctor, mustDate(t, "2024-06-10"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// -- Book --

func TestBookSuccess(t *testing.T) {
	f := newFixture(t)

	appt, err := f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, 0, appt.RescheduleCount)

	stored, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, "09:00", stored.Time.String())
}

func TestBookConflict(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	_, err := f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestBookCanceledSlotIsFree(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "09:00", StatusCanceled)

	_, err := f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	assert.NoError(t, err)
}

func TestBookOffGridTime(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:15"))
	assert.ErrorIs(t, err, ErrSlotNotInSchedule)

	_, err = f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "11:00"))
	assert.ErrorIs(t, err, ErrSlotNotInSchedule, "window end is not a bookable slot")
}

func TestBookLeadTime(t *testing.T) {
	f := newFixture(t)

	// now is pinned to Saturday 2024-06-08; same day and past dates are
	// below the one-day lead.
	for _, date := range []string{"2024-06-08", "2024-06-03"} {
		_, err := f.svc.Book(context.Background(), f.patient, f.doctor, mustDate(t, date), mustTime(t, "09:00"))
		assert.ErrorIs(t, err, ErrDateTooSoon, "date %s", date)
	}
}

func TestBookUnknownActors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), uuid.New(), f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.Book(context.Background(), f.patient, uuid.New(), mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}

func TestBookUnknownActorsCountedAsRejected(t *testing.T) {
	f := newFixture(t)
	rejected := metrics.BookingsTotal.WithLabelValues(metrics.OutcomeRejected)
	before := testutil.ToFloat64(rejected)

	_, err := f.svc.Book(context.Background(), uuid.New(), f.doctor, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	require.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.Book(context.Background(), f.patient, uuid.New(), mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	require.ErrorIs(t, err, ErrDoctorNotFound)

	assert.Equal(t, before+2, testutil.ToFloat64(rejected))
}

func TestRescheduleMissingAppointmentCountedAsRejected(t *testing.T) {
	f := newFixture(t)
	rejected := metrics.ReschedulesTotal.WithLabelValues(metrics.OutcomeRejected)
	before := testutil.ToFloat64(rejected)

	_, err := f.svc.Reschedule(context.Background(), uuid.New(), f.patient, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	require.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.Equal(t, before+1, testutil.ToFloat64(rejected))
}

func TestConcurrentBookSingleWinner(t *testing.T) {
	f := newFixture(t)

	const workers = 16
	date := mustDate(t, "2024-06-10")
	slot := mustTime(t, "10:00")

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(context.Background(), f.patient, f.doctor, date, slot)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotConflict) || errors.Is(err, ErrContention):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one booking must win")
	assert.Equal(t, workers-1, conflicts)

	scheduled, err := f.repo.ListScheduledTimes(context.Background(), f.doctor, date)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

// -- Reschedule --

func TestRescheduleSuccess(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	updated, err := f.svc.Reschedule(context.Background(), appt.ID, f.patient, mustDate(t, "2024-06-17"), mustTime(t, "10:30"))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, updated.Status)
	assert.Equal(t, "2024-06-17", updated.Date.String())
	assert.Equal(t, "10:30", updated.Time.String())
	require.NotNil(t, updated.PreviousDate)
	require.NotNil(t, updated.PreviousTime)
	assert.Equal(t, "2024-06-10", updated.PreviousDate.String())
	assert.Equal(t, "09:00", updated.PreviousTime.String())
	assert.Equal(t, 1, updated.RescheduleCount)
}

func TestRescheduleConflictLeavesBothUnchanged(t *testing.T) {
	f := newFixture(t)
	moving := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)
	blocker := f.addAppointment(t, "2024-06-10", "10:00", StatusScheduled)

	_, err := f.svc.Reschedule(context.Background(), moving.ID, f.patient, mustDate(t, "2024-06-10"), mustTime(t, "10:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)

	storedMoving, err := f.repo.GetAppointment(context.Background(), moving.ID)
	require.NoError(t, err)
	assert.Equal(t, "09:00", storedMoving.Time.String())
	assert.Equal(t, 0, storedMoving.RescheduleCount)

	storedBlocker, err := f.repo.GetAppointment(context.Background(), blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, "10:00", storedBlocker.Time.String())
}

func TestRescheduleToOwnSlot(t *testing.T) {
	// Moving to the slot the appointment already holds is not a conflict;
	// occupancy excludes the appointment being moved.
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	updated, err := f.svc.Reschedule(context.Background(), appt.ID, f.patient, mustDate(t, "2024-06-10"), mustTime(t, "09:00"))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RescheduleCount)
}

func TestRescheduleNotOwned(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	_, err := f.svc.Reschedule(context.Background(), appt.ID, uuid.New(), mustDate(t, "2024-06-17"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestRescheduleTerminalStates(t *testing.T) {
	f := newFixture(t)

	completed := f.addAppointment(t, "2024-06-10", "09:00", StatusCompleted)
	_, err := f.svc.Reschedule(context.Background(), completed.ID, f.patient, mustDate(t, "2024-06-17"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrInvalidState)

	canceled := f.addAppointment(t, "2024-06-10", "09:30", StatusCanceled)
	_, err = f.svc.Reschedule(context.Background(), canceled.ID, f.patient, mustDate(t, "2024-06-17"), mustTime(t, "09:30"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRescheduleOffGridTarget(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	// Tuesday is not in the template at all.
	_, err := f.svc.Reschedule(context.Background(), appt.ID, f.patient, mustDate(t, "2024-06-11"), mustTime(t, "09:00"))
	assert.ErrorIs(t, err, ErrSlotNotInSchedule)
}

// -- Cancel / Complete --

func TestCancelSuccess(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	require.NoError(t, f.svc.Cancel(context.Background(), appt.ID, f.patient, "feeling better"))

	stored, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, stored.Status)
	require.NotNil(t, stored.CancellationReason)
	assert.Equal(t, "feeling better", *stored.CancellationReason)
}

func TestCancelRequiresReason(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	err := f.svc.Cancel(context.Background(), appt.ID, f.patient, "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestCancelTerminalStatesUnchanged(t *testing.T) {
	f := newFixture(t)

	reason := "original reason"
	canceled := f.addAppointment(t, "2024-06-10", "09:00", StatusCanceled)
	canceled.CancellationReason = &reason

	err := f.svc.Cancel(context.Background(), canceled.ID, f.patient, "new reason")
	assert.ErrorIs(t, err, ErrInvalidState)

	stored, getErr := f.repo.GetAppointment(context.Background(), canceled.ID)
	require.NoError(t, getErr)
	assert.Equal(t, "original reason", *stored.CancellationReason)
	assert.Equal(t, 0, stored.RescheduleCount)

	completed := f.addAppointment(t, "2024-06-10", "09:30", StatusCompleted)
	err = f.svc.Cancel(context.Background(), completed.ID, f.patient, "too late")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelNotOwned(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	err := f.svc.Cancel(context.Background(), appt.ID, uuid.New(), "not mine")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCompleteSuccessAndTerminal(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	require.NoError(t, f.svc.Complete(context.Background(), appt.ID, f.doctor))

	stored, err := f.repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	// No transition out of completed.
	assert.ErrorIs(t, f.svc.Complete(context.Background(), appt.ID, f.doctor), ErrInvalidState)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), appt.ID, f.patient, "changed my mind"), ErrInvalidState)
}

func TestCompleteWrongDoctor(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	err := f.svc.Complete(context.Background(), appt.ID, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

// -- Misc operations --

func TestCheckSlotAvailability(t *testing.T) {
	f := newFixture(t)
	f.addAppointment(t, "2024-06-10", "09:30", StatusScheduled)
	date := mustDate(t, "2024-06-10")

	free, err := f.svc.CheckSlotAvailability(context.Background(), f.doctor, date, mustTime(t, "09:00"))
	require.NoError(t, err)
	assert.True(t, free)

	free, err = f.svc.CheckSlotAvailability(context.Background(), f.doctor, date, mustTime(t, "09:30"))
	require.NoError(t, err)
	assert.False(t, free)

	// Off-grid times are never available.
	free, err = f.svc.CheckSlotAvailability(context.Background(), f.doctor, date, mustTime(t, "12:00"))
	require.NoError(t, err)
	assert.False(t, free)
}

func TestRemindNextDay(t *testing.T) {
	f := newFixture(t)
	// now pinned to 2024-06-08; reminders target the 9th.
	f.addAppointment(t, "2024-06-09", "09:00", StatusScheduled)
	f.addAppointment(t, "2024-06-09", "09:30", StatusCanceled)
	f.addAppointment(t, "2024-06-10", "09:00", StatusScheduled)

	n, err := f.svc.RemindNextDay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func timeStrings(slots []schedule.TimeOfDay) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.String())
	}
	return out
}
