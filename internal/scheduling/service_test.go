package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mutexLocker serializes all critical sections with a single process-local
// mutex, standing in for the Redis per doctor-day lock.
type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) WithScheduleLock(ctx context.Context, _ uuid.UUID, _ string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// passthroughLocker runs the critical section with no mutual exclusion at
// all, so concurrency tests hit the repository's uniqueness safety net.
type passthroughLocker struct{}

func (passthroughLocker) WithScheduleLock(ctx context.Context, _ uuid.UUID, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fixture struct {
	repo    *MemoryRepository
	svc     *Service
	patient Caller
	doctor  Caller
	admin   Caller
	day     Date
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	svc := NewService(repo, &mutexLocker{}, NewLogEmitter(repo), nil, nil)

	patientID := uuid.New()
	doctorID := uuid.New()
	repo.AddPatient(Patient{ID: patientID, Name: "Priya Shah", Active: true})
	repo.AddDoctor(Doctor{ID: doctorID, Name: "Dr. Marco Reyes", Active: true})

	day := Date{Year: 2026, Month: time.September, Day: 21}
	require.NoError(t, repo.ReplaceAvailability(context.Background(), doctorID, day, halfHourSlots(9*60, 17*60)))

	return &fixture{
		repo:    repo,
		svc:     svc,
		patient: Caller{ID: patientID, Role: RolePatient},
		doctor:  Caller{ID: doctorID, Role: RoleDoctor},
		admin:   Caller{ID: uuid.New(), Role: RoleAdmin},
		day:     day,
	}
}

func (f *fixture) params(start, end ClockTime) CreateParams {
	return CreateParams{
		PatientID: f.patient.ID,
		DoctorID:  f.doctor.ID,
		Day:       f.day,
		Start:     start,
		End:       end,
		Reason:    "checkup",
		Mode:      ModeInPerson,
	}
}

func TestBookConfirmCancelRebook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// second patient competing for an overlapping interval
	otherID := uuid.New()
	f.repo.AddPatient(Patient{ID: otherID, Name: "Quentin Ames", Active: true})
	other := Caller{ID: otherID, Role: RolePatient}

	first, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, f.patient.ID, first.CreatedBy)

	overlap := f.params(9*60+15, 9*60+45)
	overlap.PatientID = otherID
	_, err = f.svc.CreateAppointment(ctx, overlap, other)
	assert.ErrorIs(t, err, ErrSlotConflict, "overlapping booking must be refused even while pending")

	_, err = f.svc.Transition(ctx, first.ID, StatusConfirmed, f.doctor)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelAppointment(ctx, first.ID, "conflict with work", f.patient))

	cancelled, err := f.repo.GetAppointmentByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "Cancellation reason: conflict with work")

	// the freed interval is immediately bookable by the competitor
	second, err := f.svc.CreateAppointment(ctx, overlap, other)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.Status)
}

func TestCreateAppointmentValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.params(9*60, 9*60)
	_, err := f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrInvalidInput, "zero-length interval")

	p = f.params(10*60, 9*60)
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrInvalidInput, "end before start")

	p = f.params(9*60, 9*60+30)
	p.Day = Date{}
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrInvalidInput, "missing day")

	p = f.params(9*60, 9*60+30)
	p.Mode = "carrier_pigeon"
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrInvalidInput, "unknown mode")

	p = f.params(9*60, 9*60+30)
	p.PatientID = uuid.New()
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrForbidden, "patient booking for someone else")

	_, err = f.svc.CreateAppointment(ctx, p, f.admin)
	assert.ErrorIs(t, err, ErrPatientNotFound, "admin booking for unknown patient")

	p = f.params(9*60, 9*60+30)
	p.DoctorID = uuid.New()
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}

func TestCreateAppointmentInactiveParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inactivePatient := uuid.New()
	f.repo.AddPatient(Patient{ID: inactivePatient, Name: "Dormant", Active: false})
	p := f.params(9*60, 9*60+30)
	p.PatientID = inactivePatient
	_, err := f.svc.CreateAppointment(ctx, p, f.admin)
	assert.ErrorIs(t, err, ErrPatientInactive)

	inactiveDoctor := uuid.New()
	f.repo.AddDoctor(Doctor{ID: inactiveDoctor, Name: "Dr. Retired", Active: false})
	p = f.params(9*60, 9*60+30)
	p.DoctorID = inactiveDoctor
	_, err = f.svc.CreateAppointment(ctx, p, f.patient)
	assert.ErrorIs(t, err, ErrDoctorInactive)
}

func TestCreateAppointmentWithoutConfiguredSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 08:00 is before the configured grid; booking still succeeds because
	// availability is advisory, not a hard precondition
	appt, err := f.svc.CreateAppointment(ctx, f.params(8*60, 8*60+30), f.patient)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
}

func TestDefaultModeIsInPerson(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.params(9*60, 9*60+30)
	p.Mode = ""
	appt, err := f.svc.CreateAppointment(ctx, p, f.patient)
	require.NoError(t, err)
	assert.Equal(t, ModeInPerson, appt.Mode)
}

func TestPatientPatchDropsRestrictedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	otherDoctor := uuid.New()
	f.repo.AddDoctor(Doctor{ID: otherDoctor, Name: "Dr. Elsewhere", Active: true})

	newStart := ClockTime(14 * 60)
	newNotes := "please call before"
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{
		DoctorID: &otherDoctor,
		Start:    &newStart,
		Notes:    &newNotes,
	}, f.patient)
	require.NoError(t, err)

	assert.Equal(t, appt.DoctorID, updated.DoctorID, "doctor change from a patient is dropped")
	assert.Equal(t, appt.Start, updated.Start, "timing change from a patient is dropped")
	assert.Equal(t, newNotes, updated.Notes, "notes change from a patient is applied")
}

func TestPatientPatchStatusRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	confirmed := StatusConfirmed
	_, err = f.svc.UpdateAppointment(ctx, appt.ID, Patch{Status: &confirmed}, f.patient)
	assert.ErrorIs(t, err, ErrForbidden, "patients may not confirm via patch")

	reason := "feeling better"
	cancelled := StatusCancelled
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Status: &cancelled, Reason: &reason}, f.patient)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.Contains(t, updated.Notes, "Cancellation reason: feeling better")
}

func TestUpdateAppointmentReschedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)
	_, err = f.svc.CreateAppointment(ctx, f.params(11*60, 11*60+30), f.patient)
	require.NoError(t, err)

	// moving onto an occupied interval fails
	newStart := ClockTime(11 * 60)
	newEnd := ClockTime(11*60 + 30)
	_, err = f.svc.UpdateAppointment(ctx, appt.ID, Patch{Start: &newStart, End: &newEnd}, f.admin)
	assert.ErrorIs(t, err, ErrSlotConflict)

	// moving to a free interval succeeds and updates the slot cache
	newStart, newEnd = 13*60, 13*60+30
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Start: &newStart, End: &newEnd}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, newStart, updated.Start)

	slots, err := f.svc.Slots(ctx, f.doctor.ID, f.day)
	require.NoError(t, err)
	for _, s := range slots {
		switch s.Start {
		case 9 * 60:
			assert.False(t, s.Booked, "old interval is released")
		case 13 * 60:
			assert.True(t, s.Booked, "new interval is reserved")
		}
	}

	// a patch that keeps the same timing does not trip the conflict check
	note := "bring referral letter"
	_, err = f.svc.UpdateAppointment(ctx, appt.ID, Patch{Notes: &note}, f.admin)
	require.NoError(t, err)
}

func TestUpdateAppointmentTerminalState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelAppointment(ctx, appt.ID, "", f.patient))

	note := "too late"
	_, err = f.svc.UpdateAppointment(ctx, appt.ID, Patch{Notes: &note}, f.admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// cancelling an already-cancelled appointment is rejected, not idempotent
	err = f.svc.CancelAppointment(ctx, appt.ID, "again", f.patient)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// cancelBeforeWriteRepo lets a cancellation land between the service's read
// of an appointment and its generic update write.
type cancelBeforeWriteRepo struct {
	*MemoryRepository
	once   sync.Once
	caller Caller
}

func (r *cancelBeforeWriteRepo) UpdateAppointment(ctx context.Context, a, prev *Appointment) error {
	r.once.Do(func() {
		_, _ = r.MemoryRepository.UpdateStatus(ctx, a.ID, prev.Status, StatusCancelled, nil, true)
	})
	return r.MemoryRepository.UpdateAppointment(ctx, a, prev)
}

func TestUpdateAppointmentLosesRaceToCancel(t *testing.T) {
	ctx := context.Background()

	inner := NewMemoryRepository()
	repo := &cancelBeforeWriteRepo{MemoryRepository: inner}
	svc := NewService(repo, &mutexLocker{}, nil, nil, nil)

	patientID := uuid.New()
	doctorID := uuid.New()
	inner.AddPatient(Patient{ID: patientID, Name: "Priya Shah", Active: true})
	inner.AddDoctor(Doctor{ID: doctorID, Name: "Dr. Marco Reyes", Active: true})

	appt, err := svc.CreateAppointment(ctx, CreateParams{
		PatientID: patientID,
		DoctorID:  doctorID,
		Day:       Date{Year: 2026, Month: time.September, Day: 21},
		Start:     9 * 60,
		End:       9*60 + 30,
	}, Caller{ID: patientID, Role: RolePatient})
	require.NoError(t, err)

	// the doctor confirms via patch, but a cancel sneaks in between the
	// service's read and its write
	confirmed := StatusConfirmed
	_, err = svc.UpdateAppointment(ctx, appt.ID, Patch{Status: &confirmed}, Caller{ID: doctorID, Role: RoleDoctor})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := inner.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status, "a terminal appointment must stay terminal")

	// same guard for a plain field edit racing the cancel
	note := "updated after the fact"
	_, err = svc.UpdateAppointment(ctx, appt.ID, Patch{Notes: &note}, Caller{ID: doctorID, Role: RoleDoctor})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelViaPatchKeepsPatchedNotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	cancelled := StatusCancelled
	reason := "feeling better"
	notes := "pharmacy already notified"
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{
		Status: &cancelled,
		Reason: &reason,
		Notes:  &notes,
	}, f.patient)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, updated.Status)
	assert.Contains(t, updated.Notes, "pharmacy already notified")
	assert.Contains(t, updated.Notes, "Cancellation reason: feeling better")
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, appt.ID, StatusConfirmed, f.patient)
	assert.ErrorIs(t, err, ErrForbidden, "patients may not confirm")

	_, err = f.svc.Transition(ctx, appt.ID, StatusCompleted, f.doctor)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot complete directly")

	_, err = f.svc.Transition(ctx, appt.ID, StatusCancelled, f.doctor)
	assert.ErrorIs(t, err, ErrInvalidInput, "cancellation must go through CancelAppointment")

	confirmed, err := f.svc.Transition(ctx, appt.ID, StatusConfirmed, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	done, err := f.svc.Transition(ctx, appt.ID, StatusCompleted, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	// completion does not free the slot; history keeps the interval occupied
	slots, err := f.svc.Slots(ctx, f.doctor.ID, f.day)
	require.NoError(t, err)
	assert.True(t, slots[0].Booked)
}

func TestDeleteAppointmentIsAdminOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteAppointment(ctx, appt.ID, f.patient), ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteAppointment(ctx, appt.ID, f.doctor), ErrForbidden)

	require.NoError(t, f.svc.DeleteAppointment(ctx, appt.ID, f.admin))
	_, err = f.repo.GetAppointmentByID(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	slots, err := f.svc.Slots(ctx, f.doctor.ID, f.day)
	require.NoError(t, err)
	assert.False(t, slots[0].Booked, "deleting an active appointment frees its slot")

	err = f.svc.DeleteAppointment(ctx, uuid.New(), f.admin)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	strangerID := uuid.New()
	f.repo.AddPatient(Patient{ID: strangerID, Name: "Stranger", Active: true})
	stranger := Caller{ID: strangerID, Role: RolePatient}

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	_, err = f.svc.GetAppointment(ctx, appt.ID, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	err = f.svc.CancelAppointment(ctx, appt.ID, "", stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListByPatient(ctx, f.patient.ID, 0, 0, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListByDoctor(ctx, f.doctor.ID, 0, 0, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.GetAppointment(ctx, appt.ID, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)

	mine, err := f.svc.ListByPatient(ctx, f.patient.ID, 0, 0, f.patient)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	schedule, err := f.svc.ListByDoctor(ctx, f.doctor.ID, 0, 0, f.doctor)
	require.NoError(t, err)
	assert.Len(t, schedule, 1)
}

func TestSetAvailabilityRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slots := halfHourSlots(10*60, 12*60)

	err := f.svc.SetAvailability(ctx, f.doctor.ID, f.day, slots, f.patient)
	assert.ErrorIs(t, err, ErrForbidden)

	otherDoctor := Caller{ID: uuid.New(), Role: RoleDoctor}
	err = f.svc.SetAvailability(ctx, f.doctor.ID, f.day, slots, otherDoctor)
	assert.ErrorIs(t, err, ErrForbidden, "doctors manage only their own schedule")

	require.NoError(t, f.svc.SetAvailability(ctx, f.doctor.ID, f.day, slots, f.doctor))

	got, err := f.svc.Slots(ctx, f.doctor.ID, f.day)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestEventsCarryFullSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, appt.ID, StatusConfirmed, f.doctor)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelAppointment(ctx, appt.ID, "sick", f.patient))

	events := f.repo.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventAppointmentCreated, events[0].EventType)
	assert.Equal(t, EventAppointmentConfirmed, events[1].EventType)
	assert.Equal(t, EventAppointmentCancelled, events[2].EventType)

	for _, ev := range events {
		require.NotNil(t, ev.AppointmentID)
		assert.Equal(t, appt.ID, *ev.AppointmentID)
		assert.Contains(t, string(ev.Payload), `"appointment"`)
		assert.Contains(t, string(ev.Payload), `"patientId"`)
	}
	assert.Contains(t, string(events[2].Payload), `"cancelled"`,
		"cancellation event snapshots the post-transition state")
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	// no lock at all: the repository's uniqueness invariant is the only guard
	svc := NewService(repo, passthroughLocker{}, nil, nil, nil)

	doctorID := uuid.New()
	repo.AddDoctor(Doctor{ID: doctorID, Name: "Dr. Contended", Active: true})
	day := Date{Year: 2026, Month: time.September, Day: 22}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		patientID := uuid.New()
		repo.AddPatient(Patient{ID: patientID, Name: "Racer", Active: true})

		wg.Add(1)
		go func(pid uuid.UUID) {
			defer wg.Done()
			_, err := svc.CreateAppointment(ctx, CreateParams{
				PatientID: pid,
				DoctorID:  doctorID,
				Day:       day,
				Start:     10 * 60,
				End:       10*60 + 30,
				Reason:    "flu shot",
			}, Caller{ID: pid, Role: RolePatient})
			results <- err
		}(patientID)
	}

	wg.Wait()
	close(results)

	var created, conflicted int
	for err := range results {
		switch {
		case err == nil:
			created++
		default:
			require.ErrorIs(t, err, ErrSlotConflict)
			conflicted++
		}
	}

	assert.Equal(t, 1, created, "exactly one concurrent booking may win")
	assert.Equal(t, workers-1, conflicted)
}

func TestReconcileSlotFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateAppointment(ctx, f.params(9*60, 9*60+30), f.patient)
	require.NoError(t, err)

	// corrupt the cache both ways
	key := slotKey{doctorID: f.doctor.ID, day: f.day}
	f.repo.slots[key][0].Booked = false // taken interval marked free
	f.repo.slots[key][5].Booked = true  // free interval marked taken

	fixed, err := f.svc.ReconcileSlotFlags(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fixed)

	slots, err := f.svc.Slots(ctx, f.doctor.ID, f.day)
	require.NoError(t, err)
	assert.True(t, slots[0].Booked)
	assert.False(t, slots[5].Booked)

	fixed, err = f.svc.ReconcileSlotFlags(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed, "reconcile is idempotent")
}
