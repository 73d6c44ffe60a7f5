package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/logging"
	"github.com/medidesk/clinic-scheduling/internal/metrics"
	redisclient "github.com/medidesk/clinic-scheduling/internal/redis"
)

// Service orchestrates appointment booking: it validates inputs, consults the
// conflict checker and slot inventory, persists appointments, and emits
// domain events for notification and audit consumers.
type Service struct {
	repo      Repository
	inventory *Inventory
	conflicts *ConflictChecker
	locker    redisclient.Locker
	emitter   Emitter
	metrics   *metrics.SchedulingMetrics
	logger    *logging.Logger
}

func NewService(repo Repository, locker redisclient.Locker, emitter Emitter, m *metrics.SchedulingMetrics, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if emitter == nil {
		emitter = MultiEmitter(nil)
	}
	return &Service{
		repo:      repo,
		inventory: NewInventory(repo),
		conflicts: NewConflictChecker(repo),
		locker:    locker,
		emitter:   emitter,
		metrics:   m,
		logger:    logger,
	}
}

type CreateParams struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Day       Date
	Start     ClockTime
	End       ClockTime
	Reason    string
	Notes     string
	Mode      Mode
}

// CreateAppointment reserves a doctor's interval for a patient. The
// application-level conflict check runs inside a per doctor-day lock so that
// concurrent requests for the same interval cannot both pass it; the
// database's uniqueness constraint backstops anything that still slips
// through and also surfaces as ErrSlotConflict.
func (s *Service) CreateAppointment(ctx context.Context, p CreateParams, caller Caller) (*Appointment, error) {
	if p.PatientID == uuid.Nil || p.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient and doctor are required", ErrInvalidInput)
	}
	if p.Day.IsZero() {
		return nil, fmt.Errorf("%w: appointment date is required", ErrInvalidInput)
	}
	if p.End <= p.Start {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrInvalidInput)
	}
	if p.Mode == "" {
		p.Mode = ModeInPerson
	}
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, p.Mode)
	}
	if caller.Role == RolePatient && p.PatientID != caller.ID {
		return nil, fmt.Errorf("%w: patients may only book for themselves", ErrForbidden)
	}

	patient, err := s.repo.GetPatientByID(ctx, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if !patient.Active {
		return nil, ErrPatientInactive
	}

	doctor, err := s.repo.GetDoctorByID(ctx, p.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return nil, ErrDoctorInactive
	}

	var created *Appointment

	err = s.locker.WithScheduleLock(ctx, p.DoctorID, p.Day.String(), func(lockCtx context.Context) error {
		conflict, err := s.conflicts.HasConflict(lockCtx, p.DoctorID, p.Day, p.Start, p.End, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict {
			return ErrSlotConflict
		}

		now := time.Now().UTC()
		appt := &Appointment{
			ID:        uuid.New(),
			PatientID: p.PatientID,
			DoctorID:  p.DoctorID,
			Day:       p.Day,
			Start:     p.Start,
			End:       p.End,
			Status:    StatusPending,
			Reason:    p.Reason,
			Notes:     p.Notes,
			Mode:      p.Mode,
			CreatedBy: caller.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.repo.CreateAppointment(lockCtx, appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})

	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.ObserveBooking("contended")
			return nil, ErrSlotBeingBooked
		case errors.Is(err, ErrSlotConflict):
			s.metrics.ObserveBooking("conflict")
			return nil, ErrSlotConflict
		default:
			s.metrics.ObserveBooking("error")
			return nil, err
		}
	}

	s.metrics.ObserveBooking("created")
	s.emit(ctx, EventAppointmentCreated, created, caller)

	return created, nil
}

// Patch carries a partial appointment update; nil fields are left untouched.
type Patch struct {
	DoctorID *uuid.UUID
	Day      *Date
	Start    *ClockTime
	End      *ClockTime
	Reason   *string
	Notes    *string
	Mode     *Mode
	Status   *Status
}

// UpdateAppointment applies a partial update. A patient caller may only touch
// reason and notes, and may only move status to cancelled; other fields in a
// patient patch are silently dropped. A patch that moves the interval re-runs
// the conflict check, excluding this appointment's own id, before anything is
// written. A patch whose status is cancelled routes through cancellation:
// patched notes are applied first and the reason is appended to them.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, patch Patch, caller Caller) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if caller.Role == RolePatient {
		if appt.PatientID != caller.ID {
			return nil, fmt.Errorf("%w: not your appointment", ErrForbidden)
		}
		if patch.Status != nil && *patch.Status != StatusCancelled {
			return nil, fmt.Errorf("%w: patients may only cancel", ErrForbidden)
		}
		// everything else a patient sends is dropped, not rejected
		patch = Patch{Reason: patch.Reason, Notes: patch.Notes, Status: patch.Status}
	}

	if patch.Status != nil && *patch.Status == StatusCancelled {
		reason := ""
		if patch.Reason != nil {
			reason = *patch.Reason
		}
		// patched notes survive the cancellation; the reason is appended to them
		if err := s.cancel(ctx, id, reason, patch.Notes, caller); err != nil {
			return nil, err
		}
		return s.repo.GetAppointmentByID(ctx, id)
	}

	if appt.Status.Terminal() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
	}

	updated := *appt
	if patch.DoctorID != nil {
		updated.DoctorID = *patch.DoctorID
	}
	if patch.Day != nil {
		updated.Day = *patch.Day
	}
	if patch.Start != nil {
		updated.Start = *patch.Start
	}
	if patch.End != nil {
		updated.End = *patch.End
	}
	if patch.Reason != nil {
		updated.Reason = *patch.Reason
	}
	if patch.Notes != nil {
		updated.Notes = *patch.Notes
	}
	if patch.Mode != nil {
		if !patch.Mode.Valid() {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, *patch.Mode)
		}
		updated.Mode = *patch.Mode
	}
	if updated.End <= updated.Start {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrInvalidInput)
	}

	eventType := EventAppointmentUpdated
	if patch.Status != nil && *patch.Status != appt.Status {
		if !patch.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
		}
		if err := CanTransition(appt.Status, *patch.Status, caller.Role); err != nil {
			return nil, err
		}
		updated.Status = *patch.Status
		switch updated.Status {
		case StatusConfirmed:
			eventType = EventAppointmentConfirmed
		case StatusCompleted:
			eventType = EventAppointmentCompleted
		}
	}

	if updated.DoctorID != appt.DoctorID {
		doctor, err := s.repo.GetDoctorByID(ctx, updated.DoctorID)
		if err != nil {
			return nil, fmt.Errorf("load doctor: %w", err)
		}
		if !doctor.Active {
			return nil, ErrDoctorInactive
		}
	}

	updated.UpdatedAt = time.Now().UTC()

	timingChanged := updated.DoctorID != appt.DoctorID ||
		updated.Day != appt.Day ||
		updated.Start != appt.Start ||
		updated.End != appt.End

	if timingChanged {
		err = s.locker.WithScheduleLock(ctx, updated.DoctorID, updated.Day.String(), func(lockCtx context.Context) error {
			conflict, err := s.conflicts.HasConflict(lockCtx, updated.DoctorID, updated.Day, updated.Start, updated.End, appt.ID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrSlotConflict
			}
			return s.repo.UpdateAppointment(lockCtx, &updated, appt)
		})
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
	} else {
		err = s.repo.UpdateAppointment(ctx, &updated, appt)
	}
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// the status moved under us between read and write
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	s.emit(ctx, eventType, &updated, caller)

	return &updated, nil
}

// Transition moves an appointment to confirmed or completed. Cancellation
// goes through CancelAppointment so the reason and slot release are handled.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, caller Caller) (*Appointment, error) {
	if to != StatusConfirmed && to != StatusCompleted {
		return nil, fmt.Errorf("%w: unsupported target status %q", ErrInvalidInput, to)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if caller.Role == RolePatient && appt.PatientID != caller.ID {
		return nil, fmt.Errorf("%w: not your appointment", ErrForbidden)
	}

	if err := CanTransition(appt.Status, to, caller.Role); err != nil {
		s.metrics.ObserveTransition(string(to), "rejected")
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, id, appt.Status, to, nil, false)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// the status moved under us between read and write
			s.metrics.ObserveTransition(string(to), "raced")
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		s.metrics.ObserveTransition(string(to), "error")
		return nil, fmt.Errorf("update status: %w", err)
	}

	s.metrics.ObserveTransition(string(to), "ok")
	switch to {
	case StatusConfirmed:
		s.emit(ctx, EventAppointmentConfirmed, updated, caller)
	case StatusCompleted:
		s.emit(ctx, EventAppointmentCompleted, updated, caller)
	}

	return updated, nil
}

// CancelAppointment moves an appointment to cancelled, appends the reason to
// its notes, and releases any reserved slot in the same transaction. The
// freed interval is immediately bookable again.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string, caller Caller) error {
	return s.cancel(ctx, id, reason, nil, caller)
}

func (s *Service) cancel(ctx context.Context, id uuid.UUID, reason string, notesOverride *string, caller Caller) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	if caller.Role == RolePatient && appt.PatientID != caller.ID {
		return fmt.Errorf("%w: not your appointment", ErrForbidden)
	}

	if err := CanTransition(appt.Status, StatusCancelled, caller.Role); err != nil {
		s.metrics.ObserveTransition(string(StatusCancelled), "rejected")
		return err
	}

	notes := appt.Notes
	if notesOverride != nil {
		notes = *notesOverride
	}
	if reason != "" {
		if notes != "" {
			notes += "\n"
		}
		notes += "Cancellation reason: " + reason
	}

	updated, err := s.repo.UpdateStatus(ctx, id, appt.Status, StatusCancelled, &notes, true)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			s.metrics.ObserveTransition(string(StatusCancelled), "raced")
			return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
		}
		s.metrics.ObserveTransition(string(StatusCancelled), "error")
		return fmt.Errorf("cancel appointment: %w", err)
	}

	s.metrics.ObserveTransition(string(StatusCancelled), "ok")
	s.emit(ctx, EventAppointmentCancelled, updated, caller)

	return nil
}

// DeleteAppointment is the out-of-band administrative removal: it hard-deletes
// the record, releasing any reserved slot in the same transaction.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID, caller Caller) error {
	if caller.Role != RoleAdmin {
		return fmt.Errorf("%w: delete is admin-only", ErrForbidden)
	}

	deleted, err := s.repo.DeleteAppointment(ctx, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.emit(ctx, EventAppointmentDeleted, deleted, caller)
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, caller Caller) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if caller.Role == RolePatient && appt.PatientID != caller.ID {
		return nil, fmt.Errorf("%w: not your appointment", ErrForbidden)
	}
	return appt, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int, caller Caller) ([]Appointment, error) {
	if caller.Role == RolePatient && patientID != caller.ID {
		return nil, fmt.Errorf("%w: not your appointments", ErrForbidden)
	}
	limit, offset = clampPage(limit, offset)
	appts, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int, caller Caller) ([]Appointment, error) {
	switch caller.Role {
	case RoleAdmin:
	case RoleDoctor:
		if doctorID != caller.ID {
			return nil, fmt.Errorf("%w: not your schedule", ErrForbidden)
		}
	default:
		return nil, fmt.Errorf("%w: listing a doctor's schedule requires doctor or admin role", ErrForbidden)
	}
	limit, offset = clampPage(limit, offset)
	appts, err := s.repo.ListByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appts, nil
}

// Slots returns a doctor's availability for a day with booked flags overlaid
// from the live appointment set. Anyone may browse availability.
func (s *Service) Slots(ctx context.Context, doctorID uuid.UUID, day Date) ([]TimeSlot, error) {
	return s.inventory.Availability(ctx, doctorID, day)
}

// SetAvailability replaces a doctor's slot list for a day. Doctors may only
// manage their own schedule; admins may manage anyone's.
func (s *Service) SetAvailability(ctx context.Context, doctorID uuid.UUID, day Date, slots []TimeSlot, caller Caller) error {
	switch caller.Role {
	case RoleAdmin:
	case RoleDoctor:
		if doctorID != caller.ID {
			return fmt.Errorf("%w: not your schedule", ErrForbidden)
		}
	default:
		return fmt.Errorf("%w: setting availability requires doctor or admin role", ErrForbidden)
	}

	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return ErrDoctorInactive
	}

	if err := s.inventory.SetAvailability(ctx, doctorID, day, slots); err != nil {
		return err
	}

	d := doctorID
	dayCopy := day
	s.emitEvent(ctx, Event{
		ID:         uuid.New(),
		Type:       EventAvailabilityReplaced,
		OccurredAt: time.Now().UTC(),
		ActorID:    caller.ID,
		ActorRole:  caller.Role,
		DoctorID:   &d,
		Day:        &dayCopy,
	})

	return nil
}

// ReconcileSlotFlags re-derives every slot's booked flag from the active
// appointment set. Run periodically by the reconcile worker.
func (s *Service) ReconcileSlotFlags(ctx context.Context) (int64, error) {
	fixed, err := s.repo.ReconcileSlotFlags(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile slot flags: %w", err)
	}
	if fixed > 0 {
		s.logger.Warn("corrected stale slot flags", "count", fixed)
	}
	return fixed, nil
}

func (s *Service) emit(ctx context.Context, eventType string, appt *Appointment, caller Caller) {
	s.emitEvent(ctx, Event{
		ID:          uuid.New(),
		Type:        eventType,
		OccurredAt:  time.Now().UTC(),
		ActorID:     caller.ID,
		ActorRole:   caller.Role,
		Appointment: Snapshot(appt),
	})
}

func (s *Service) emitEvent(ctx context.Context, ev Event) {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Error("emit event", "event_type", ev.Type, "error", err)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
