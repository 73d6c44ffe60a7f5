package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// Repository contains all DB interactions needed by the scheduling core.
//
// Methods that touch both an appointment row and its covering slot flags
// (CreateAppointment, UpdateAppointment, UpdateStatus with release, and
// DeleteAppointment) must apply both writes atomically: a slot marked booked
// with no corresponding active appointment, or vice versa, is a correctness
// violation, not a degraded mode.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListActiveByDoctorDay returns pending and confirmed appointments for
	// a doctor-day, ordered by start time. Used for conflict checks and
	// availability overlays.
	ListActiveByDoctorDay(ctx context.Context, doctorID uuid.UUID, day Date) ([]Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error)

	// CreateAppointment inserts a and reserves the covering slot flags in
	// one transaction. A violation of the doctor-day uniqueness constraint
	// is returned as ErrSlotConflict.
	CreateAppointment(ctx context.Context, a *Appointment) error

	// UpdateAppointment rewrites a in place of prev, moving slot flags if
	// the doctor, day or interval changed, in one transaction.
	UpdateAppointment(ctx context.Context, a, prev *Appointment) error

	// UpdateStatus conditionally moves an appointment from one status to
	// another, optionally replacing notes and releasing the covering slot
	// flags in the same transaction. When no row matches (id, from) it
	// returns ErrAppointmentNotFound.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string, releaseSlot bool) (*Appointment, error)

	// DeleteAppointment removes the row and releases the covering slot
	// flags in one transaction, returning the deleted appointment.
	DeleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	GetAvailability(ctx context.Context, doctorID uuid.UUID, day Date) ([]TimeSlot, error)
	ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, day Date, slots []TimeSlot) error

	// ReconcileSlotFlags re-derives every booked flag from the active
	// appointment set and returns the number of corrected slots.
	ReconcileSlotFlags(ctx context.Context) (int64, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
