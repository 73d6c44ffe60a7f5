package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentUpdated   = "APPOINTMENT_UPDATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentDeleted   = "APPOINTMENT_DELETED"
	EventAvailabilityReplaced = "AVAILABILITY_REPLACED"
)

// Event is handed to notification and audit consumers outside the scheduling
// core. It carries the full appointment snapshot so consumers never need to
// read back state that may already have moved on.
type Event struct {
	ID          uuid.UUID            `json:"event_id"`
	Type        string               `json:"event_type"`
	OccurredAt  time.Time            `json:"occurred_at"`
	ActorID     uuid.UUID            `json:"actor_id"`
	ActorRole   Role                 `json:"actor_role"`
	Appointment *AppointmentSnapshot `json:"appointment,omitempty"`
	DoctorID    *uuid.UUID           `json:"doctor_id,omitempty"`
	Day         *Date                `json:"day,omitempty"`
}

type AppointmentSnapshot struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patientId"`
	DoctorID  uuid.UUID `json:"doctorId"`
	Day       Date      `json:"appointmentDate"`
	Start     ClockTime `json:"startTime"`
	End       ClockTime `json:"endTime"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Mode      Mode      `json:"mode"`
	CreatedBy uuid.UUID `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func Snapshot(a *Appointment) *AppointmentSnapshot {
	if a == nil {
		return nil
	}
	return &AppointmentSnapshot{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		Day:       a.Day,
		Start:     a.Start,
		End:       a.End,
		Status:    a.Status,
		Reason:    a.Reason,
		Notes:     a.Notes,
		Mode:      a.Mode,
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// Emitter receives scheduling events. Implementations must be safe for
// concurrent use. Emit failures never abort the operation that produced the
// event; the service logs and carries on.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// MultiEmitter fans one event out to every registered emitter.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter persists events into the audit event log table.
type LogEmitter struct {
	repo Repository
}

func NewLogEmitter(repo Repository) *LogEmitter {
	return &LogEmitter{repo: repo}
}

func (l *LogEmitter) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var apptID *uuid.UUID
	if ev.Appointment != nil {
		id := ev.Appointment.ID
		apptID = &id
	}

	rec := EventLog{
		EventType:     ev.Type,
		AppointmentID: apptID,
		Payload:       payload,
		CreatedAt:     ev.OccurredAt,
	}
	if err := l.repo.InsertEvent(ctx, rec); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
