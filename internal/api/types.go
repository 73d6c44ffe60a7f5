package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/scheduling"
)

type CreateAppointmentRequest struct {
	PatientID       string `json:"patientId"`
	DoctorID        string `json:"doctorId"`
	AppointmentDate string `json:"appointmentDate"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	Reason          string `json:"reason"`
	Notes           string `json:"notes"`
	Mode            string `json:"mode"`
}

// UpdateAppointmentRequest is a partial update; absent fields stay untouched.
type UpdateAppointmentRequest struct {
	DoctorID        *string `json:"doctorId"`
	AppointmentDate *string `json:"appointmentDate"`
	StartTime       *string `json:"startTime"`
	EndTime         *string `json:"endTime"`
	Reason          *string `json:"reason"`
	Notes           *string `json:"notes"`
	Mode            *string `json:"mode"`
	Status          *string `json:"status"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type SetAvailabilityRequest struct {
	TimeSlots []SlotPayload `json:"timeSlots"`
}

type SlotPayload struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	IsBooked  bool   `json:"isBooked"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patientId"`
	DoctorID        uuid.UUID `json:"doctorId"`
	AppointmentDate string    `json:"appointmentDate"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Mode            string    `json:"mode"`
	CreatedBy       uuid.UUID `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		AppointmentDate: a.Day.String(),
		StartTime:       a.Start.String(),
		EndTime:         a.End.String(),
		Status:          string(a.Status),
		Reason:          a.Reason,
		Notes:           a.Notes,
		Mode:            string(a.Mode),
		CreatedBy:       a.CreatedBy,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toSlotPayloads(slots []scheduling.TimeSlot) []SlotPayload {
	out := make([]SlotPayload, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotPayload{
			StartTime: s.Start.String(),
			EndTime:   s.End.String(),
			IsBooked:  s.Booked,
		})
	}
	return out
}
