package scheduling

import "errors"

var (
	// ErrInvalidInput covers malformed intervals and missing required fields.
	ErrInvalidInput = errors.New("invalid input")

	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotNotFound        = errors.New("no configured slot covers the interval")

	ErrPatientInactive = errors.New("patient is not active")
	ErrDoctorInactive  = errors.New("doctor is not active")

	// ErrSlotConflict is retryable by the caller: pick another slot.
	ErrSlotConflict = errors.New("the selected time slot is not available")

	// ErrSlotBeingBooked means another request holds the doctor-day lock.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	ErrSlotUnavailable = errors.New("slot is already booked")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("caller is not permitted to perform this operation")
)
