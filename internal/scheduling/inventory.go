package scheduling

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ValidateSlots checks a proposed slot list for a single doctor-day: every
// slot must have end > start and no two slots may overlap. The list does not
// have to be sorted on input.
func ValidateSlots(slots []TimeSlot) error {
	for _, s := range slots {
		if s.End <= s.Start {
			return fmt.Errorf("%w: slot %s-%s has non-positive length", ErrInvalidInput, s.Start, s.End)
		}
	}

	sorted := make([]TimeSlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			return fmt.Errorf("%w: slots %s-%s and %s-%s overlap",
				ErrInvalidInput,
				sorted[i-1].Start, sorted[i-1].End,
				sorted[i].Start, sorted[i].End)
		}
	}

	return nil
}

// Covering returns the indices of slots intersecting [start, end).
func Covering(slots []TimeSlot, start, end ClockTime) []int {
	var idx []int
	for i, s := range slots {
		if Overlaps(s.Start, s.End, start, end) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Reserve marks the slots covering [start, end) as booked, in place. It fails
// with ErrSlotNotFound when no configured slot intersects the interval and
// ErrSlotUnavailable when any covering slot is already booked; in both failure
// cases slots are left unmodified.
func Reserve(slots []TimeSlot, start, end ClockTime) error {
	covering := Covering(slots, start, end)
	if len(covering) == 0 {
		return ErrSlotNotFound
	}
	for _, i := range covering {
		if slots[i].Booked {
			return fmt.Errorf("%w: %s-%s", ErrSlotUnavailable, slots[i].Start, slots[i].End)
		}
	}
	for _, i := range covering {
		slots[i].Booked = true
	}
	return nil
}

// Release clears the booked flag on the slots covering [start, end), in
// place. Releasing an interval with no covering or no booked slots is a no-op,
// not an error.
func Release(slots []TimeSlot, start, end ClockTime) {
	for _, i := range Covering(slots, start, end) {
		slots[i].Booked = false
	}
}

// Inventory owns each doctor's configured bookable slots per calendar day.
type Inventory struct {
	repo Repository
}

func NewInventory(repo Repository) *Inventory {
	return &Inventory{repo: repo}
}

// Availability returns the configured slots for a doctor-day, sorted by start
// time. A doctor-day with nothing configured yields an empty list, not an
// error. The booked flags are overlaid with the live active-appointment set so
// a stale cache can never present a taken interval as free.
func (inv *Inventory) Availability(ctx context.Context, doctorID uuid.UUID, day Date) ([]TimeSlot, error) {
	slots, err := inv.repo.GetAvailability(ctx, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}

	active, err := inv.repo.ListActiveByDoctorDay(ctx, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	for _, appt := range active {
		for _, i := range Covering(slots, appt.Start, appt.End) {
			slots[i].Booked = true
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })
	return slots, nil
}

// SetAvailability replaces the slot list for a doctor-day. It validates shape
// only; clashes with existing appointments surface later when a booking is
// attempted against a slot.
func (inv *Inventory) SetAvailability(ctx context.Context, doctorID uuid.UUID, day Date, slots []TimeSlot) error {
	if day.IsZero() {
		return fmt.Errorf("%w: day is required", ErrInvalidInput)
	}
	if err := ValidateSlots(slots); err != nil {
		return err
	}
	if err := inv.repo.ReplaceAvailability(ctx, doctorID, day, slots); err != nil {
		return fmt.Errorf("replace availability: %w", err)
	}
	return nil
}
