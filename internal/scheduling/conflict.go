package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Back-to-back intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd ClockTime) bool {
	return aStart < bEnd && bStart < aEnd
}

// ConflictChecker answers whether a proposed interval collides with an
// existing active appointment for the same doctor and day.
//
// This is the application-level fast path that produces the user-facing
// conflict error. The database's partial unique index is the actual safety
// net under concurrent writers.
type ConflictChecker struct {
	repo Repository
}

func NewConflictChecker(repo Repository) *ConflictChecker {
	return &ConflictChecker{repo: repo}
}

// HasConflict is true iff any appointment for doctorID on day with status
// pending or confirmed, other than exclude, overlaps [start, end). Pass
// uuid.Nil as exclude when creating; pass the appointment's own id when
// rescheduling it.
func (c *ConflictChecker) HasConflict(ctx context.Context, doctorID uuid.UUID, day Date, start, end ClockTime, exclude uuid.UUID) (bool, error) {
	existing, err := c.repo.ListActiveByDoctorDay(ctx, doctorID, day)
	if err != nil {
		return false, fmt.Errorf("list active appointments: %w", err)
	}

	for _, appt := range existing {
		if appt.ID == exclude {
			continue
		}
		if Overlaps(appt.Start, appt.End, start, end) {
			return true, nil
		}
	}

	return false, nil
}
