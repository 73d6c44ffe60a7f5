package scheduling

// The appointment lifecycle:
//
//	pending ──> confirmed ──> completed
//	   │            │
//	   └────────────┴──────── cancelled
//
// completed and cancelled are terminal. Transition checks are pure: they do no
// I/O and consult only (current, requested, caller role).

type transitionKey struct {
	from Status
	to   Status
}

var allowedTransitions = map[transitionKey][]Role{
	{StatusPending, StatusConfirmed}:   {RoleDoctor, RoleAdmin},
	{StatusPending, StatusCancelled}:   {RolePatient, RoleDoctor, RoleAdmin},
	{StatusConfirmed, StatusCompleted}: {RoleDoctor, RoleAdmin},
	{StatusConfirmed, StatusCancelled}: {RolePatient, RoleDoctor, RoleAdmin},
}

// CanTransition returns nil if role may move an appointment from one status to
// another. It returns ErrInvalidTransition when the edge does not exist in the
// lifecycle graph (including anything out of a terminal state) and
// ErrForbidden when the edge exists but the role is not allowed to take it.
func CanTransition(from, to Status, role Role) error {
	roles, ok := allowedTransitions[transitionKey{from: from, to: to}]
	if !ok {
		return ErrInvalidTransition
	}
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return ErrForbidden
}
