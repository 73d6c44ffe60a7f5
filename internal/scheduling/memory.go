package scheduling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is a map-backed Repository used in tests and local
// development. It enforces the same doctor-day uniqueness invariant as the
// Postgres partial index so the safety-net path is exercisable without a
// database.
type MemoryRepository struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Patient
	doctors      map[uuid.UUID]Doctor
	appointments map[uuid.UUID]Appointment
	slots        map[slotKey][]TimeSlot
	events       []EventLog
	nextEventID  int64
}

type slotKey struct {
	doctorID uuid.UUID
	day      Date
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]Patient),
		doctors:      make(map[uuid.UUID]Doctor),
		appointments: make(map[uuid.UUID]Appointment),
		slots:        make(map[slotKey][]TimeSlot),
	}
}

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

// Events returns a copy of the audit log rows inserted so far.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListActiveByDoctorDay(_ context.Context, doctorID uuid.UUID, day Date) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeByDoctorDayLocked(doctorID, day), nil
}

func (m *MemoryRepository) activeByDoctorDayLocked(doctorID uuid.UUID, day Date) []Appointment {
	var result []Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Day == day && a.Status.Active() {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return result
}

func (m *MemoryRepository) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			result = append(result, a)
		}
	}
	return paginate(result, limit, offset), nil
}

func (m *MemoryRepository) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID {
			result = append(result, a)
		}
	}
	return paginate(result, limit, offset), nil
}

func paginate(appts []Appointment, limit, offset int) []Appointment {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].Day != appts[j].Day {
			return appts[i].Day.Time().After(appts[j].Day.Time())
		}
		return appts[i].Start > appts[j].Start
	})
	if offset >= len(appts) {
		return nil
	}
	appts = appts[offset:]
	if limit > 0 && limit < len(appts) {
		appts = appts[:limit]
	}
	return appts
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// same invariant as the partial unique index on
	// (doctor_id, day, start_time) for active appointments
	for _, existing := range m.appointments {
		if existing.DoctorID == a.DoctorID && existing.Day == a.Day &&
			existing.Start == a.Start && existing.Status.Active() {
			return ErrSlotConflict
		}
	}

	m.appointments[a.ID] = *a
	m.reserveLocked(a.DoctorID, a.Day, a.Start, a.End)
	return nil
}

func (m *MemoryRepository) UpdateAppointment(_ context.Context, a, prev *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// conditional on the caller's snapshot, matching the SQL status guard
	current, ok := m.appointments[a.ID]
	if !ok || current.Status != prev.Status {
		return ErrAppointmentNotFound
	}

	if a.Status.Active() {
		for _, existing := range m.appointments {
			if existing.ID != a.ID && existing.DoctorID == a.DoctorID && existing.Day == a.Day &&
				existing.Start == a.Start && existing.Status.Active() {
				return ErrSlotConflict
			}
		}
	}

	m.appointments[a.ID] = *a
	if a.DoctorID != prev.DoctorID || a.Day != prev.Day || a.Start != prev.Start || a.End != prev.End {
		m.releaseLocked(prev.DoctorID, prev.Day, prev.Start, prev.End)
		m.reserveLocked(a.DoctorID, a.Day, a.Start, a.End)
	}
	return nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, notes *string, releaseSlot bool) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}

	a.Status = to
	if notes != nil {
		a.Notes = *notes
	}
	m.appointments[id] = a

	if releaseSlot {
		m.releaseLocked(a.DoctorID, a.Day, a.Start, a.End)
	}

	return &a, nil
}

func (m *MemoryRepository) DeleteAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}

	delete(m.appointments, id)
	if a.Status.Active() {
		m.releaseLocked(a.DoctorID, a.Day, a.Start, a.End)
	}
	return &a, nil
}

func (m *MemoryRepository) GetAvailability(_ context.Context, doctorID uuid.UUID, day Date) ([]TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.slots[slotKey{doctorID: doctorID, day: day}]
	out := make([]TimeSlot, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryRepository) ReplaceAvailability(_ context.Context, doctorID uuid.UUID, day Date, slots []TimeSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]TimeSlot, len(slots))
	copy(stored, slots)
	m.slots[slotKey{doctorID: doctorID, day: day}] = stored
	return nil
}

func (m *MemoryRepository) ReconcileSlotFlags(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fixed int64
	for key, slots := range m.slots {
		active := m.activeByDoctorDayLocked(key.doctorID, key.day)
		for i := range slots {
			should := false
			for _, a := range active {
				if Overlaps(slots[i].Start, slots[i].End, a.Start, a.End) {
					should = true
					break
				}
			}
			if slots[i].Booked != should {
				slots[i].Booked = should
				fixed++
			}
		}
	}
	return fixed, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryRepository) reserveLocked(doctorID uuid.UUID, day Date, start, end ClockTime) {
	slots := m.slots[slotKey{doctorID: doctorID, day: day}]
	for _, i := range Covering(slots, start, end) {
		slots[i].Booked = true
	}
}

func (m *MemoryRepository) releaseLocked(doctorID uuid.UUID, day Date, start, end ClockTime) {
	slots := m.slots[slotKey{doctorID: doctorID, day: day}]
	Release(slots, start, end)
}
