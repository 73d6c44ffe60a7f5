package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of pgxpool.Pool the repository needs; pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

// pgtype helpers

func toPGDate(d Date) pgtype.Date {
	return pgtype.Date{Time: d.Time(), Valid: true}
}

func toPGClock(t ClockTime) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}
}

func fromPGClock(t pgtype.Time) ClockTime {
	return ClockTime(t.Microseconds / int64(time.Minute/time.Microsecond))
}

// uniqueViolation reports a violated uniqueness constraint (SQLSTATE 23505).
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Scan helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&specialty,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialty = specialty
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var day pgtype.Date
	var start, end pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&day,
		&start,
		&end,
		&a.Status,
		&a.Reason,
		&a.Notes,
		&a.Mode,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Day = DateOf(day.Time)
	a.Start = fromPGClock(start)
	a.End = fromPGClock(end)
	return &a, nil
}

const appointmentColumns = `id, patient_id, doctor_id, day, start_time, end_time, status, reason, notes, mode, created_by, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, active, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveByDoctorDay(ctx context.Context, doctorID uuid.UUID, day Date) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND day = $2
		  AND status IN ('pending', 'confirmed')
		ORDER BY start_time
	`, doctorID, toPGDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY day DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY day DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := reserveSlotFlags(ctx, tx, a.DoctorID, a.Day, a.Start, a.End); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		a.ID, a.PatientID, a.DoctorID, toPGDate(a.Day), toPGClock(a.Start), toPGClock(a.End),
		a.Status, a.Reason, a.Notes, a.Mode, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return ErrSlotConflict
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a, prev *Appointment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	timingChanged := a.DoctorID != prev.DoctorID ||
		a.Day != prev.Day ||
		a.Start != prev.Start ||
		a.End != prev.End

	if timingChanged {
		if err := releaseSlotFlags(ctx, tx, prev.DoctorID, prev.Day, prev.Start, prev.End); err != nil {
			return err
		}
		if err := reserveSlotFlags(ctx, tx, a.DoctorID, a.Day, a.Start, a.End); err != nil {
			return err
		}
	}

	// The status guard makes the write conditional on the snapshot the caller
	// validated against, like UpdateStatus: a concurrent transition leaves
	// zero rows touched instead of resurrecting a terminal appointment.
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET patient_id = $2,
		    doctor_id = $3,
		    day = $4,
		    start_time = $5,
		    end_time = $6,
		    status = $7,
		    reason = $8,
		    notes = $9,
		    mode = $10,
		    updated_at = $11
		WHERE id = $1
		  AND status = $12
	`,
		a.ID, a.PatientID, a.DoctorID, toPGDate(a.Day), toPGClock(a.Start), toPGClock(a.End),
		a.Status, a.Reason, a.Notes, a.Mode, a.UpdatedAt, prev.Status,
	)
	if err != nil {
		if uniqueViolation(err) {
			return ErrSlotConflict
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string, releaseSlot bool) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    notes = COALESCE($4, notes),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from, notes)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if releaseSlot {
		if err := releaseSlotFlags(ctx, tx, updated.DoctorID, updated.Day, updated.Start, updated.End); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		DELETE FROM appointments
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id)

	deleted, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	if deleted.Status.Active() {
		if err := releaseSlotFlags(ctx, tx, deleted.DoctorID, deleted.Day, deleted.Start, deleted.End); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return deleted, nil
}

func (r *PgRepository) GetAvailability(ctx context.Context, doctorID uuid.UUID, day Date) ([]TimeSlot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT start_time, end_time, is_booked
		FROM doctor_slots
		WHERE doctor_id = $1 AND day = $2
		ORDER BY start_time
	`, doctorID, toPGDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func (r *PgRepository) ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, day Date, slots []TimeSlot) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM doctor_slots
		WHERE doctor_id = $1 AND day = $2
	`, doctorID, toPGDate(day)); err != nil {
		return fmt.Errorf("clear availability: %w", err)
	}

	for _, s := range slots {
		if _, err := tx.Exec(ctx, `
			INSERT INTO doctor_slots (doctor_id, day, start_time, end_time, is_booked)
			VALUES ($1, $2, $3, $4, $5)
		`, doctorID, toPGDate(day), toPGClock(s.Start), toPGClock(s.End), s.Booked); err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) ReconcileSlotFlags(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		WITH truth AS (
			SELECT ds.doctor_id, ds.day, ds.start_time,
			       EXISTS (
				SELECT 1
				FROM appointments a
				WHERE a.doctor_id = ds.doctor_id
				  AND a.day = ds.day
				  AND a.status IN ('pending', 'confirmed')
				  AND a.start_time < ds.end_time
				  AND a.end_time > ds.start_time
			       ) AS should_book
			FROM doctor_slots ds
		)
		UPDATE doctor_slots ds
		SET is_booked = t.should_book
		FROM truth t
		WHERE ds.doctor_id = t.doctor_id
		  AND ds.day = t.day
		  AND ds.start_time = t.start_time
		  AND ds.is_booked <> t.should_book
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// Tx-scoped slot-flag maintenance. The flags are a cache over the appointment
// set: when the cache disagrees with a write the conflict check has already
// approved, the appointment wins and the flags are rewritten.

func loadSlotsForUpdate(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, day Date) ([]TimeSlot, error) {
	rows, err := tx.Query(ctx, `
		SELECT start_time, end_time, is_booked
		FROM doctor_slots
		WHERE doctor_id = $1 AND day = $2
		ORDER BY start_time
		FOR UPDATE
	`, doctorID, toPGDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSlots(rows)
}

func reserveSlotFlags(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, day Date, start, end ClockTime) error {
	slots, err := loadSlotsForUpdate(ctx, tx, doctorID, day)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}

	if err := Reserve(slots, start, end); err != nil {
		switch {
		case errors.Is(err, ErrSlotNotFound):
			// an appointment may exist without a pre-declared slot
			return nil
		case errors.Is(err, ErrSlotUnavailable):
			// stale flag; the conflict check already approved this write
			Release(slots, start, end)
			_ = Reserve(slots, start, end)
		default:
			return err
		}
	}

	return writeSlotFlags(ctx, tx, doctorID, day, slots, start, end)
}

func releaseSlotFlags(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, day Date, start, end ClockTime) error {
	slots, err := loadSlotsForUpdate(ctx, tx, doctorID, day)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}

	Release(slots, start, end)

	return writeSlotFlags(ctx, tx, doctorID, day, slots, start, end)
}

func writeSlotFlags(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, day Date, slots []TimeSlot, start, end ClockTime) error {
	for _, i := range Covering(slots, start, end) {
		if _, err := tx.Exec(ctx, `
			UPDATE doctor_slots
			SET is_booked = $4
			WHERE doctor_id = $1 AND day = $2 AND start_time = $3
		`, doctorID, toPGDate(day), toPGClock(slots[i].Start), slots[i].Booked); err != nil {
			return fmt.Errorf("write slot flag: %w", err)
		}
	}
	return nil
}

func collectSlots(rows pgx.Rows) ([]TimeSlot, error) {
	var result []TimeSlot
	for rows.Next() {
		var start, end pgtype.Time
		var booked bool
		if err := rows.Scan(&start, &end, &booked); err != nil {
			return nil, err
		}
		result = append(result, TimeSlot{Start: fromPGClock(start), End: fromPGClock(end), Booked: booked})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
