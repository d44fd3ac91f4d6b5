package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// queryable is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// exclusion_violation, raised by appointment_no_overlap.
const pgExclusionViolation = "23P01"

func dateParam(d Date) time.Time { return d.At(0, time.UTC) }

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db queryable }

func NewAppointmentRepoPG(db queryable) AppointmentRepository { return &appointmentRepoPG{db: db} }

const apptCols = `id, doctor_id, user_id, date, start_minute, end_minute, status, metadata, created_at, cancelled_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var start, end int
	if err := row.Scan(&a.ID, &a.DoctorID, &a.UserID, &date, &start, &end,
		&a.Status, &a.Metadata, &a.CreatedAt, &a.CancelledAt); err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.StartTime, a.EndTime = TimeOfDay(start), TimeOfDay(end)
	return &a, nil
}

func (r *appointmentRepoPG) Save(ctx context.Context, a *Appointment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointment (id, doctor_id, user_id, date, start_minute, end_minute,
			status, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.DoctorID, a.UserID, dateParam(a.Date), int(a.StartTime), int(a.EndTime),
		a.Status, a.Metadata, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.db.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *appointmentRepoPG) ListActiveByDoctorDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND date = $2 AND status = $3
		ORDER BY start_minute`, doctorID, dateParam(date), StatusBooked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE user_id = $1
		ORDER BY date DESC, start_minute DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) Cancel(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE appointment SET status = $2, cancelled_at = $3
		WHERE id = $1 AND status = $4`, id, StatusCancelled, at, StatusBooked)
	if err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM appointment WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return nil
}

// =========== Doctor Schedule Repository ===========

type scheduleRepoPG struct{ db queryable }

func NewScheduleRepoPG(db queryable) ScheduleRepository { return &scheduleRepoPG{db: db} }

const schedCols = `doctor_id, work_start, work_end, slot_minutes, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*DoctorSchedule, error) {
	var s DoctorSchedule
	var start, end int
	if err := row.Scan(&s.DoctorID, &start, &end, &s.SlotMinutes, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.WorkingHours = WorkingHours{Start: TimeOfDay(start), End: TimeOfDay(end)}
	return &s, nil
}

func (r *scheduleRepoPG) Get(ctx context.Context, doctorID string) (*DoctorSchedule, error) {
	s, err := r.scanSchedule(r.db.QueryRow(ctx, `SELECT `+schedCols+` FROM doctor_schedule WHERE doctor_id = $1`, doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	return s, err
}

func (r *scheduleRepoPG) Upsert(ctx context.Context, s *DoctorSchedule) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO doctor_schedule (doctor_id, work_start, work_end, slot_minutes)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (doctor_id) DO UPDATE SET work_start = EXCLUDED.work_start,
			work_end = EXCLUDED.work_end, slot_minutes = EXCLUDED.slot_minutes, updated_at = NOW()
		RETURNING updated_at`,
		s.DoctorID, int(s.WorkingHours.Start), int(s.WorkingHours.End), s.SlotMinutes).Scan(&s.UpdatedAt)
}

func (r *scheduleRepoPG) List(ctx context.Context, limit, offset int) ([]*DoctorSchedule, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM doctor_schedule`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+schedCols+` FROM doctor_schedule ORDER BY doctor_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DoctorSchedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
