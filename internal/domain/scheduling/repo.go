package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentRepository is the durable store behind the schedule store.
// Save must not return before the row is durable, and must return ErrConflict
// if the storage layer rejects an overlapping active appointment.
type AppointmentRepository interface {
	Save(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveByDoctorDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Appointment, int, error)
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ScheduleRepository holds each doctor's working hours and slot length.
type ScheduleRepository interface {
	Get(ctx context.Context, doctorID string) (*DoctorSchedule, error)
	Upsert(ctx context.Context, s *DoctorSchedule) error
	List(ctx context.Context, limit, offset int) ([]*DoctorSchedule, int, error)
}
