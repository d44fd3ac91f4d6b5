package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BookingRequest carries an already authenticated user's booking attempt.
type BookingRequest struct {
	DoctorID string
	UserID   string
	Date     string
	Time     string
	Metadata map[string]interface{}
}

// Coordinator is the only writer of bookings. It re-validates every request
// under the doctor's commit section, so a stale availability answer can
// never turn into a double booking.
type Coordinator struct {
	schedules ScheduleRepository
	store     *Store
	cfg       serviceConfig
}

func NewCoordinator(schedules ScheduleRepository, store *Store, opts ...Option) *Coordinator {
	return &Coordinator{schedules: schedules, store: store, cfg: newServiceConfig(opts)}
}

var bookingOutcomes = map[string]string{
	"":                      "booked",
	KindParse:               "parse_error",
	KindInvalidSlot:         "invalid_slot",
	KindSlotUnavailable:     "slot_unavailable",
	KindStorageUnavailable:  "storage_unavailable",
	KindAuthRequired:        "auth_required",
	KindDoctorNotFound:      "doctor_not_found",
	KindAppointmentNotFound: "not_found",
	KindForbidden:           "forbidden",
	KindInvalidSchedule:     "invalid_schedule",
	KindTimeout:             "timeout",
	KindInternal:            "error",
}

func outcomeOf(err error) string { return bookingOutcomes[KindOf(err)] }

// BookAppointment commits a booking or explains why it did not happen. The
// returned appointment is durable.
func (c *Coordinator) BookAppointment(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduling.book")
	span.SetAttributes(
		attribute.String("doctor.id", req.DoctorID),
		attribute.String("slot.date", req.Date),
		attribute.String("slot.time", req.Time),
	)
	defer func() {
		outcome := outcomeOf(err)
		c.cfg.metrics.ObserveBooking(outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	if req.UserID == "" {
		return nil, newError(ErrAuthRequired, "", nil)
	}
	sched, err := loadSchedule(ctx, c.schedules, req.DoctorID)
	if err != nil {
		return nil, err
	}
	slot, reason, err := sched.Resolve(req.Date, req.Time, c.cfg.clock(), c.cfg.loc)
	if err != nil {
		return nil, newError(ErrParse, "", err)
	}
	if reason != "" {
		return nil, newError(ErrInvalidSlot, reason, nil)
	}

	log := c.cfg.logger.With().
		Str("doctor_id", req.DoctorID).
		Str("date", slot.Date.String()).
		Str("time", slot.Start.String()).
		Logger()

	waitStart := time.Now()
	sec, err := c.store.Lock(ctx, req.DoctorID, slot.Date)
	c.cfg.metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		if KindOf(err) == KindStorageUnavailable {
			log.Error().Err(err).Msg("commit section unavailable")
		}
		return nil, err
	}
	defer sec.Release()

	// Working hours may have changed, and the clock moved, while waiting.
	sctx, cancel := sec.Bounded(ctx)
	sched, err = loadSchedule(sctx, c.schedules, req.DoctorID)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if slot, reason, err = sched.Resolve(req.Date, req.Time, c.cfg.clock(), c.cfg.loc); err != nil || reason != "" {
		return nil, newError(ErrInvalidSlot, reason, err)
	}
	if sec.HasOverlap(slot.Start, slot.End) {
		log.Info().Msg("slot already booked")
		return nil, newError(ErrSlotUnavailable, ReasonBooked, nil)
	}

	appt = &Appointment{
		ID:        uuid.New(),
		DoctorID:  req.DoctorID,
		UserID:    req.UserID,
		Date:      slot.Date,
		StartTime: slot.Start,
		EndTime:   slot.End,
		Status:    StatusBooked,
		Metadata:  req.Metadata,
		CreatedAt: c.cfg.now().UTC(),
	}
	if err := sec.Insert(ctx, appt); err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			log.Warn().Msg("storage rejected overlapping booking")
			return nil, newError(ErrSlotUnavailable, ReasonBooked, err)
		case KindOf(err) == KindStorageUnavailable:
			log.Error().Err(err).Msg("failed to persist booking")
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("appointment.id", appt.ID.String()))
	log.Info().Str("appointment_id", appt.ID.String()).Str("user_id", appt.UserID).Msg("appointment booked")
	return appt, nil
}

// CancelAppointment frees the appointment's slot. Only the user who booked
// it, or an admin, may cancel.
func (c *Coordinator) CancelAppointment(ctx context.Context, id uuid.UUID, userID string, admin bool) (err error) {
	ctx, span := tracer.Start(ctx, "scheduling.cancel")
	span.SetAttributes(attribute.String("appointment.id", id.String()))
	defer func() {
		outcome := "cancelled"
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		c.cfg.metrics.ObserveCancellation(outcome)
		span.End()
	}()

	if userID == "" {
		return newError(ErrAuthRequired, "", nil)
	}
	appt, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if appt.UserID != userID && !admin {
		return newError(ErrWrongUser, "", nil)
	}
	if err := c.store.Remove(ctx, id); err != nil {
		return err
	}
	c.cfg.logger.Info().
		Str("appointment_id", id.String()).
		Str("doctor_id", appt.DoctorID).
		Str("user_id", userID).
		Msg("appointment cancelled")
	return nil
}

// Appointment returns one appointment visible to userID.
func (c *Coordinator) Appointment(ctx context.Context, id uuid.UUID, userID string, admin bool) (*Appointment, error) {
	appt, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.UserID != userID && !admin {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// ListAppointments pages through a user's appointments, newest first.
func (c *Coordinator) ListAppointments(ctx context.Context, userID string, limit, offset int) ([]*Appointment, int, error) {
	if userID == "" {
		return nil, 0, newError(ErrAuthRequired, "", nil)
	}
	return c.store.ListByUser(ctx, userID, limit, offset)
}

// Schedule returns a doctor's working hours.
func (c *Coordinator) Schedule(ctx context.Context, doctorID string) (*DoctorSchedule, error) {
	return loadSchedule(ctx, c.schedules, doctorID)
}

// ListSchedules pages through doctors ordered by id.
func (c *Coordinator) ListSchedules(ctx context.Context, limit, offset int) ([]*DoctorSchedule, int, error) {
	items, total, err := c.schedules.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, newError(ErrStorageUnavailable, "", fmt.Errorf("list schedules: %w", err))
	}
	return items, total, nil
}

// SeedSchedule stores s only when the doctor has no schedule yet. It
// reports whether s was stored.
func (c *Coordinator) SeedSchedule(ctx context.Context, s *DoctorSchedule) (bool, error) {
	_, err := c.schedules.Get(ctx, s.DoctorID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrDoctorNotFound):
		return false, newError(ErrStorageUnavailable, "", fmt.Errorf("load schedule for %q: %w", s.DoctorID, err))
	}
	if err := c.SetSchedule(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// SetSchedule creates or replaces a doctor's working hours. Existing
// appointments are kept as booked.
func (c *Coordinator) SetSchedule(ctx context.Context, s *DoctorSchedule) error {
	if err := s.Validate(); err != nil {
		return newError(ErrInvalidSchedule, "", err)
	}
	if err := c.schedules.Upsert(ctx, s); err != nil {
		return newError(ErrStorageUnavailable, "", fmt.Errorf("save schedule for %q: %w", s.DoctorID, err))
	}
	c.cfg.logger.Info().
		Str("doctor_id", s.DoctorID).
		Str("start", s.WorkingHours.Start.String()).
		Str("end", s.WorkingHours.End.String()).
		Int("slot_minutes", s.SlotMinutes).
		Msg("doctor schedule updated")
	return nil
}

// PruneBefore drops cached days that ended before today or sat idle.
func (c *Coordinator) PruneBefore() int {
	return c.store.Prune(c.cfg.today())
}
