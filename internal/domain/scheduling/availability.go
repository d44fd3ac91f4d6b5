package scheduling

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Availability is the answer to a point-in-time availability query. It is
// advisory: nothing is reserved.
type Availability struct {
	DoctorID  string `json:"doctorId"`
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime,omitempty"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// SlotView is one slot of a day listing.
type SlotView struct {
	StartTime TimeOfDay `json:"startTime"`
	EndTime   TimeOfDay `json:"endTime"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
}

// AvailabilityService answers read-only availability questions.
type AvailabilityService struct {
	schedules ScheduleRepository
	store     *Store
	cfg       serviceConfig
}

func NewAvailabilityService(schedules ScheduleRepository, store *Store, opts ...Option) *AvailabilityService {
	return &AvailabilityService{schedules: schedules, store: store, cfg: newServiceConfig(opts)}
}

// CheckAvailability reports whether doctorID is free at date/clock. A slot
// that is off the grid, outside working hours or in the past is reported as
// not available with a reason; only unparseable input, an unknown doctor or a
// storage failure produce an error.
func (s *AvailabilityService) CheckAvailability(ctx context.Context, doctorID, date, clock string) (*Availability, error) {
	ctx, span := tracer.Start(ctx, "scheduling.check_availability")
	defer span.End()
	span.SetAttributes(
		attribute.String("doctor.id", doctorID),
		attribute.String("slot.date", date),
		attribute.String("slot.time", clock),
	)

	av, err := s.check(ctx, doctorID, date, clock)
	switch {
	case err != nil:
		s.cfg.metrics.ObserveAvailability("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err))
	case av.Reason != "" && av.Reason != ReasonBooked:
		s.cfg.metrics.ObserveAvailability("invalid")
	case av.Available:
		s.cfg.metrics.ObserveAvailability("available")
	default:
		s.cfg.metrics.ObserveAvailability("unavailable")
	}
	if av != nil {
		span.SetAttributes(attribute.Bool("slot.available", av.Available))
	}
	return av, err
}

func (s *AvailabilityService) check(ctx context.Context, doctorID, date, clock string) (*Availability, error) {
	sched, err := loadSchedule(ctx, s.schedules, doctorID)
	if err != nil {
		return nil, err
	}
	slot, reason, err := sched.Resolve(date, clock, s.cfg.clock(), s.cfg.loc)
	if err != nil {
		return nil, newError(ErrParse, "", err)
	}

	av := &Availability{DoctorID: doctorID, Date: date, StartTime: clock, Reason: reason}
	if reason == ReasonInvalidDate || reason == ReasonInvalidTime {
		return av, nil
	}
	av.Date = slot.Date.String()
	av.StartTime = slot.Start.String()
	av.EndTime = slot.End.String()
	if reason != "" {
		return av, nil
	}

	taken, err := s.store.HasOverlap(ctx, doctorID, slot.Date, slot.Start, slot.End)
	if err != nil {
		return nil, err
	}
	av.Available = !taken
	if taken {
		av.Reason = ReasonBooked
	}
	return av, nil
}

// FreeSlots lists every slot of doctorID's working day on date with its
// availability.
func (s *AvailabilityService) FreeSlots(ctx context.Context, doctorID, date string) ([]SlotView, error) {
	ctx, span := tracer.Start(ctx, "scheduling.free_slots")
	defer span.End()
	span.SetAttributes(attribute.String("doctor.id", doctorID), attribute.String("slot.date", date))

	sched, err := loadSchedule(ctx, s.schedules, doctorID)
	if err != nil {
		return nil, err
	}
	d, err := ParseDate(date)
	if err != nil {
		if isParseError(err) {
			return nil, newError(ErrParse, "", err)
		}
		return nil, newError(ErrInvalidSlot, ReasonInvalidDate, err)
	}
	appts, err := s.store.Day(ctx, doctorID, d)
	if err != nil {
		return nil, err
	}

	now := s.cfg.clock()
	slots := sched.Slots(d)
	views := make([]SlotView, 0, len(slots))
	for _, slot := range slots {
		v := SlotView{StartTime: slot.Start, EndTime: slot.End, Available: true}
		if d.At(slot.Start, s.cfg.loc).Before(now) {
			v.Available, v.Reason = false, ReasonInThePast
		}
		for _, a := range appts {
			if a.Slot().Overlaps(slot.Start, slot.End) {
				v.Available, v.Reason = false, ReasonBooked
				break
			}
		}
		views = append(views, v)
	}
	return views, nil
}
