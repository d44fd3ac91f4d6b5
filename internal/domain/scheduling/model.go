package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. Only booked appointments occupy time.
const (
	StatusBooked    = "booked"
	StatusCancelled = "cancelled"
)

var validStatuses = map[string]bool{
	StatusBooked:    true,
	StatusCancelled: true,
}

// DoctorSchedule maps to the doctor_schedule table.
type DoctorSchedule struct {
	DoctorID     string       `db:"doctor_id" json:"doctorId"`
	WorkingHours WorkingHours `json:"workingHours"`
	SlotMinutes  int          `db:"slot_minutes" json:"slotDurationMinutes"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

// Validate checks that the schedule can produce at least one slot.
func (s *DoctorSchedule) Validate() error {
	if s.DoctorID == "" {
		return fmt.Errorf("doctorId is required")
	}
	if s.SlotMinutes <= 0 {
		return fmt.Errorf("slotDurationMinutes must be positive, got %d", s.SlotMinutes)
	}
	wh := s.WorkingHours
	if wh.Start < 0 || wh.End > minutesPerDay {
		return fmt.Errorf("working hours %s-%s are outside the day", wh.Start, wh.End)
	}
	if wh.Start >= wh.End {
		return fmt.Errorf("working hours start %s must be before end %s", wh.Start, wh.End)
	}
	if int(wh.End-wh.Start) < s.SlotMinutes {
		return fmt.Errorf("working hours %s-%s are shorter than one %d minute slot", wh.Start, wh.End, s.SlotMinutes)
	}
	return nil
}

// Slots lists every slot start on date in order.
func (s *DoctorSchedule) Slots(date Date) []Slot {
	if s.SlotMinutes <= 0 {
		return nil
	}
	step := TimeOfDay(s.SlotMinutes)
	var slots []Slot
	for start := s.WorkingHours.Start; start+step <= s.WorkingHours.End; start += step {
		slots = append(slots, Slot{Date: date, Start: start, End: start + step})
	}
	return slots
}

// Resolve parses a requested date and time against the schedule. The returned
// reason is empty when the slot is bookable at now; err is set only for
// unparseable input.
func (s *DoctorSchedule) Resolve(date, clock string, now time.Time, loc *time.Location) (Slot, string, error) {
	d, start, reason, err := parseSlot(date, clock)
	if err != nil || reason != "" {
		return Slot{Date: d, Start: start}, reason, err
	}
	slot := Slot{Date: d, Start: start, End: start + TimeOfDay(s.SlotMinutes)}
	if reason := gridReason(s.WorkingHours, s.SlotMinutes, start); reason != "" {
		return slot, reason, nil
	}
	if d.At(start, loc).Before(now) {
		return slot, ReasonInThePast, nil
	}
	return slot, "", nil
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID          uuid.UUID              `db:"id" json:"appointmentId"`
	DoctorID    string                 `db:"doctor_id" json:"doctorId"`
	UserID      string                 `db:"user_id" json:"userId"`
	Date        Date                   `db:"date" json:"date"`
	StartTime   TimeOfDay              `db:"start_minute" json:"startTime"`
	EndTime     TimeOfDay              `db:"end_minute" json:"endTime"`
	Status      string                 `db:"status" json:"status"`
	Metadata    map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"createdAt"`
	CancelledAt *time.Time             `db:"cancelled_at" json:"cancelledAt,omitempty"`
}

// Active reports whether the appointment still occupies its interval.
func (a *Appointment) Active() bool { return a.Status == StatusBooked }

func (a *Appointment) Slot() Slot {
	return Slot{Date: a.Date, Start: a.StartTime, End: a.EndTime}
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.CancelledAt != nil {
		at := *a.CancelledAt
		c.CancelledAt = &at
	}
	return &c
}

// Confirmation is the client-facing view of a committed booking.
type Confirmation struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	DoctorID      string    `json:"doctorId"`
	UserID        string    `json:"userId"`
	Date          Date      `json:"date"`
	StartTime     TimeOfDay `json:"startTime"`
	EndTime       TimeOfDay `json:"endTime"`
}

func (a *Appointment) Confirmation() Confirmation {
	return Confirmation{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		UserID:        a.UserID,
		Date:          a.Date,
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
	}
}
