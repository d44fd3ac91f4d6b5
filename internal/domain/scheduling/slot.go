package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reason codes returned when a requested slot cannot be booked.
const (
	ReasonInvalidDate         = "invalid_date"
	ReasonInvalidTime         = "invalid_time"
	ReasonOutsideWorkingHours = "outside_working_hours"
	ReasonMisaligned          = "misaligned"
	ReasonInThePast           = "in_the_past"
	ReasonBooked              = "booked"
)

const minutesPerDay = 24 * 60

// Date is a calendar date in the service's canonical timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// At returns the instant at which time-of-day t begins on d in loc.
func (d Date) At(t TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc).Add(time.Duration(t) * time.Minute)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay int

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseDate accepts YYYY-MM-DD and DD-MM-YYYY. Input that does not have either
// shape fails with ErrParse; a well-shaped date that does not exist on the
// calendar fails with ErrInvalidSlot.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	var y, m, d int
	switch {
	case matchLayout(s, "dddd-dd-dd"):
		y, m, d = atoi(s[0:4]), atoi(s[5:7]), atoi(s[8:10])
	case matchLayout(s, "dd-dd-dddd"):
		d, m, y = atoi(s[0:2]), atoi(s[3:5]), atoi(s[6:10])
	default:
		return Date{}, fmt.Errorf("%w: date %q", ErrParse, s)
	}
	if m < 1 || m > 12 || d < 1 || d > daysIn(time.Month(m), y) {
		return Date{}, fmt.Errorf("%w: date %q does not exist", ErrInvalidSlot, s)
	}
	return Date{Year: y, Month: time.Month(m), Day: d}, nil
}

// ParseTimeOfDay accepts HH:MM (24h) and H:MM.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	var h, m int
	switch {
	case matchLayout(s, "dd:dd"):
		h, m = atoi(s[0:2]), atoi(s[3:5])
	case matchLayout(s, "d:dd"):
		h, m = atoi(s[0:1]), atoi(s[2:4])
	default:
		return 0, fmt.Errorf("%w: time %q", ErrParse, s)
	}
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: time %q out of range", ErrInvalidSlot, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// matchLayout reports whether s has the shape of layout, where 'd' stands for
// an ASCII digit and every other byte must match literally.
func matchLayout(s, layout string) bool {
	if len(s) != len(layout) {
		return false
	}
	for i := 0; i < len(layout); i++ {
		if layout[i] == 'd' {
			if s[i] < '0' || s[i] > '9' {
				return false
			}
			continue
		}
		if s[i] != layout[i] {
			return false
		}
	}
	return true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// WorkingHours is the half-open window [Start, End) in which a doctor can be booked.
type WorkingHours struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Slot is one bookable interval [Start, End) on Date.
type Slot struct {
	Date  Date      `json:"date"`
	Start TimeOfDay `json:"startTime"`
	End   TimeOfDay `json:"endTime"`
}

// Overlaps uses half-open semantics: back-to-back intervals do not overlap.
func (s Slot) Overlaps(start, end TimeOfDay) bool {
	return s.Start < end && start < s.End
}

// IsValidSlot reports whether date and clock name a bookable slot start under
// the given working hours and slot length. It returns an error only when the
// input cannot be parsed at all (ErrParse); anything else that is merely not
// bookable yields false.
func IsValidSlot(wh WorkingHours, slotMinutes int, date, clock string) (bool, error) {
	_, start, reason, err := parseSlot(date, clock)
	if err != nil {
		return false, err
	}
	if reason != "" {
		return false, nil
	}
	return gridReason(wh, slotMinutes, start) == "", nil
}

// parseSlot separates unparseable input (err) from well-formed input that
// names no real calendar date or clock time (reason).
func parseSlot(date, clock string) (Date, TimeOfDay, string, error) {
	d, err := ParseDate(date)
	if err != nil {
		if isParseError(err) {
			return Date{}, 0, "", err
		}
		if _, terr := ParseTimeOfDay(clock); terr != nil && isParseError(terr) {
			return Date{}, 0, "", terr
		}
		return Date{}, 0, ReasonInvalidDate, nil
	}
	t, err := ParseTimeOfDay(clock)
	if err != nil {
		if isParseError(err) {
			return Date{}, 0, "", err
		}
		return d, 0, ReasonInvalidTime, nil
	}
	return d, t, "", nil
}

func gridReason(wh WorkingHours, slotMinutes int, start TimeOfDay) string {
	if slotMinutes <= 0 {
		return ReasonMisaligned
	}
	end := start + TimeOfDay(slotMinutes)
	if start < wh.Start || end > wh.End {
		return ReasonOutsideWorkingHours
	}
	if int(start-wh.Start)%slotMinutes != 0 {
		return ReasonMisaligned
	}
	return ""
}
