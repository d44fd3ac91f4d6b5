package scheduling

import (
	"context"
	"errors"
)

var (
	ErrParse               = errors.New("unparseable date or time")
	ErrInvalidSlot         = errors.New("invalid slot")
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrAuthRequired        = errors.New("authenticated user required")
	ErrDoctorNotFound      = errors.New("doctor schedule not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrWrongUser           = errors.New("appointment belongs to another user")
	ErrInvalidSchedule     = errors.New("invalid doctor schedule")

	// ErrConflict is reported by a repository or the store when an insert
	// would overlap an active appointment.
	ErrConflict = errors.New("overlapping appointment")
)

// Error kinds reported to callers.
const (
	KindParse               = "ParseError"
	KindInvalidSlot         = "InvalidSlot"
	KindSlotUnavailable     = "SlotUnavailable"
	KindStorageUnavailable  = "StorageUnavailable"
	KindAuthRequired        = "AuthRequired"
	KindDoctorNotFound      = "DoctorNotFound"
	KindAppointmentNotFound = "AppointmentNotFound"
	KindForbidden           = "Forbidden"
	KindInvalidSchedule     = "InvalidSchedule"
	KindTimeout             = "Timeout"
	KindInternal            = "Internal"
)

// BookingError carries a sentinel kind, an optional reason code and the
// underlying cause. errors.Is matches both the sentinel and the cause.
type BookingError struct {
	Kind   error
	Reason string
	Err    error
}

func newError(kind error, reason string, cause error) *BookingError {
	return &BookingError{Kind: kind, Reason: reason, Err: cause}
}

func (e *BookingError) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BookingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf names the client-visible kind of err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrInvalidSlot):
		return KindInvalidSlot
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrConflict):
		return KindSlotUnavailable
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrDoctorNotFound):
		return KindDoctorNotFound
	case errors.Is(err, ErrAppointmentNotFound):
		return KindAppointmentNotFound
	case errors.Is(err, ErrWrongUser):
		return KindForbidden
	case errors.Is(err, ErrInvalidSchedule):
		return KindInvalidSchedule
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// ReasonOf returns the reason code attached to err, if any.
func ReasonOf(err error) string {
	var be *BookingError
	if errors.As(err, &be) {
		return be.Reason
	}
	return ""
}

func isParseError(err error) bool { return errors.Is(err, ErrParse) }
