package scheduling

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docslot/docslot/internal/platform/auth"
	"github.com/docslot/docslot/pkg/pagination"
)

// Handler exposes availability and booking over HTTP.
type Handler struct {
	availability *AvailabilityService
	coordinator  *Coordinator
}

func NewHandler(availability *AvailabilityService, coordinator *Coordinator) *Handler {
	return &Handler{availability: availability, coordinator: coordinator}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Paths used by the booking page.
	user := api.Group("/user")
	user.POST("/check-appointment-availability", h.CheckAvailability)
	user.POST("/book-appointment", h.BookAppointment)

	api.POST("/check-availability", h.CheckAvailability)
	api.POST("/book-appointment", h.BookAppointment)

	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.DELETE("/appointments/:id", h.CancelAppointment)

	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id/schedule", h.GetSchedule)
	api.GET("/doctors/:id/slots", h.ListSlots)
	api.PUT("/doctors/:id/schedule", h.SetSchedule, auth.RequireRole("admin"))
}

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// apiError is rendered by the server's error handler as the failure envelope.
type apiError struct {
	kind    string
	reason  string
	message string
}

func (e apiError) Error() string       { return e.message }
func (e apiError) ErrorKind() string   { return e.kind }
func (e apiError) ErrorReason() string { return e.reason }

var kindStatus = map[string]int{
	KindParse:               http.StatusBadRequest,
	KindInvalidSlot:         http.StatusUnprocessableEntity,
	KindSlotUnavailable:     http.StatusConflict,
	KindStorageUnavailable:  http.StatusServiceUnavailable,
	KindAuthRequired:        http.StatusUnauthorized,
	KindDoctorNotFound:      http.StatusNotFound,
	KindAppointmentNotFound: http.StatusNotFound,
	KindForbidden:           http.StatusForbidden,
	KindInvalidSchedule:     http.StatusBadRequest,
	KindTimeout:             http.StatusGatewayTimeout,
	KindInternal:            http.StatusInternalServerError,
}

var kindMessage = map[string]string{
	KindSlotUnavailable:    "Appointment not available at selected time",
	KindStorageUnavailable: "Booking storage is unavailable, please retry",
	KindAuthRequired:       "Authentication required",
	KindTimeout:            "Request timed out before the booking was made",
	KindInternal:           "internal server error",
}

// httpError converts a scheduling error into an echo error carrying its kind.
func httpError(err error) error {
	kind := KindOf(err)
	msg, ok := kindMessage[kind]
	if !ok {
		msg = err.Error()
	}
	return echo.NewHTTPError(kindStatus[kind], apiError{kind: kind, reason: ReasonOf(err), message: msg}).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, apiError{kind: "BadRequest", message: msg})
}

type availabilityRequest struct {
	DoctorID string `json:"doctorId"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

func (h *Handler) CheckAvailability(c echo.Context) error {
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.DoctorID == "" {
		return badRequest("doctorId is required")
	}
	av, err := h.availability.CheckAvailability(c.Request().Context(), req.DoctorID, req.Date, req.Time)
	if err != nil {
		return httpError(err)
	}
	msg := "Appointment not available at selected time"
	if av.Available {
		msg = "Appointment available at selected time"
	}
	return c.JSON(http.StatusOK, envelope{Success: av.Available, Message: msg, Data: av})
}

type bookingBody struct {
	DoctorID string                 `json:"doctorId"`
	UserID   string                 `json:"userId"`
	Date     string                 `json:"date"`
	Time     string                 `json:"time"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (h *Handler) BookAppointment(c echo.Context) error {
	var body bookingBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	if body.DoctorID == "" {
		return badRequest("doctorId is required")
	}

	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return httpError(ErrAuthRequired)
	}
	if body.UserID != "" && body.UserID != userID {
		if !auth.HasRole(ctx, "admin") {
			return httpError(ErrWrongUser)
		}
		userID = body.UserID
	}

	appt, err := h.coordinator.BookAppointment(ctx, BookingRequest{
		DoctorID: body.DoctorID,
		UserID:   userID,
		Date:     body.Date,
		Time:     body.Time,
		Metadata: body.Metadata,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, envelope{
		Success: true,
		Message: "Appointment booked successfully",
		Data:    appt.Confirmation(),
	})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.coordinator.ListAppointments(c.Request().Context(),
		auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest("invalid id")
	}
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return httpError(ErrAuthRequired)
	}
	appt, err := h.coordinator.Appointment(ctx, id, userID, auth.HasRole(ctx, "admin"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: appt})
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest("invalid id")
	}
	ctx := c.Request().Context()
	if err := h.coordinator.CancelAppointment(ctx, id, auth.UserIDFromContext(ctx), auth.HasRole(ctx, "admin")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Message: "Appointment cancelled"})
}

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.coordinator.ListSchedules(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSchedule(c echo.Context) error {
	s, err := h.coordinator.Schedule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: s})
}

type scheduleBody struct {
	WorkingHours WorkingHours `json:"workingHours"`
	SlotMinutes  int          `json:"slotDurationMinutes"`
}

func (h *Handler) SetSchedule(c echo.Context) error {
	var body scheduleBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	s := &DoctorSchedule{
		DoctorID:     c.Param("id"),
		WorkingHours: body.WorkingHours,
		SlotMinutes:  body.SlotMinutes,
	}
	if err := h.coordinator.SetSchedule(c.Request().Context(), s); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Message: "Schedule updated", Data: s})
}

func (h *Handler) ListSlots(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return badRequest("date is required")
	}
	slots, err := h.availability.FreeSlots(c.Request().Context(), c.Param("id"), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: slots})
}
