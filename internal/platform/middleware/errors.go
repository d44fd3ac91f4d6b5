package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// kinded is implemented by handler errors that carry a machine readable kind.
type kinded interface {
	error
	ErrorKind() string
	ErrorReason() string
}

type errorDetail struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

type errorEnvelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   errorDetail `json:"error"`
}

var statusKinds = map[int]string{
	http.StatusBadRequest:            "BadRequest",
	http.StatusUnauthorized:          "AuthRequired",
	http.StatusForbidden:             "Forbidden",
	http.StatusNotFound:              "NotFound",
	http.StatusMethodNotAllowed:      "MethodNotAllowed",
	http.StatusConflict:              "Conflict",
	http.StatusRequestEntityTooLarge: "PayloadTooLarge",
	http.StatusUnsupportedMediaType:  "UnsupportedMediaType",
	http.StatusUnprocessableEntity:   "Unprocessable",
	http.StatusTooManyRequests:       "RateLimited",
	http.StatusServiceUnavailable:    "StorageUnavailable",
	http.StatusGatewayTimeout:        "Timeout",
}

func kindForStatus(code int) string {
	if k, ok := statusKinds[code]; ok {
		return k
	}
	if code >= 500 {
		return "Internal"
	}
	return "BadRequest"
}

// ErrorHandler renders every error as the JSON failure envelope
// {"success":false,"message":...,"error":{"kind":...,"reason":...}}.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		var kind, reason string

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			code = he.Code
			switch m := he.Message.(type) {
			case kinded:
				kind, reason, msg = m.ErrorKind(), m.ErrorReason(), m.Error()
			case string:
				msg = m
			case error:
				msg = m.Error()
			default:
				msg = http.StatusText(code)
			}
		case errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
			msg = "request processing exceeded the allowed time limit"
		}
		if kind == "" {
			kind = kindForStatus(code)
		}

		if code >= http.StatusInternalServerError {
			cause := err
			if he != nil && he.Internal != nil {
				cause = he.Internal
			}
			logger.Error().Err(cause).
				Str("request_id", requestIDOf(c)).
				Str("kind", kind).
				Int("status", code).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, errorEnvelope{
				Message: msg,
				Error:   errorDetail{Kind: kind, Reason: reason},
			})
		}
		if werr != nil {
			logger.Warn().Err(werr).Msg("failed to write error response")
		}
	}
}
