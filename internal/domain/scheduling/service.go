package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/docslot/docslot/internal/platform/metrics"
)

var tracer = otel.Tracer("github.com/docslot/docslot/internal/domain/scheduling")

type serviceConfig struct {
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.SchedulingMetrics
	logger  zerolog.Logger
}

// Option configures the availability service and the booking coordinator.
type Option func(*serviceConfig)

// WithLocation sets the canonical timezone dates and times are read in.
func WithLocation(loc *time.Location) Option {
	return func(c *serviceConfig) { c.loc = loc }
}

// WithClock replaces the server clock used for the not-in-the-past rule.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) { c.now = now }
}

func WithMetrics(m *metrics.SchedulingMetrics) Option {
	return func(c *serviceConfig) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *serviceConfig) { c.logger = l }
}

func newServiceConfig(opts []Option) serviceConfig {
	cfg := serviceConfig{
		loc:    time.UTC,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c serviceConfig) clock() time.Time { return c.now().In(c.loc) }

func (c serviceConfig) today() Date { return DateOf(c.clock()) }

func loadSchedule(ctx context.Context, schedules ScheduleRepository, doctorID string) (*DoctorSchedule, error) {
	s, err := schedules.Get(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, newError(ErrDoctorNotFound, "", fmt.Errorf("doctor %q", doctorID))
		}
		return nil, newError(ErrStorageUnavailable, "", fmt.Errorf("load schedule for %q: %w", doctorID, err))
	}
	return s, nil
}
