package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics exposes counters/histograms for availability checks and bookings.
type SchedulingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	availabilityChecks *prometheus.CounterVec
	cancellationsTotal *prometheus.CounterVec
	bookingDuration    prometheus.Histogram
	lockWait           prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docslot",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		availabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docslot",
			Subsystem: "scheduling",
			Name:      "availability_checks_total",
			Help:      "Availability checks by result",
		}, []string{"result"}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docslot",
			Subsystem: "scheduling",
			Name:      "cancellations_total",
			Help:      "Appointment cancellations by outcome",
		}, []string{"outcome"}),
		bookingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docslot",
			Subsystem: "scheduling",
			Name:      "booking_duration_seconds",
			Help:      "End-to-end latency of booking attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docslot",
			Subsystem: "scheduling",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a doctor's commit section",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.availabilityChecks, m.cancellationsTotal, m.bookingDuration, m.lockWait)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
	m.bookingDuration.Observe(elapsed.Seconds())
}

func (m *SchedulingMetrics) ObserveAvailability(result string) {
	if m == nil {
		return
	}
	m.availabilityChecks.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveCancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}
