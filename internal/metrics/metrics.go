package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for booking-style operations.
const (
	OutcomeOK         = "ok"
	OutcomeConflict   = "conflict"
	OutcomeContention = "contention"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

var (
	BookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbooker_bookings_total",
		Help: "Booking attempts by outcome.",
	}, []string{"outcome"})

	ReschedulesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbooker_reschedules_total",
		Help: "Reschedule attempts by outcome.",
	}, []string{"outcome"})

	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotbooker_cancellations_total",
		Help: "Cancellation attempts by outcome.",
	}, []string{"outcome"})

	AvailabilitySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slotbooker_availability_seconds",
		Help:    "Latency of availability computations.",
		Buckets: prometheus.DefBuckets,
	})
)
