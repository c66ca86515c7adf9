package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Drivers assigned to bookings"})
	RematchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rematch_cycles_total", Help: "Rematch cycles run"})
	ResponseTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "response_timeouts_total", Help: "Driver response windows expired"})
	NoShowsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "noshows_total", Help: "No-show reports accepted"})
	SearchExhausted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "search_exhausted_total", Help: "Dispatch searches that ran out of attempts, candidates or time"})

	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_outcomes_total", Help: "Payment handshake outcomes"},
		[]string{"outcome"},
	)

	BookingsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "booking_transitions_total", Help: "Booking status transitions applied"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
