package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesInitiated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_initiated_total", Help: "Ride requests accepted for checkout or dispatch"})
	RidesDispatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_dispatched_total", Help: "Rides fanned out to at least one driver"})
	RidesFailed     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_failed_total", Help: "Rides failed at dispatch for lack of drivers"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race or hit a stale ride"})
	DispatchFanout  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_fanout_drivers", Help: "Candidate drivers notified per dispatch", Buckets: []float64{1, 2, 3, 5, 8, 13, 21}})

	SweepEscalations  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sweep_escalations_total", Help: "Stale rides escalated to a wider radius"})
	SweepTerminations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sweep_terminations_total", Help: "Stale rides terminated after exhausting radius tiers"})

	RefundsIssued = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "refunds_issued_total", Help: "Refund calls issued to the payment gateway"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

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
