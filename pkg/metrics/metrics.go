// Package metrics provides performance tracking and observability for Comet
// using Prometheus metrics. It exposes the pool's sizing gauges, borrow
// latency distribution, and lifecycle counters.
//
// # Basic Usage
//
//	// Gauges are set by the pool as its population changes
//	metrics.TotalConnections.WithLabelValues("orders").Set(8)
//
//	// Track borrow latency
//	timer := metrics.NewTimer("borrow")
//	conn, err := pool.Get(ctx)
//	metrics.BorrowLatency.WithLabelValues("orders").Observe(float64(timer.Stop().Nanoseconds()))
//
// Counters are monotonic (connections opened, closed, borrow timeouts);
// gauges track the live population; the borrow histogram is bucketed for
// sub-millisecond fast-path hits up through multi-second waits.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalConnections tracks the number of entries reachable from the bag.
	// Labels: pool
	TotalConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_total_connections",
			Help: "Total number of pooled connections",
		},
		[]string{"pool"},
	)

	// IdleConnections tracks entries currently available for borrowing.
	IdleConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_idle_connections",
			Help: "Number of idle pooled connections",
		},
		[]string{"pool"},
	)

	// ActiveConnections tracks entries currently checked out.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_active_connections",
			Help: "Number of in-use pooled connections",
		},
		[]string{"pool"},
	)

	// PendingBorrowers tracks callers blocked waiting for a connection.
	PendingBorrowers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comet_pending_borrowers",
			Help: "Number of callers awaiting a connection",
		},
		[]string{"pool"},
	)

	// BorrowLatency tracks the distribution of successful borrow times in
	// nanoseconds. Buckets cover the cache fast path (sub-microsecond)
	// through blocked waits.
	BorrowLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "comet_borrow_latency_nanoseconds",
			Help: "Borrow latency in nanoseconds",
			Buckets: []float64{
				100,    // 100ns - per-thread cache hit
				1000,   // 1μs - shared list scan
				10000,  // 10μs - contended scan
				100000, // 100μs - handoff
				1e6,    // 1ms - short block
				1e7,    // 10ms
				1e8,    // 100ms - connection open on demand
				1e9,    // 1s
				1e10,   // 10s - near timeout
			},
		},
		[]string{"pool"},
	)

	// ConnectionsOpened counts sessions successfully opened by the add-worker.
	ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_connections_opened_total",
			Help: "Total number of connections opened",
		},
		[]string{"pool"},
	)

	// ConnectionsClosed counts sessions closed, labeled by reason
	// (evicted, idle, dead, aborted).
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_connections_closed_total",
			Help: "Total number of connections closed",
		},
		[]string{"pool", "reason"},
	)

	// OpenFailures counts failed open attempts.
	OpenFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_open_failures_total",
			Help: "Total number of failed connection opens",
		},
		[]string{"pool"},
	)

	// BorrowTimeouts counts borrows that exhausted their budget.
	BorrowTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_borrow_timeouts_total",
			Help: "Total number of borrow timeouts",
		},
		[]string{"pool"},
	)

	// ValidationFailures counts liveness probes that declared a connection dead.
	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comet_validation_failures_total",
			Help: "Total number of failed liveness probes",
		},
		[]string{"pool"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. The timer can be stopped
// multiple times, each returning the total elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
