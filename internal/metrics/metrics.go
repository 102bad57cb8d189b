// Package metrics holds the Prometheus collectors of the region server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor bundles every collector. A nil *Monitor is valid and records nothing.
type Monitor struct {
	// Allocation requests by result (allocated, dry_run, no_match, bad_request, error).
	allocations *prometheus.CounterVec
	// How long an allocation request takes in total.
	allocationDuration prometheus.Histogram
	// How long allocation waits for the allocation lock.
	lockWait prometheus.Histogram
	// State machine operations per operation and per-id outcome.
	transitions *prometheus.CounterVec
	// Power RPCs by action and outcome.
	powerCalls *prometheus.CounterVec
	// Power RPC round trip.
	powerDuration *prometheus.HistogramVec
	// Tasks waiting in the background persistence queue.
	queueDepth prometheus.Gauge
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Monitor {
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metalpool_allocations_total",
		Help: "Allocation requests by result",
	}, []string{"result"})
	allocationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metalpool_allocation_duration_seconds",
		Help:    "Duration of allocation requests",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metalpool_allocation_lock_wait_seconds",
		Help:    "Time spent waiting for the allocation lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metalpool_transitions_total",
		Help: "Machine lifecycle operations by operation and outcome",
	}, []string{"operation", "outcome"})
	powerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metalpool_power_calls_total",
		Help: "Power RPCs to rack controllers by action and outcome",
	}, []string{"action", "outcome"})
	powerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metalpool_power_call_duration_seconds",
		Help:    "Duration of power RPCs to rack controllers",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"action"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metalpool_power_queue_depth",
		Help: "Tasks waiting in the power state persistence queue",
	})
	registry.MustRegister(
		allocations,
		allocationDuration,
		lockWait,
		transitions,
		powerCalls,
		powerDuration,
		queueDepth,
	)
	return &Monitor{
		allocations:        allocations,
		allocationDuration: allocationDuration,
		lockWait:           lockWait,
		transitions:        transitions,
		powerCalls:         powerCalls,
		powerDuration:      powerDuration,
		queueDepth:         queueDepth,
	}
}

// ObserveAllocation records one allocation request.
func (m *Monitor) ObserveAllocation(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
	m.allocationDuration.Observe(took.Seconds())
}

// ObserveLockWait records time spent acquiring the allocation lock.
func (m *Monitor) ObserveLockWait(took time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(took.Seconds())
}

// CountTransition records the outcome of one machine in a lifecycle operation.
func (m *Monitor) CountTransition(operation, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Add(float64(n))
}

// ObservePowerCall records one power RPC.
func (m *Monitor) ObservePowerCall(action, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.powerCalls.WithLabelValues(action, outcome).Inc()
	m.powerDuration.WithLabelValues(action).Observe(took.Seconds())
}

// SetQueueDepth reports the persistence queue length.
func (m *Monitor) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
