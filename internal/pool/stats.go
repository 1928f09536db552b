package pool

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// statistics holds the pool's monotonic counters and gauges. Counters
// are updated with atomic instructions outside the pool mutex (spec
// §5); Snapshot is therefore eventually consistent with the
// locked `available`/registry state, which the design notes accept as
// the price of lock-free statistics.
type statistics struct {
	totalConnectionsCreated atomic.Uint64
	active                  atomic.Int64
	idle                    atomic.Int64
	failedCreations         atomic.Uint64
	totalRequests           atomic.Uint64
	successfulRequests      atomic.Uint64
	timedOutRequests        atomic.Uint64
	healthCheckFailures     atomic.Uint64
	lastHealthCheck         atomic.Int64 // unix nanos, 0 = never

	registry prometheus.Registerer
	metrics  *promMetrics
}

// promMetrics mirrors statistics into Prometheus collectors bound to a
// per-pool registry, so two Pool instances in the same process never
// collide on metric names. When the pool is constructed without
// WithRegisterer, that registry is a private prometheus.Registry
// reachable through Pool.Registry, for a caller that wants to scrape
// or federate it after the fact instead of supplying one up front.
type promMetrics struct {
	connectionsCreated prometheus.Counter
	connectionsFailed  prometheus.Counter
	requestsTotal      prometheus.Counter
	requestsSuccess    prometheus.Counter
	requestsTimedOut   prometheus.Counter
	healthCheckFails   prometheus.Counter
	activeGauge        prometheus.Gauge
	idleGauge          prometheus.Gauge
}

func newStatistics(poolID string, reg prometheus.Registerer) *statistics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	labels := prometheus.Labels{"pool_id": poolID}

	m := &promMetrics{
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_connections_created_total",
			Help:        "Total number of physical connections created.",
			ConstLabels: labels,
		}),
		connectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_connections_failed_total",
			Help:        "Total number of failed connection creation attempts.",
			ConstLabels: labels,
		}),
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_acquire_requests_total",
			Help:        "Total number of Acquire calls.",
			ConstLabels: labels,
		}),
		requestsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_acquire_success_total",
			Help:        "Total number of Acquire calls that returned a handle.",
			ConstLabels: labels,
		}),
		requestsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_acquire_timeouts_total",
			Help:        "Total number of Acquire calls that timed out.",
			ConstLabels: labels,
		}),
		healthCheckFails: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dbpool_health_check_failures_total",
			Help:        "Total number of failed health-check validations.",
			ConstLabels: labels,
		}),
		activeGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dbpool_active_connections",
			Help:        "Number of connections currently leased to a caller.",
			ConstLabels: labels,
		}),
		idleGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dbpool_idle_connections",
			Help:        "Number of connections currently idle in the pool.",
			ConstLabels: labels,
		}),
	}

	return &statistics{registry: reg, metrics: m}
}

func (s *statistics) recordRequest() {
	s.totalRequests.Add(1)
	s.metrics.requestsTotal.Inc()
}

func (s *statistics) recordSuccess() {
	s.successfulRequests.Add(1)
	s.metrics.requestsSuccess.Inc()
}

func (s *statistics) recordTimeout() {
	s.timedOutRequests.Add(1)
	s.metrics.requestsTimedOut.Inc()
}

func (s *statistics) recordCreated() {
	s.totalConnectionsCreated.Add(1)
	s.metrics.connectionsCreated.Inc()
}

func (s *statistics) recordFailedCreation() {
	s.failedCreations.Add(1)
	s.metrics.connectionsFailed.Inc()
}

func (s *statistics) recordHealthCheckFailure() {
	s.healthCheckFailures.Add(1)
	s.metrics.healthCheckFails.Inc()
}

func (s *statistics) recordHealthCheckRun(now time.Time) {
	s.lastHealthCheck.Store(now.UnixNano())
}

func (s *statistics) addActive(delta int64) {
	s.active.Add(delta)
	s.metrics.activeGauge.Add(float64(delta))
}

func (s *statistics) addIdle(delta int64) {
	s.idle.Add(delta)
	s.metrics.idleGauge.Add(float64(delta))
}

// Snapshot is a point-in-time, copyable view of the pool's statistics.
type Snapshot struct {
	TotalConnectionsCreated uint64
	Active                  int64
	Idle                    int64
	FailedCreations         uint64
	TotalRequests           uint64
	SuccessfulRequests      uint64
	TimedOutRequests        uint64
	HealthCheckFailures     uint64
	LastHealthCheck         time.Time
}

// Utilization returns active / (active + idle), or 0 if the pool holds
// no connections at all.
func (s Snapshot) Utilization() float64 {
	total := s.Active + s.Idle
	if total <= 0 {
		return 0
	}
	return float64(s.Active) / float64(total)
}

// SuccessRate returns successful / total acquire requests, or 0 if no
// requests have been made yet.
func (s Snapshot) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

func (s *statistics) snapshot() Snapshot {
	var lastCheck time.Time
	if ns := s.lastHealthCheck.Load(); ns != 0 {
		lastCheck = time.Unix(0, ns)
	}
	return Snapshot{
		TotalConnectionsCreated: s.totalConnectionsCreated.Load(),
		Active:                  s.active.Load(),
		Idle:                    s.idle.Load(),
		FailedCreations:         s.failedCreations.Load(),
		TotalRequests:           s.totalRequests.Load(),
		SuccessfulRequests:      s.successfulRequests.Load(),
		TimedOutRequests:        s.timedOutRequests.Load(),
		HealthCheckFailures:     s.healthCheckFailures.Load(),
		LastHealthCheck:         lastCheck,
	}
}
