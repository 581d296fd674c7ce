package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_dispatch_total", Help: "Trigger invocations."},
		[]string{"trigger", "result"}, // ok | noop | partial | error
	)
	SkipTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_skipped_total", Help: "Recipients or addresses skipped, by reason."},
		[]string{"reason"},
	)
	PushBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notify_push_messages_built_total", Help: "Push messages built for submission."},
	)
	BatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_batch_total", Help: "Batch submission outcomes."},
		[]string{"outcome"}, // sent | retry | temp_fail | perm_fail
	)
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider batch submission latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	TicketTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_ticket_total", Help: "Delivery tickets by status and error code."},
		[]string{"status", "error"},
	)

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of IDs returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight outbox messages in this process."},
	)
	RetryTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_retry_total", Help: "Outbox messages rescheduled after an error."})
)

var registerOnce sync.Once

// MustRegister registers the default and service collectors once per process.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			DispatchTotal, SkipTotal, PushBuilt, BatchTotal, BatchDuration, TicketTotal,
			ClaimTotal, ClaimBatchSize, InFlight, RetryTotal,
		)
	})
}

// PGXPoolStats exports pgxpool statistics.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		// pgxpool reports cumulative values, so these are gauges mirroring them.
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

// Start samples the pool every interval until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *PGXPoolStats) sample() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	m.acquireCount.Set(float64(s.AcquireCount()))
	m.acquireLatency.Set(s.AcquireDuration().Seconds())
}
