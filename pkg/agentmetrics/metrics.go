// Package agentmetrics exposes the agent's own Prometheus self-observability
// metrics (queue depth, drops, upload attempts) — distinct from the domain
// metricstore, which carries application-defined metrics through the
// publisher like any other record.
package agentmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's self-observability collectors.
type Metrics struct {
	QueueDepth          prometheus.Gauge
	RecordsPublished    *prometheus.CounterVec
	RecordsDropped      *prometheus.CounterVec
	MessengerDegraded   *prometheus.GaugeVec
	FileRolls           prometheus.Counter
	UploadAttemptsTotal *prometheus.CounterVec
	UploadDuration      prometheus.Histogram
	RepositoryBytes     prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips prometheus.Counter
}

// New creates a Metrics instance registered with registerer.
func New(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_publisher_queue_depth",
			Help: "Current number of records waiting in the publisher queue",
		}),
		RecordsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_records_published_total",
			Help: "Total number of records accepted by the publisher",
		}, []string{"kind"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_records_dropped_total",
			Help: "Total number of records dropped under backpressure",
		}, []string{"severity"}),
		MessengerDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_messenger_degraded",
			Help: "1 if a messenger has entered degraded state, else 0",
		}, []string{"messenger"}),
		FileRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sessionfile_rolls_total",
			Help: "Total number of session file roll-overs",
		}),
		UploadAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_upload_attempts_total",
			Help: "Total number of upload attempts by outcome",
		}, []string{"outcome"}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_upload_duration_seconds",
			Help:    "Duration of upload attempts in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		RepositoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_repository_bytes",
			Help: "Total bytes on disk across all session files",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_upload_circuit_breaker_state",
			Help: "Current upload circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"destination"}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_upload_circuit_breaker_trips_total",
			Help: "Total number of times the upload circuit breaker has opened",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.QueueDepth,
			m.RecordsPublished,
			m.RecordsDropped,
			m.MessengerDegraded,
			m.FileRolls,
			m.UploadAttemptsTotal,
			m.UploadDuration,
			m.RepositoryBytes,
			m.CircuitBreakerState,
			m.CircuitBreakerTrips,
		)
	}
	return m
}

var (
	globalMu sync.Mutex
	global   *Metrics
)

// Init sets and returns the global self-observability instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName, prometheus.DefaultRegisterer)
	}
	return global
}

// Global returns the process-wide Metrics, initializing a no-op-registered
// instance if Init was never called (keeps tests from needing a registry).
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("agent", nil)
	}
	return global
}
