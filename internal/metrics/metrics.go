// Package metrics holds the Prometheus instruments of the ingestion pipeline.
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sercha_ingest"

// Message settlement outcomes
const (
	OutcomeAck     = "ack"
	OutcomeReject  = "reject"
	OutcomeRequeue = "requeue"
)

// Pipeline stages that can fail
const (
	StageValidate     = "validate"
	StageSource       = "source"
	StageRelational   = "relational"
	StageVectorIndex  = "vector_index"
	StageCommit       = "commit"
	StageVectorDelete = "vector_delete"
)

// Metrics groups the pipeline instruments
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	operations    *prometheus.HistogramVec
	orphans       prometheus.Counter
	reconciled    prometheus.Counter
	consumerState prometheus.Gauge
}

// New creates the instruments on a dedicated registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Queue messages settled, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Ingestion pipeline failures, by operation and stage.",
		}, []string{"operation", "stage"}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of ingestion operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_vectors_total",
			Help:      "Vector documents written whose relational commit failed.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_vectors_total",
			Help:      "Orphaned vector documents removed by reconciliation.",
		}),
		consumerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_state",
			Help:      "Message consumer state (0 disconnected, 1 connecting, 2 connected, 3 consuming).",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(m.messages, m.stageFailures, m.operations, m.orphans, m.reconciled, m.consumerState)
	return m
}

// Registry exposes the underlying registry (used by tests to gather values)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageSettled counts a settled queue message
func (m *Metrics) MessageSettled(queue, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
}

// StageFailed counts a failed pipeline stage
func (m *Metrics) StageFailed(operation, stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(operation, stage).Inc()
}

// ObserveOperation records the duration of an ingestion operation
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// VectorOrphaned counts a vector document left without a relational record
func (m *Metrics) VectorOrphaned() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// VectorReconciled counts an orphaned vector document removed by reconciliation
func (m *Metrics) VectorReconciled() {
	if m == nil {
		return
	}
	m.reconciled.Inc()
}

// SetConsumerState records the consumer state machine position
func (m *Metrics) SetConsumerState(state int) {
	if m == nil {
		return
	}
	m.consumerState.Set(float64(state))
}
