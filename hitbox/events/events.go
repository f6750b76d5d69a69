// Package events implements the observable event taxonomy (§6): every
// externally visible decision the FSM makes, reported to a Recorder that
// emits structured log lines and, optionally, Prometheus metrics.
package events

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// Kind enumerates the observable event types (§6).
type Kind string

const (
	KindRequestAdmitted    Kind = "request_admitted"
	KindPredicateDecision  Kind = "predicate_decision"
	KindBackendRead        Kind = "backend_read"
	KindBackendWrite       Kind = "backend_write"
	KindConcurrencyDecided Kind = "concurrency_decided"
	KindUpstreamCalled     Kind = "upstream_called"
	KindCacheStatus        Kind = "cache_status"
	KindOffloadSpawned     Kind = "offload_spawned"
	KindOffloadCompleted   Kind = "offload_completed"
	KindOffloadDeduped     Kind = "offload_deduplicated"
	KindOffloadTimedOut    Kind = "offload_timed_out"
)

// Event is a single observable occurrence, correlated by ID across log
// lines and metric exemplars (§6).
type Event struct {
	ID       uuid.UUID
	Kind     Kind
	Key      string
	Status   freshness.Status
	Decision string
	Duration time.Duration
	Err      error
}

// Recorder receives Events. It always logs; it additionally records
// Prometheus metrics when constructed with a registerer.
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics // nil when no Prometheus registerer was supplied
}

// New creates a Recorder that only emits structured log lines.
func New(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// NewWithMetrics creates a Recorder that emits structured log lines and
// registers/records Prometheus metrics against reg. Registration errors
// (e.g. a collector already registered under the same name) are
// swallowed the way linkerd-linkerd2's metrics wiring treats duplicate
// registration as non-fatal during tests.
func NewWithMetrics(logger *slog.Logger, reg prometheus.Registerer) *Recorder {
	r := New(logger)
	r.metrics = newMetrics(reg)
	return r
}

// Record logs e and, if metrics are enabled, updates the corresponding
// Prometheus collector.
func (r *Recorder) Record(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	attrs := []any{
		"event_id", e.ID.String(),
		"kind", string(e.Kind),
		"key", e.Key,
	}
	if e.Status != 0 || e.Kind == KindCacheStatus {
		attrs = append(attrs, "status", e.Status.String())
	}
	if e.Decision != "" {
		attrs = append(attrs, "decision", e.Decision)
	}
	if e.Duration != 0 {
		attrs = append(attrs, "duration", e.Duration.String())
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err.Error())
		r.logger.Error("cache event", attrs...)
	} else {
		r.logger.Info("cache event", attrs...)
	}

	if r.metrics != nil {
		r.metrics.observe(e)
	}
}

type metrics struct {
	cacheStatus  *prometheus.CounterVec
	upstreamSecs prometheus.Histogram
	concurrency  *prometheus.CounterVec
	offload      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cacheStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitbox",
			Name:      "cache_status_total",
			Help:      "Count of requests by resulting cache status.",
		}, []string{"status"}),
		upstreamSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hitbox",
			Name:      "upstream_call_seconds",
			Help:      "Latency of upstream calls made by the cache FSM.",
			Buckets:   prometheus.DefBuckets,
		}),
		concurrency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitbox",
			Name:      "concurrency_decisions_total",
			Help:      "Count of dogpile-prevention decisions by outcome.",
		}, []string{"decision"}),
		offload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hitbox",
			Name:      "offload_events_total",
			Help:      "Count of background offload task outcomes.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{m.cacheStatus, m.upstreamSecs, m.concurrency, m.offload} {
		if reg != nil {
			_ = reg.Register(c) // duplicate registration is not fatal
		}
	}
	return m
}

func (m *metrics) observe(e Event) {
	switch e.Kind {
	case KindCacheStatus:
		m.cacheStatus.WithLabelValues(e.Status.String()).Inc()
	case KindUpstreamCalled:
		m.upstreamSecs.Observe(e.Duration.Seconds())
	case KindConcurrencyDecided:
		m.concurrency.WithLabelValues(e.Decision).Inc()
	case KindOffloadSpawned, KindOffloadCompleted, KindOffloadDeduped, KindOffloadTimedOut:
		m.offload.WithLabelValues(string(e.Kind)).Inc()
	}
}
