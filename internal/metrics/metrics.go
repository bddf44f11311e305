package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vision_agent"

// Metrics groups the conversation counters. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	llmRequests         *prometheus.CounterVec
	fallbacks           *prometheus.CounterVec
	exchangeDuration    prometheus.Histogram
	persistenceFailures *prometheus.CounterVec
	streamDecodeErrors  prometheus.Counter
	streamInterrupts    prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM generate calls by outcome.",
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Canned replies served instead of an LLM completion, by emotion.",
		}, []string{"emotion"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Wall time of a submit, from user message write to assistant message write.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed store writes, by operation.",
		}, []string{"operation"}),
		streamDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_decode_errors_total",
			Help:      "Streamed lines that could not be decoded.",
		}),
		streamInterrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_interruptions_total",
			Help:      "Streams that failed after some text arrived; the partial text was kept.",
		}),
	}

	m.registry.MustRegister(
		m.llmRequests,
		m.fallbacks,
		m.exchangeDuration,
		m.persistenceFailures,
		m.streamDecodeErrors,
		m.streamInterrupts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LLMRequest(outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(emotion string) {
	if m == nil {
		return
	}
	if emotion == "" {
		emotion = "none"
	}
	m.fallbacks.WithLabelValues(emotion).Inc()
}

func (m *Metrics) ExchangeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.exchangeDuration.Observe(d.Seconds())
}

func (m *Metrics) PersistenceFailure(operation string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) StreamDecodeError() {
	if m == nil {
		return
	}
	m.streamDecodeErrors.Inc()
}

func (m *Metrics) StreamInterrupted() {
	if m == nil {
		return
	}
	m.streamInterrupts.Inc()
}
