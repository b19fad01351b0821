package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions        prometheus.Gauge
	Turns                 *prometheus.CounterVec
	GenerationErrors      *prometheus.CounterVec
	RetrievalDegradations *prometheus.CounterVec
	StorageErrors         *prometheus.CounterVec
	DocumentExcerpts      *prometheus.CounterVec
	FirstFragmentLatency  prometheus.Histogram
}

// NewMetrics registers the instruments on a registry of their own, so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live chat sessions.",
		}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Submitted turns by persona and outcome.",
		}, []string{"persona", "outcome"}),
		GenerationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Generation failures by kind.",
		}, []string{"kind"}),
		RetrievalDegradations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degradations_total",
			Help:      "Context retrievals that fell back to a reduced mode.",
		}, []string{"mode"}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Memory store failures by operation.",
		}, []string{"op"}),
		DocumentExcerpts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_excerpts_total",
			Help:      "Document excerpts stored in persona memory.",
		}, []string{"persona"}),
		FirstFragmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_fragment_latency_ms",
			Help:      "Latency from submit to the first streamed reply fragment in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ObserveTurn(persona, outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(persona, outcome).Inc()
}

func (m *Metrics) ObserveGenerationError(kind string) {
	if m == nil {
		return
	}
	m.GenerationErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveRetrievalDegradation(mode string) {
	if m == nil {
		return
	}
	m.RetrievalDegradations.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveStorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveDocumentExcerpts(persona string, n int) {
	if m == nil {
		return
	}
	m.DocumentExcerpts.WithLabelValues(persona).Add(float64(n))
}

func (m *Metrics) ObserveFirstFragmentLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstFragmentLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
