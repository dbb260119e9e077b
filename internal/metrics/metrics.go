// Package metrics holds the Prometheus collectors of the inference engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brain"

type Metrics struct {
	TokensGenerated prometheus.Counter
	PromptTokens    prometheus.Counter
	ForwardDuration prometheus.Histogram
	LoadDuration    prometheus.Histogram
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	CacheEvictions  prometheus.Counter
	CacheOverflows  prometheus.Counter
	Errors          *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg creates unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TokensGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_generated_total",
			Help:      "Tokens sampled and returned to callers.",
		}),
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt and system tokens fed through the model.",
		}),
		ForwardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of one forward pass over all layers.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Time to map, parse and validate a model file.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently open.",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions opened since start.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_cache_evictions_total",
			Help:      "Positions dropped from KV caches under the evict policy.",
		}),
		CacheOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_cache_overflows_total",
			Help:      "Generations stopped by a full KV cache.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Generation failures by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveForward(d time.Duration) {
	if m == nil {
		return
	}
	m.ForwardDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.LoadDuration.Observe(d.Seconds())
}

func (m *Metrics) AddGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensGenerated.Add(float64(n))
}

func (m *Metrics) AddPrompt(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PromptTokens.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) CacheOverflow() {
	if m == nil {
		return
	}
	m.CacheOverflows.Inc()
}

// Error counts one failed generation. kind is a short label such as
// "cancelled", "cache_overflow" or "dimension".
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}
