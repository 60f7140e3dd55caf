package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the turn pipeline.
type Metrics struct {
	ActiveTurns        prometheus.Gauge
	TurnOutcomes       *prometheus.CounterVec
	ProviderAttempts   *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	QuotaDenials       *prometheus.CounterVec
	ContextEvictions   prometheus.Counter
	ContextOverflows   prometheus.Counter
	ProvidersExhausted prometheus.Counter

	turnStages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		turnStages: newStageWindow(256),
		ActiveTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently in flight.",
		}),
		TurnOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Turn outcomes by kind.",
		}, []string{"outcome"}),
		ProviderAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by provider and result.",
		}, []string{"provider", "result"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_latency_ms",
			Help:      "Latency of single provider attempts in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}, []string{"provider"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
		}, []string{"provider"}),
		QuotaDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Quota reservations denied, by reason.",
		}, []string{"reason"}),
		ContextEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_evictions_total",
			Help:      "History turns evicted under token budget pressure.",
		}),
		ContextOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_overflows_total",
			Help:      "Turns aborted because pinned context exceeded the budget.",
		}),
		ProvidersExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "providers_exhausted_total",
			Help:      "Turns for which every eligible provider failed.",
		}),
	}
}

func (m *Metrics) ObserveProviderLatency(providerName string, d time.Duration) {
	m.ProviderLatency.WithLabelValues(providerName).Observe(float64(d.Milliseconds()))
}

// ObserveTurnStage feeds the in-process latency window behind the perf
// endpoint. Stage names are the Stage* constants.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) TurnStageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.turnStages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
