package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pdpatch"

// Metrics holds the Prometheus collectors of the service. Every method is
// safe on a nil *Metrics, so components can run without instrumentation.
// When a Store is attached, datapoints are also mirrored to SQLite.
type Metrics struct {
	ResolveDuration *prometheus.HistogramVec
	ApplyAttempts   *prometheus.CounterVec
	ApplySteps      *prometheus.CounterVec
	PolicyDenied    prometheus.Counter
	SignalScore     prometheus.Histogram
	CacheWrites     *prometheus.CounterVec

	store *Store
}

// NewMetrics creates and registers the collectors on reg (the default
// registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ResolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "resolve_duration_seconds",
			Help:      "Strategy resolution latency by strategy and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"strategy", "outcome"}),
		ApplyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "patch",
			Name:      "apply_attempts_total",
			Help:      "Patch apply attempts by execution world and whether any step applied",
		}, []string{"world", "applied"}),
		ApplySteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "patch",
			Name:      "steps_total",
			Help:      "Patch step outcomes by final status",
		}, []string{"status"}),
		PolicyDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "patch",
			Name:      "values_denied_total",
			Help:      "Step values or proposals rejected by the content denylist",
		}),
		SignalScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "signals",
			Name:      "score",
			Help:      "Classifier score distribution",
			Buckets:   prometheus.LinearBuckets(-10, 3, 14),
		}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tabcache",
			Name:      "durable_writes_total",
			Help:      "Durable tier writes by result (ok, error, dropped)",
		}, []string{"result"}),
	}
}

// WithStore mirrors datapoints to s and returns m.
func (m *Metrics) WithStore(s *Store) *Metrics {
	if m != nil {
		m.store = s
	}
	return m
}

// ResolveObserved records one strategy resolution.
func (m *Metrics) ResolveObserved(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolveDuration.WithLabelValues(strategy, outcome).Observe(d.Seconds())
	m.mirror(MetricResolveDurationMs, float64(d.Milliseconds()), UnitMilliseconds,
		map[string]string{"strategy": strategy, "outcome": outcome})
}

// ApplyAttempt records one run of a whole patch in world.
func (m *Metrics) ApplyAttempt(world string, applied int) {
	if m == nil {
		return
	}
	ok := "false"
	if applied > 0 {
		ok = "true"
	}
	m.ApplyAttempts.WithLabelValues(world, ok).Inc()
	m.mirror(MetricApplyAttempt, float64(applied), UnitCount, map[string]string{"world": world})
}

// StepOutcome records the final status of one step. Denylist rejections
// also bump PolicyDenied.
func (m *Metrics) StepOutcome(status string, denied bool) {
	if m == nil {
		return
	}
	m.ApplySteps.WithLabelValues(status).Inc()
	if denied {
		m.Denied()
	}
}

// Denied records a denylist rejection.
func (m *Metrics) Denied() {
	if m == nil {
		return
	}
	m.PolicyDenied.Inc()
	m.mirror(MetricPolicyDenied, 1, UnitCount, nil)
}

// Score records a classifier score.
func (m *Metrics) Score(score int) {
	if m == nil {
		return
	}
	m.SignalScore.Observe(float64(score))
	m.mirror(MetricSignalScore, float64(score), UnitScore, nil)
}

// CacheWrite records the result of a durable cache write.
func (m *Metrics) CacheWrite(result string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) mirror(name string, v float64, unit string, labels map[string]string) {
	if m.store == nil {
		return
	}
	m.store.Record(&Metric{Name: name, Timestamp: time.Now(), Value: v, Labels: labels, Unit: unit})
}
