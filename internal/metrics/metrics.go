package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transition outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Lifecycle collects donation transition and change feed metrics. A nil
// *Lifecycle records nothing.
type Lifecycle struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	delivered   prometheus.Counter
	subscribers prometheus.Gauge
}

func New() *Lifecycle {
	reg := prometheus.NewRegistry()
	m := &Lifecycle{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sustainplate",
			Name:      "transitions_total",
			Help:      "Donation lifecycle transitions by operation and outcome.",
		}, []string{"op", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sustainplate",
			Name:      "transition_retries_total",
			Help:      "Conditional updates re-issued after a transient failure.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sustainplate",
			Name:      "transition_duration_seconds",
			Help:      "Time spent in a lifecycle operation including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sustainplate",
			Name:      "feed_notifications_total",
			Help:      "Change notifications delivered to subscribers.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sustainplate",
			Name:      "feed_subscribers",
			Help:      "Active change feed subscriptions.",
		}),
	}
	reg.MustRegister(m.transitions, m.retries, m.duration, m.delivered, m.subscribers,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Lifecycle) ObserveTransition(op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Lifecycle) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Lifecycle) Delivered(n int) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(n))
}

func (m *Lifecycle) Subscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Lifecycle) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Lifecycle) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
