// Package metrics exposes Prometheus collectors for pushes, dispatch attempts and builds.
//
// A nil *Metrics is valid and discards every observation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "localci"

type Metrics struct {
	pushes           *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	builds           *prometheus.CounterVec
	buildDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Completed pushes by gateway outcome.",
		}, []string{"outcome"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Cluster task attempts by outcome.",
		}, []string{"outcome"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Sandboxed builds by outcome.",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of sandboxed builds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 9),
		}),
	}
	reg.MustRegister(m.pushes, m.dispatchAttempts, m.builds, m.buildDuration)
	return m
}

// ObservePush counts a push outcome such as "dispatched", "rejected" or "ignored".
func (m *Metrics) ObservePush(outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(outcome).Inc()
}

// ObserveDispatch counts a cluster task attempt outcome.
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveBuild counts a finished build and records its duration.
func (m *Metrics) ObserveBuild(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}
