// Package metrics contains the prometheus metrics of the registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ocm.software/open-component-model/registry/errdefs"
)

const (
	// Namespace defines the namespace of all registry metrics.
	Namespace = "ocm_registry"
	// Subsystem is the name of the component registering the metrics.
	Subsystem = "manager"

	// ResultLabel is the outcome of an operation, "success" or the error
	// kind.
	ResultLabel = "result"
	// ModeLabel is the pull mode, "sequential" or "parallel".
	ModeLabel = "mode"

	ResultSuccess = "success"
)

// DurationBuckets are the histogram buckets in seconds.
var DurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics of the manager. A nil *Metrics records nothing.
type Metrics struct {
	// PublishesTotal counts module version publishes.
	// [result].
	PublishesTotal *prometheus.CounterVec
	// PublishDuration tracks the duration of single publishes.
	// [result].
	PublishDuration *prometheus.HistogramVec
	// PullsTotal counts pulls of resolved dependency sets.
	// [mode, result].
	PullsTotal *prometheus.CounterVec
	// PulledArtifactsTotal counts artifacts pulled successfully.
	PulledArtifactsTotal prometheus.Counter
	// PublishesInProgress is the number of publishes in progress, including
	// those waiting for the module semaphore.
	PublishesInProgress prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered. Registering twice with the same reg panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "publishes_total",
			Help:      "Number of module version publishes.",
		}, []string{ResultLabel}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "publish_duration_seconds",
			Help:      "Duration of module version publishes in seconds.",
			Buckets:   DurationBuckets,
		}, []string{ResultLabel}),
		PullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "pulls_total",
			Help:      "Number of dependency pulls.",
		}, []string{ModeLabel, ResultLabel}),
		PulledArtifactsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "pulled_artifacts_total",
			Help:      "Number of artifacts pulled.",
		}),
		PublishesInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "publishes_in_progress",
			Help:      "Number of module version publishes in progress, including those waiting for the module semaphore.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PublishesTotal,
			m.PublishDuration,
			m.PullsTotal,
			m.PulledArtifactsTotal,
			m.PublishesInProgress,
		)
	}
	return m
}

// Result returns the result label value of err.
func Result(err error) string {
	if err == nil {
		return ResultSuccess
	}
	return errdefs.KindOf(err).String()
}

func (m *Metrics) PublishStarted() {
	if m == nil {
		return
	}
	m.PublishesInProgress.Inc()
}

// PublishDone records a finished publish that started at start.
func (m *Metrics) PublishDone(start time.Time, err error) {
	if m == nil {
		return
	}
	result := Result(err)
	m.PublishesInProgress.Dec()
	m.PublishesTotal.WithLabelValues(result).Inc()
	m.PublishDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// PullDone records a finished pull of artifacts artifacts.
func (m *Metrics) PullDone(parallel bool, artifacts int, err error) {
	if m == nil {
		return
	}
	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	m.PullsTotal.WithLabelValues(mode, Result(err)).Inc()
	if err == nil {
		m.PulledArtifactsTotal.Add(float64(artifacts))
	}
}
