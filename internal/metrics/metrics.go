package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"objrec/internal/pipeline"
)

const namespace = "objrec"

// StatsFunc reads the loop counters.
type StatsFunc func() pipeline.Stats

// Metrics holds all application metrics
type Metrics struct {
	detections   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge

	stats   atomic.Pointer[StatsFunc]
	dropped atomic.Pointer[func() uint64]

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Objects detected, by label",
		}, []string{"label"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent detecting, annotating and displaying one frame",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Capture time of the last rendered frame",
		}),
	}

	m.registerPrometheusMetrics()
	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.detections, m.tickDuration, m.lastTick)

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Frames detected, annotated and displayed",
		},
		func() float64 { return float64(m.snapshot().Ticks) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Frames dropped as invalid",
		},
		func() float64 { return float64(m.snapshot().Skipped) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_results_dropped_total",
			Help:      "Tick results lost by slow subscribers",
		},
		func() float64 {
			if fn := m.dropped.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_state",
			Help:      "Loop state: 0 idle, 1 streaming, 2 stopped",
		},
		func() float64 { return float64(m.snapshot().State) },
	))
}

// Watch reads loop counters from fn on every scrape.
func (m *Metrics) Watch(fn StatsFunc) {
	m.stats.Store(&fn)
}

// WatchDropped reads the dropped result count from fn on every scrape.
func (m *Metrics) WatchDropped(fn func() uint64) {
	m.dropped.Store(&fn)
}

func (m *Metrics) snapshot() pipeline.Stats {
	if fn := m.stats.Load(); fn != nil && *fn != nil {
		return (*fn)()
	}
	return pipeline.Stats{}
}

// OnTick implements pipeline.TickHandler.
func (m *Metrics) OnTick(tr *pipeline.TickResult) {
	m.tickDuration.Observe(tr.Elapsed.Seconds())
	if !tr.Timestamp.IsZero() {
		m.lastTick.Set(float64(tr.Timestamp.UnixNano()) / 1e9)
	}
	for label, n := range tr.Results.Counts() {
		m.detections.WithLabelValues(label).Add(float64(n))
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ pipeline.TickHandler = (*Metrics)(nil)
