package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dstream"

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

type Counter interface {
	Inc()
	Add(float64)
}

type Histogram interface {
	Observe(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(labels ...string) Counter     { return NoopStat{} }
func (noopHistogramVec) With(labels ...string) Histogram { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

// Initialize creates the registry and registers every metric. Until it is called all metrics are no-ops.
func Initialize() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	registerMetrics()
}

// Handler returns the /metrics handler, or nil when telemetry is not initialized
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func newCounterVec(name, help string, labels []string) CounterVec {
	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cdc",
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

func newHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	ret := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cdc",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	registry.MustRegister(ret)
	return &prometheusHistogramVec{vec: ret}
}
