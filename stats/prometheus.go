package stats

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// A StatsFactory backed by Prometheus collectors.  Metric names are
// namespaced and have their dots replaced by underscores; tag keys become
// label names.  Requesting the same metric twice (e.g. for two pools with
// different "pool" tags) shares one vector, so every request for a metric
// must use the same set of tag keys.
type PrometheusFactory struct {
	namespace  string
	registerer prometheus.Registerer

	mutex     sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

func NewPrometheusFactory(
	namespace string,
	registerer prometheus.Registerer) *PrometheusFactory {

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}
}

func (f *PrometheusFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	name := sanitize(metric)
	vec, ok := f.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: f.namespace,
				Name:      name,
				Help:      metric,
			},
			labelNames(tags))
		vec = f.register(vec).(*prometheus.CounterVec)
		f.counters[name] = vec
	}
	return vec.With(prometheus.Labels(tags))
}

func (f *PrometheusFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	name := sanitize(metric)
	vec, ok := f.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: f.namespace,
				Name:      name,
				Help:      metric,
			},
			labelNames(tags))
		vec = f.register(vec).(*prometheus.GaugeVec)
		f.gauges[name] = vec
	}
	return &promGauge{gauge: vec.With(prometheus.Labels(tags))}
}

func (f *PrometheusFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	name := sanitize(metric)
	vec, ok := f.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  f.namespace,
				Name:       name,
				Help:       metric,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			labelNames(tags))
		vec = f.register(vec).(*prometheus.SummaryVec)
		f.summaries[name] = vec
	}
	return vec.With(prometheus.Labels(tags))
}

// Registers c, or returns the collector which was registered earlier under
// the same description (e.g. by another factory sharing the registerer).
func (f *PrometheusFactory) register(c prometheus.Collector) prometheus.Collector {
	if err := f.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// prometheus.Gauge is write-only; the last value is mirrored locally so that
// Get works.
type promGauge struct {
	gauge prometheus.Gauge
	bits  uint64 // atomic float64
}

func (g *promGauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
	g.gauge.Set(v)
}

func (g *promGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

func (g *promGauge) Inc() { g.Add(1) }
func (g *promGauge) Dec() { g.Add(-1) }

func (g *promGauge) Sub(v float64) { g.Add(-v) }

func (g *promGauge) Add(v float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			break
		}
	}
	g.gauge.Add(v)
}

func sanitize(metric string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(metric)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
