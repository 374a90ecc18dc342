package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const _namespace = "stnet"

// collectors are created lazily, one vector per metric name and label-key set.
type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the prometheus registry every metric of this module lives in.
func Registry() *prometheus.Registry {
	return _registry.reg
}

// Handler serves Registry() in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry.reg, promhttp.HandlerOpts{})
}

// Reset drops every collector. Tests use it to start from a clean registry.
func Reset() {
	_registry = newRegistry()
}

// FullName returns the exported metric name for group and name,
// e.g. ("net", "connection_close_total") -> "stnet_net_connection_close_total".
func FullName(group, name string) string {
	return prometheus.BuildFQName(_namespace, sanitize(group), sanitize(name))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func labelKeys(dims Dimension) []string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, sanitize(k))
	}
	sort.Strings(keys)
	return keys
}

func labels(dims Dimension) prometheus.Labels {
	l := make(prometheus.Labels, len(dims))
	for k, v := range dims {
		l[sanitize(k)] = v
	}
	return l
}

func vecKey(fqName string, keys []string) string {
	return fqName + "{" + strings.Join(keys, ",") + "}"
}

func (r *registry) counter(group, name string, dims Dimension) prometheus.Counter {
	fq := FullName(group, name)
	keys := labelKeys(dims)
	key := vecKey(fq, keys)

	r.mu.Lock()
	vec, ok := r.counters[key]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: group + " " + name}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		r.counters[key] = vec
	}
	r.mu.Unlock()
	return vec.With(labels(dims))
}

func (r *registry) gauge(group, name string, dims Dimension) prometheus.Gauge {
	fq := FullName(group, name)
	keys := labelKeys(dims)
	key := vecKey(fq, keys)

	r.mu.Lock()
	vec, ok := r.gauges[key]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: group + " " + name}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.GaugeVec)
			}
		}
		r.gauges[key] = vec
	}
	r.mu.Unlock()
	return vec.With(labels(dims))
}

func (r *registry) histogram(group, name string, dims Dimension) prometheus.Observer {
	fq := FullName(group, name)
	keys := labelKeys(dims)
	key := vecKey(fq, keys)

	r.mu.Lock()
	vec, ok := r.histograms[key]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fq,
			Help:    group + " " + name,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, keys)
		if err := r.reg.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
		r.histograms[key] = vec
	}
	r.mu.Unlock()
	return vec.With(labels(dims))
}

// IncrCounterWithGroup adds v to the counter group/name.
func IncrCounterWithGroup(group, name string, v Value) {
	_registry.counter(group, name, nil).Add(float64(v))
}

// IncrCounterWithDimGroup adds v to the counter group/name labelled with dims.
// A metric name must always be used with the same set of dimension keys.
func IncrCounterWithDimGroup(group, name string, v Value, dims Dimension) {
	_registry.counter(group, name, dims).Add(float64(v))
}

// UpdateGaugeWithGroup sets the gauge group/name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_registry.gauge(group, name, nil).Set(float64(v))
}

// UpdateGaugeWithDimGroup sets the gauge group/name labelled with dims to v.
func UpdateGaugeWithDimGroup(group, name string, v Value, dims Dimension) {
	_registry.gauge(group, name, dims).Set(float64(v))
}

// RecordStopwatchWithGroup observes the seconds elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	_registry.histogram(group, name, nil).Observe(time.Since(start).Seconds())
}

// RecordStopwatchWithDimGroup is RecordStopwatchWithGroup with dimensions.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dims Dimension) {
	_registry.histogram(group, name, dims).Observe(time.Since(start).Seconds())
}
