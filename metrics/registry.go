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

const _namespace = "nodenet"

type metric struct {
	policy    Policy
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

type registry struct {
	mu      sync.Mutex
	reg     *prometheus.Registry
	metrics map[string]*metric
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:     prometheus.NewRegistry(),
		metrics: make(map[string]*metric),
	}
}

// Registry returns the Prometheus registry holding every nodenet metric.
func Registry() *prometheus.Registry {
	return _registry.reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry.reg, promhttp.HandlerOpts{})
}

// sanitize maps a free-form name onto the Prometheus name alphabet.
func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

// labelValues projects dim onto the metric's fixed label set. Unknown
// dimensions are dropped and missing ones are empty.
func (m *metric) labelValues(dim Dimension) prometheus.Labels {
	labels := make(prometheus.Labels, len(m.labels))
	for _, name := range m.labels {
		labels[name] = ""
	}
	for k, v := range dim {
		if name := sanitize(k); labelsContain(m.labels, name) {
			labels[name] = v
		}
	}
	return labels
}

func labelsContain(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// get returns the metric registered for group/name, creating it with policy
// on first use. A later call with a different policy gets nil.
func (r *registry) get(policy Policy, group, name string, dim Dimension) *metric {
	group, name = sanitize(group), sanitize(name)
	key := group + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.metrics[key]; ok {
		if m.policy != policy {
			return nil
		}
		return m
	}

	m := &metric{policy: policy, labels: labelNames(dim)}
	help := group + " " + name + " " + policy.String()
	var c prometheus.Collector
	switch policy {
	case PolicySum:
		m.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: group, Name: name, Help: help,
		}, m.labels)
		c = m.counter
	case PolicySet:
		m.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace, Subsystem: group, Name: name, Help: help,
		}, m.labels)
		c = m.gauge
	case PolicyStopwatch:
		m.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace, Subsystem: group, Name: name, Help: help,
			// 100us .. ~3s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, m.labels)
		c = m.histogram
	default:
		return nil
	}
	if err := r.reg.Register(c); err != nil {
		return nil
	}
	r.metrics[key] = m
	return m
}

func (r *registry) incrCounter(group, name string, v Value, dim Dimension) {
	if v < 0 {
		return
	}
	if m := r.get(PolicySum, group, name, dim); m != nil {
		m.counter.With(m.labelValues(dim)).Add(float64(v))
	}
}

func (r *registry) updateGauge(group, name string, v Value, dim Dimension) {
	if m := r.get(PolicySet, group, name, dim); m != nil {
		m.gauge.With(m.labelValues(dim)).Set(float64(v))
	}
}

func (r *registry) recordStopwatch(group, name string, d time.Duration, dim Dimension) {
	if m := r.get(PolicyStopwatch, group, name, dim); m != nil {
		m.histogram.With(m.labelValues(dim)).Observe(d.Seconds())
	}
}

// IncrCounterWithGroup adds v to a counter. Negative values are ignored.
func IncrCounterWithGroup(group, name string, v Value) {
	_registry.incrCounter(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to a labeled counter.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	_registry.incrCounter(group, name, v, dim)
}

// UpdateGaugeWithGroup sets a gauge.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_registry.updateGauge(group, name, v, nil)
}

func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	_registry.updateGauge(group, name, v, dim)
}

// RecordStopwatchWithGroup observes d in a histogram measured in seconds.
func RecordStopwatchWithGroup(group, name string, d time.Duration) {
	_registry.recordStopwatch(group, name, d, nil)
}

func RecordStopwatchWithDimGroup(group, name string, d time.Duration, dim Dimension) {
	_registry.recordStopwatch(group, name, d, dim)
}
