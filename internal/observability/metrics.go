package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient on top of
// prometheus/client_golang, registering collectors lazily on first use so
// components never need to pre-declare every metric name up front.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient constructs a client under the given namespace
// and subsystem (e.g. namespace="cachemesh", subsystem="index").
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if v, ok := c.counters[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name,
		Help: fmt.Sprintf("Counter for %s", name),
	}, labels)
	c.counters[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if v, ok := c.gauges[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name,
		Help: fmt.Sprintf("Gauge for %s", name),
	}, labels)
	c.gauges[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labels []string) *prometheus.HistogramVec {
	c.mu.RLock()
	if v, ok := c.histograms[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.histograms[name]; ok {
		return v
	}
	v := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace, Subsystem: c.subsystem, Name: name,
		Help: fmt.Sprintf("Histogram for %s", name), Buckets: prometheus.DefBuckets,
	}, labels)
	c.histograms[name] = v
	return v
}

func labelNames(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for k := range labels {
		out = append(out, k)
	}
	return out
}

func (c *PrometheusMetricsClient) RecordEvent(source, eventType string) {
	c.IncrementCounterWithLabels("events_total", 1, map[string]string{"source": source, "type": eventType})
}

func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.RecordHistogram("operation_latency_seconds", duration.Seconds(), map[string]string{"operation": operation})
}

func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	c.getOrCreateCounter(name, labelNames(labels)).With(labels).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.getOrCreateGauge(name, labelNames(labels)).With(labels).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.getOrCreateHistogram(name, labelNames(labels)).With(labels).Observe(value)
}

func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"operation": operation, "result": result})
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{"operation": operation})
}

func (c *PrometheusMetricsClient) RecordNodeOperation(node, operation string, success bool, durationSeconds float64) {
	status := "ok"
	if !success {
		status = "error"
	}
	c.IncrementCounterWithLabels("node_operations_total", 1, map[string]string{"node": node, "operation": operation, "status": status})
	c.RecordHistogram("node_operation_duration_seconds", durationSeconds, map[string]string{"node": node, "operation": operation})
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

func (c *PrometheusMetricsClient) Close() error { return nil }

// noopMetricsClient discards every recording; the default until a
// component explicitly wires a PrometheusMetricsClient.
type noopMetricsClient struct{}

// NewNoopMetricsClient returns a MetricsClient that discards everything.
func NewNoopMetricsClient() MetricsClient { return &noopMetricsClient{} }

func (n *noopMetricsClient) RecordEvent(string, string)                                    {}
func (n *noopMetricsClient) RecordLatency(string, time.Duration)                           {}
func (n *noopMetricsClient) RecordCounter(string, float64, map[string]string)              {}
func (n *noopMetricsClient) RecordGauge(string, float64, map[string]string)                {}
func (n *noopMetricsClient) RecordHistogram(string, float64, map[string]string)            {}
func (n *noopMetricsClient) RecordTimer(string, time.Duration, map[string]string)          {}
func (n *noopMetricsClient) RecordCacheOperation(string, bool, float64)                    {}
func (n *noopMetricsClient) RecordNodeOperation(string, string, bool, float64)             {}
func (n *noopMetricsClient) StartTimer(string, map[string]string) func()                  { return func() {} }
func (n *noopMetricsClient) IncrementCounter(string, float64)                              {}
func (n *noopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (n *noopMetricsClient) RecordDuration(string, time.Duration)                          {}
func (n *noopMetricsClient) Close() error                                                  { return nil }
