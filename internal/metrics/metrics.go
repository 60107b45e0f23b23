package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "verkehr"

// CacheStats is a routing cache hit/miss snapshot of one entrypoint.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// Registry holds the proxy metrics on its own prometheus registry so tests
// and multiple instances never collide on the global one.
type Registry struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	activeConns    *prometheus.GaugeVec
	upstreamErrors *prometheus.CounterVec
	listeners      *prometheus.GaugeVec
	reloads        *prometheus.CounterVec
	configVersion  prometheus.Gauge

	registry *prometheus.Registry
}

func NewRegistry() *Registry {
	r := &Registry{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"entrypoint", "router", "service", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of an HTTP request, middlewares included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entrypoint", "service"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "active_connections",
			Help:      "Number of proxied TCP connections.",
		}, []string{"entrypoint", "service"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed attempts to reach an upstream server.",
		}, []string{"service", "reason"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Number of bound listeners.",
		}, []string{"kind"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration snapshots applied.",
		}, []string{"result"}),
		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "version",
			Help:      "Version of the active configuration snapshot.",
		}),
		registry: prometheus.NewRegistry(),
	}
	r.registry.MustRegister(
		r.requests,
		r.latency,
		r.activeConns,
		r.upstreamErrors,
		r.listeners,
		r.reloads,
		r.configVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) IncRequest(entrypoint, router, service, method string, code int) {
	r.requests.WithLabelValues(entrypoint, router, service, method, strconv.Itoa(code)).Inc()
}

func (r *Registry) ObserveLatency(entrypoint, service string, d time.Duration) {
	r.latency.WithLabelValues(entrypoint, service).Observe(d.Seconds())
}

func (r *Registry) IncActiveConns(entrypoint, service string) {
	r.activeConns.WithLabelValues(entrypoint, service).Inc()
}

func (r *Registry) DecActiveConns(entrypoint, service string) {
	r.activeConns.WithLabelValues(entrypoint, service).Dec()
}

func (r *Registry) IncUpstreamError(service, reason string) {
	r.upstreamErrors.WithLabelValues(service, reason).Inc()
}

func (r *Registry) SetListeners(kind string, n int) {
	r.listeners.WithLabelValues(kind).Set(float64(n))
}

func (r *Registry) ObserveReload(version uint64, ok bool) {
	if !ok {
		r.reloads.WithLabelValues("error").Inc()
		return
	}
	r.reloads.WithLabelValues("success").Inc()
	r.configVersion.Set(float64(version))
}

// RegisterRouteCache exports routing cache counters read from source at
// scrape time. source returns stats keyed by entrypoint.
func (r *Registry) RegisterRouteCache(source func() map[string]CacheStats) error {
	return r.registry.Register(&routeCacheCollector{source: source})
}

var (
	routeCacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "route_cache", "hits_total"),
		"Routing cache hits of the active snapshot.",
		[]string{"entrypoint"}, nil,
	)
	routeCacheMissesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "route_cache", "misses_total"),
		"Routing cache misses of the active snapshot.",
		[]string{"entrypoint"}, nil,
	)
)

type routeCacheCollector struct {
	source func() map[string]CacheStats
}

func (c *routeCacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- routeCacheHitsDesc
	ch <- routeCacheMissesDesc
}

func (c *routeCacheCollector) Collect(ch chan<- prometheus.Metric) {
	for ep, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(routeCacheHitsDesc, prometheus.CounterValue, float64(s.Hits), ep)
		ch <- prometheus.MustNewConstMetric(routeCacheMissesDesc, prometheus.CounterValue, float64(s.Misses), ep)
	}
}
