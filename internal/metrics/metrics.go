// Package metrics holds the Prometheus collectors of the API process and the
// optional CloudWatch publisher used by the maintenance loop.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vegwatch/internal/jobs"
)

// Snapshot is the point-in-time state pushed by the maintenance loop.
type Snapshot struct {
	CacheBytes    int64               `json:"cache_bytes"`
	CacheUsagePct float64             `json:"cache_usage_pct"`
	CacheFiles    int                 `json:"cache_files"`
	Jobs          map[jobs.Status]int `json:"jobs,omitempty"`
}

// JobsActive counts pending and running jobs.
func (s Snapshot) JobsActive() int {
	return s.Jobs[jobs.StatusPending] + s.Jobs[jobs.StatusRunning]
}

// Publisher receives maintenance snapshots.
type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
}

// Metrics owns every collector. It satisfies external.Recorder and
// vegetation.CacheRecorder.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	cacheUsage       prometheus.Gauge
	cacheFiles       prometheus.Gauge
	jobs             *prometheus.GaugeVec
}

// New registers the collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request latency in seconds.",
			// Raster renders can take minutes.
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		}, []string{"method", "route"}),
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Provider calls by final outcome.",
		}, []string{"provider", "outcome"}),
		upstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Provider call retries by reason.",
		}, []string{"provider", "reason"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by artifact kind and result.",
		}, []string{"kind", "result"}),
		cacheUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "cache_usage_bytes",
			Help: "Bytes used by the artifact cache at the last maintenance run.",
		}),
		cacheFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "cache_files",
			Help: "Files in the artifact cache at the last maintenance run.",
		}),
		jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs",
			Help: "Tracked background jobs by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) UpstreamRequest(provider, outcome string) {
	m.upstreamRequests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) UpstreamRetry(provider, reason string) {
	m.upstreamRetries.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) CacheLookup(kind, result string) {
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// Publish updates the cache and job gauges.
func (m *Metrics) Publish(_ context.Context, s Snapshot) error {
	m.cacheUsage.Set(float64(s.CacheBytes))
	m.cacheFiles.Set(float64(s.CacheFiles))
	for _, st := range jobs.AllStatuses {
		m.jobs.WithLabelValues(string(st)).Set(float64(s.Jobs[st]))
	}
	return nil
}

// Middleware records request count and latency under the chi route pattern,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
