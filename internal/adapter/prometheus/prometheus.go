// Package prometheus exposes Prometheus collectors for the center: a
// statistics sink, a registry gauge and the /metrics handler.
package prometheus

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
)

const namespace = "crawlfleet"

var (
	defaultSink *Sink
	defaultOnce sync.Once
)

func init() {
	statistics.Register("prometheus", func(statistics.Options) (statistics.Sink, error) {
		defaultOnce.Do(func() {
			defaultSink = NewSink(prometheus.DefaultRegisterer)
		})
		return defaultSink, nil
	})
}

// Sink records statistics events as Prometheus metrics.
type Sink struct {
	downloads *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

var _ statistics.Sink = (*Sink)(nil)

// NewSink registers the download collectors on reg.
func NewSink(reg prometheus.Registerer) *Sink {
	f := promauto.With(reg)
	return &Sink{
		downloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Settled dispatch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes downloaded, labeled by agent.",
			},
			[]string{"agent"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_duration_seconds",
				Help:      "Histogram of successful download durations.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"agent"},
		),
	}
}

// Record adds one settled attempt.
func (s *Sink) Record(_ context.Context, ev statistics.Event) error {
	s.downloads.WithLabelValues(string(ev.Outcome.Kind)).Inc()
	if ev.Outcome.Kind == download.OutcomeSuccess {
		s.bytes.WithLabelValues(ev.AgentID).Add(float64(ev.Outcome.Bytes))
		s.duration.WithLabelValues(ev.AgentID).Observe(ev.Outcome.Duration.Seconds())
	}
	return nil
}

// AgentCollector reports the number of registered agents per status, read
// from the registry at scrape time.
type AgentCollector struct {
	desc     *prometheus.Desc
	snapshot func() map[string]int
}

var _ prometheus.Collector = (*AgentCollector)(nil)

// NewAgentCollector creates a collector calling snapshot on every scrape.
func NewAgentCollector(snapshot func() map[string]int) *AgentCollector {
	return &AgentCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "agents"),
			"Registered agents, labeled by status.",
			[]string{"status"}, nil,
		),
		snapshot: snapshot,
	}
}

// Describe implements prometheus.Collector.
func (c *AgentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *AgentCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}

// HTTPMetrics instruments the admin API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHTTPMetrics registers the admin API collectors on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Admin API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Admin API latencies, labeled by method.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method"},
		),
	}
}

// Middleware records request counts and latencies.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.latency.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
