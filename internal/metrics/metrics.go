package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tile request outcomes
const (
	OutcomeOK        = "ok"
	OutcomeRetry     = "retry"
	OutcomeSoftFail  = "soft_fail"
	OutcomeCancelled = "cancelled"
)

// Recorder is implemented by the prometheus collectors and by Noop.
type Recorder interface {
	IncTileRequests(outcome string)
	SetLimiterDelay(d time.Duration)
	ObserveEncodeDuration(format string, d time.Duration)
	IncCacheHits()
	IncCacheMisses()
}

// Prometheus holds the collectors registered for one process.
type Prometheus struct {
	registry       *prometheus.Registry
	tileRequests   *prometheus.CounterVec
	limiterDelay   prometheus.Gauge
	encodeDuration *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
}

// NewPrometheus registers the collectors on a private registry so that
// several instances can coexist in tests.
func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		tileRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eotl_tile_requests_total",
			Help: "Tile render requests by outcome.",
		}, []string{"outcome"}),
		limiterDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eotl_limiter_delay_seconds",
			Help: "Current pacing delay of the tile request limiter.",
		}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eotl_encode_duration_seconds",
			Help:    "Duration of timelapse encoding.",
			Buckets: prometheus.DefBuckets,
		}, []string{"format"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eotl_image_cache_hits_total",
			Help: "Rendered image cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eotl_image_cache_misses_total",
			Help: "Rendered image cache misses.",
		}),
	}

	m.registry.MustRegister(m.tileRequests, m.limiterDelay, m.encodeDuration, m.cacheHits, m.cacheMisses)
	return m
}

func (m *Prometheus) IncTileRequests(outcome string) {
	m.tileRequests.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) SetLimiterDelay(d time.Duration) {
	m.limiterDelay.Set(d.Seconds())
}

func (m *Prometheus) ObserveEncodeDuration(format string, d time.Duration) {
	m.encodeDuration.WithLabelValues(format).Observe(d.Seconds())
}

func (m *Prometheus) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *Prometheus) IncCacheMisses() {
	m.cacheMisses.Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving this registry.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Noop is used when metrics are disabled.
type Noop struct{}

func (Noop) IncTileRequests(_ string)                        {}
func (Noop) SetLimiterDelay(_ time.Duration)                 {}
func (Noop) ObserveEncodeDuration(_ string, _ time.Duration) {}
func (Noop) IncCacheHits()                                   {}
func (Noop) IncCacheMisses()                                 {}
