package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds every Prometheus metric the service exposes. One instance
// per process; handed to components at construction.
type Registry struct {
	reg *prometheus.Registry

	// Request plane
	RequestDuration *prometheus.HistogramVec

	// Ingestion
	IngestReceived prometheus.Counter
	IngestInserted prometheus.Counter
	IngestDropped  prometheus.Counter

	// Cache
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	// Policy
	RateLimitRejections    prometheus.Counter
	RateLimitBackendErrors prometheus.Counter

	// Broker
	BrokerPublishFailures prometheus.Counter

	// Subscriptions
	ActiveSessions prometheus.Gauge

	// Edge collectors
	CollectorFramesParsed  *prometheus.CounterVec
	CollectorFramesDropped *prometheus.CounterVec
	CollectorReconnects    *prometheus.CounterVec
	BatchFlushes           prometheus.Counter
	BatchDropOverflow      prometheus.Counter
}

// NewRegistry creates and registers all service metrics on a private
// Prometheus registry so tests can build registries freely.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedline_request_duration_seconds",
				Help:    "HTTP request duration in seconds by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "status"},
		),
		IngestReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_ingest_observations_received_total",
			Help: "Total observations received by the ingestion endpoint",
		}),
		IngestInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_ingest_observations_inserted_total",
			Help: "Total observations persisted to the store",
		}),
		IngestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_ingest_observations_dropped_total",
			Help: "Total observations dropped before persistence",
		}),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedline_cache_hits_total",
				Help: "Total cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedline_cache_misses_total",
				Help: "Total cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedline_cache_hit_ratio",
			Help: "Current cache hit ratio (0.0 to 1.0)",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		RateLimitBackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_rate_limit_backend_unavailable_total",
			Help: "Total rate-limit checks that failed open because the broker was unreachable",
		}),
		BrokerPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_broker_publish_failures_total",
			Help: "Total failed broker publishes",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedline_active_subscription_sessions",
			Help: "Number of open WebSocket subscription sessions",
		}),
		CollectorFramesParsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedline_collector_frames_parsed_total",
				Help: "Upstream frames parsed into observations by exchange",
			},
			[]string{"exchange"},
		),
		CollectorFramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedline_collector_frames_dropped_total",
				Help: "Upstream frames discarded as unknown or invalid by exchange",
			},
			[]string{"exchange"},
		),
		CollectorReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedline_collector_reconnects_total",
				Help: "Upstream WebSocket reconnect attempts by exchange",
			},
			[]string{"exchange"},
		),
		BatchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_batch_flushes_total",
			Help: "Total batch flushes handed to the HTTP sender",
		}),
		BatchDropOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedline_batch_drop_overflow_total",
			Help: "Observations dropped because the batcher retention ceiling was exceeded",
		}),
	}

	r.reg.MustRegister(
		r.RequestDuration,
		r.IngestReceived,
		r.IngestInserted,
		r.IngestDropped,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.RateLimitRejections,
		r.RateLimitBackendErrors,
		r.BrokerPublishFailures,
		r.ActiveSessions,
		r.CollectorFramesParsed,
		r.CollectorFramesDropped,
		r.CollectorReconnects,
		r.BatchFlushes,
		r.BatchDropOverflow,
	)

	return r
}

// RecordCacheHit records a cache hit and refreshes the hit-ratio gauge.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss and refreshes the hit-ratio gauge.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

var cacheTypes = []string{"latest", "range", "consensus"}

func (r *Registry) updateCacheHitRatio() {
	var m io_prometheus_client.Metric

	totalHits := 0.0
	totalMisses := 0.0
	for _, cacheType := range cacheTypes {
		if hit, err := r.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := hit.Write(&m); err == nil {
				totalHits += m.GetCounter().GetValue()
			}
		}
		if miss, err := r.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := miss.Write(&m); err == nil {
				totalMisses += m.GetCounter().GetValue()
			}
		}
	}

	if total := totalHits + totalMisses; total > 0 {
		r.CacheHitRatio.Set(totalHits / total)
	}
}

// Handler returns the text exposition handler for GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
