package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Cache names used as metric labels.
const (
	CacheSignature = "signature"
	CacheContent   = "content"
)

// Metrics provides Prometheus metrics for webscript. A nil *Metrics or one
// created with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheShared *prometheus.CounterVec

	// Fetch metrics
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	// Compile metrics
	compilations       *prometheus.CounterVec
	compileDuration    *prometheus.HistogramVec
	resolutionFailures *prometheus.CounterVec

	// Invocation metrics
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	activeInvocations  prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
		cacheShared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_shared_loads_total",
				Help:      "Total number of callers that joined an in-flight load",
			},
			[]string{"cache"},
		),

		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total number of content fetches",
			},
			[]string{"scheme", "status"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of content fetches in seconds",
				Buckets:   buckets,
			},
			[]string{"scheme"},
		),

		compilations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Total number of compile attempts",
			},
			[]string{"language", "status"},
		),
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of compile attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"language"},
		),
		resolutionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_failures_total",
				Help:      "Total number of failed resolutions by error code",
			},
			[]string{"code"},
		),

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of script invocations",
			},
			[]string{"status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of script invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeInvocations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_invocations",
				Help:      "Current number of running invocations",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.cacheShared,
		m.fetches,
		m.fetchDuration,
		m.compilations,
		m.compileDuration,
		m.resolutionFailures,
		m.invocations,
		m.invocationDuration,
		m.activeInvocations,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Cache Metrics

// RecordCacheHit increments the hit counter for cache.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter for cache.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheShared counts a caller that waited on another caller's load.
func (m *Metrics) RecordCacheShared(cache string) {
	if m == nil || m.cacheShared == nil {
		return
	}
	m.cacheShared.WithLabelValues(cache).Inc()
}

// Fetch Metrics

// RecordFetch records a content fetch.
func (m *Metrics) RecordFetch(scheme, status string, duration time.Duration) {
	if m == nil || m.fetches == nil {
		return
	}
	m.fetches.WithLabelValues(scheme, status).Inc()
	m.fetchDuration.WithLabelValues(scheme).Observe(duration.Seconds())
}

// Compile Metrics

// RecordCompile records a compile attempt.
func (m *Metrics) RecordCompile(language, status string, duration time.Duration) {
	if m == nil || m.compilations == nil {
		return
	}
	m.compilations.WithLabelValues(language, status).Inc()
	m.compileDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordResolutionFailure records a failed resolution.
func (m *Metrics) RecordResolutionFailure(code string) {
	if m == nil || m.resolutionFailures == nil {
		return
	}
	m.resolutionFailures.WithLabelValues(code).Inc()
}

// Invocation Metrics

// RecordInvocationStarted marks an invocation as running.
func (m *Metrics) RecordInvocationStarted() {
	if m == nil || m.activeInvocations == nil {
		return
	}
	m.activeInvocations.Inc()
}

// RecordInvocationCompleted records a finished invocation.
func (m *Metrics) RecordInvocationCompleted(status string, duration time.Duration) {
	if m == nil || m.invocations == nil {
		return
	}
	m.invocations.WithLabelValues(status).Inc()
	m.invocationDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeInvocations.Dec()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying Prometheus registry, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server to expose metrics when
// a listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
