package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	exchangesTotal      *prometheus.CounterVec
	streamChunksTotal   prometheus.Counter
	commitFailuresTotal *prometheus.CounterVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge
)

// Exchange outcomes reported by RecordExchange.
const (
	OutcomeCommitted        = "committed"
	OutcomeGenerationFailed = "generation_failed"
	OutcomeCommitFailed     = "commit_failed"
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_memory_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_memory_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_memory_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_memory_window_cache_hits_total",
		Help: "Total history window cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_memory_window_cache_misses_total",
		Help: "Total history window cache misses",
	})

	exchangesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_exchanges_total",
			Help: "Chat exchanges by final outcome",
		},
		[]string{"outcome"},
	)

	streamChunksTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_stream_chunks_total",
		Help: "Reply chunks produced by the model adapter",
	})

	commitFailuresTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_commit_failures_total",
			Help: "Persistence failures by commit step",
		},
		[]string{"step"},
	)

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_memory_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_memory_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})
}

// RecordExchange counts one finished exchange. No-op before InitMetrics.
func RecordExchange(outcome string) {
	if exchangesTotal != nil {
		exchangesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordStreamChunk counts one chunk relayed from the model.
func RecordStreamChunk() {
	if streamChunksTotal != nil {
		streamChunksTotal.Inc()
	}
}

// RecordCommitFailure counts a failed commit step ("transcript" or "index").
func RecordCommitFailure(step string) {
	if commitFailuresTotal != nil {
		commitFailuresTotal.WithLabelValues(step).Inc()
	}
}

// RecordCacheLookup counts a window cache hit or miss.
func RecordCacheLookup(hit bool) {
	switch {
	case hit && CacheHitsTotal != nil:
		CacheHitsTotal.Inc()
	case !hit && CacheMissesTotal != nil:
		CacheMissesTotal.Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
