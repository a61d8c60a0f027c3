// Package metrics provides Prometheus instrumentation for fraudwatch.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudwatch"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AlertsTotal counts alerts created, by risk level.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Fraud alerts created by risk level.",
		},
		[]string{"risk_level"},
	)

	// AnalysisErrorsTotal counts failed analyses by the stage that failed.
	AnalysisErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_errors_total",
			Help:      "Transaction analyses that ended in the errored state, by stage.",
		},
		[]string{"stage"},
	)

	// AnalysisDuration observes end-to-end pipeline latency.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "Wall-clock time to analyze one transaction.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// CacheHitsTotal counts analyses short-circuited by the alert cache.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_cache_hits_total",
		Help:      "Analyses answered from the alert cache.",
	})

	// ModelLatency observes model manager call latency by outcome.
	ModelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_seconds",
			Help:      "Model manager call latency in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"outcome"},
	)

	// BestEffortFailuresTotal counts non-fatal write failures after an
	// alert was decided.
	BestEffortFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Non-fatal post-classification write failures by operation.",
		},
		[]string{"operation"},
	)

	// QueueDepth tracks transactions waiting for a worker.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Transactions waiting in the background queue.",
	})

	// QueueRejectedTotal counts enqueue attempts refused because the queue was full.
	QueueRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_rejected_total",
		Help:      "Enqueue attempts rejected with queue full.",
	})

	// WorkerPanicsTotal counts recovered worker panics.
	WorkerPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_panics_total",
		Help:      "Panics recovered in dispatcher workers.",
	})

	// PublishedTotal counts bus deliveries by topic.
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages delivered to subscribers by topic.",
		},
		[]string{"topic"},
	)

	// PublishDroppedTotal counts messages dropped for slow subscribers.
	PublishDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_dropped_total",
			Help:      "Messages dropped because a subscriber buffer was full, by topic.",
		},
		[]string{"topic"},
	)

	// IngestMessagesTotal counts consumed Kafka messages by result.
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Messages read from the ingest topic by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by the per-client rate limiter.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open lookup database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use lookup database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for lookup database connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AlertsTotal,
		AnalysisErrorsTotal,
		AnalysisDuration,
		CacheHitsTotal,
		ModelLatency,
		BestEffortFailuresTotal,
		QueueDepth,
		QueueRejectedTotal,
		WorkerPanicsTotal,
		PublishedTotal,
		PublishDroppedTotal,
		IngestMessagesTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count every
// interval until ctx is done. db may be nil when lookups are in memory.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
				DBWaitDuration.Set(stats.WaitDuration.Seconds())
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, to bound label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
