package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sheetsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Sheet cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Sheet cache invalidations.",
		},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket subscriber connections.",
		},
	)

	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Per-subscriber broadcast frames by result.",
		},
		[]string{"result"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by job type and new status.",
		},
		[]string{"type", "status"},
	)

	jobsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_purged_total",
			Help:      "Terminal jobs deleted by the cleanup sweep.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhookRequests,
			cacheLookups,
			cacheInvalidations,
			wsConnections,
			broadcastMessages,
			jobTransitions,
			jobsPurged,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncWebhook counts a webhook request outcome: challenge, processed, unauthorized, invalid, error.
func IncWebhook(outcome string) {
	webhookRequests.WithLabelValues(outcome).Inc()
}

func IncCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func IncCacheInvalidation() {
	cacheInvalidations.Inc()
}

func ConnectionOpened() {
	wsConnections.Inc()
}

func ConnectionClosed() {
	wsConnections.Dec()
}

// IncBroadcast counts one frame per subscriber: sent, skipped (closed) or dropped (buffer full).
func IncBroadcast(result string) {
	broadcastMessages.WithLabelValues(result).Inc()
}

func IncJobTransition(jobType, status string) {
	jobTransitions.WithLabelValues(jobType, status).Inc()
}

func AddJobsPurged(n int64) {
	if n > 0 {
		jobsPurged.Add(float64(n))
	}
}
