package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_scans_submitted_total",
			Help: "Total number of scan tasks submitted",
		},
		[]string{"pool", "scan_type"},
	)

	ScansCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_scans_completed_total",
			Help: "Total number of scan tasks reaching a terminal state",
		},
		[]string{"pool", "status"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scandispatch_scan_duration_seconds",
			Help:    "Scan duration from running to terminal, in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
		},
		[]string{"pool"},
	)

	ScanDLQAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_dlq_added_total",
			Help: "Total number of scan tasks parked in a pool's dead letter queue",
		},
		[]string{"pool", "reason"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scandispatch_queue_depth",
			Help: "Current number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	DLQSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scandispatch_dlq_size",
			Help: "Current number of parked tasks per pool's dead letter queue",
		},
		[]string{"pool"},
	)

	// Registry metrics
	RegistryActiveScans = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scandispatch_registry_active_scans",
			Help: "Current number of reserved scanner instance slots per pool",
		},
		[]string{"pool"},
	)

	RegistryUtilizationPct = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scandispatch_registry_utilization_pct",
			Help: "Percentage of a pool's total scanner capacity currently reserved",
		},
		[]string{"pool"},
	)

	// Worker metrics
	WorkerPollLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scandispatch_worker_poll_latency_seconds",
			Help:    "Latency of a single get_status poll call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"pool"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scandispatch_active_workers",
			Help: "Current number of active worker processes",
		},
	)

	// Projector metrics
	ProjectorRenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scandispatch_projector_render_duration_seconds",
			Help:    "Time spent parsing and projecting an artifact for get_scan_results",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"schema"},
	)

	// Housekeeper metrics
	HousekeeperSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scandispatch_housekeeper_sweep_duration_seconds",
			Help:    "Duration of one TTL housekeeper sweep run",
			Buckets: prometheus.DefBuckets,
		},
	)

	HousekeeperExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_housekeeper_expired_total",
			Help: "Total number of tasks expired by the TTL housekeeper",
		},
		[]string{"reason"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scandispatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Redis metrics
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scandispatch_redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"operation"},
	)

	RedisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_redis_errors_total",
			Help: "Total number of Redis errors",
		},
		[]string{"operation"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scandispatch_websocket_connections",
			Help: "Current number of admin WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scandispatch_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)
)

func RecordScanSubmission(pool, scanType string) {
	ScansSubmitted.WithLabelValues(pool, scanType).Inc()
}

func RecordScanCompletion(pool, status string, duration float64) {
	ScansCompleted.WithLabelValues(pool, status).Inc()
	ScanDuration.WithLabelValues(pool).Observe(duration)
}

func RecordDLQAdded(pool, reason string) {
	ScanDLQAdded.WithLabelValues(pool, reason).Inc()
}

func UpdateQueueDepth(pool string, depth float64) {
	QueueDepth.WithLabelValues(pool).Set(depth)
}

func UpdateDLQSize(pool string, size float64) {
	DLQSize.WithLabelValues(pool).Set(size)
}

func UpdateRegistryUtilization(pool string, activeScans, utilizationPct float64) {
	RegistryActiveScans.WithLabelValues(pool).Set(activeScans)
	RegistryUtilizationPct.WithLabelValues(pool).Set(utilizationPct)
}

func RecordWorkerPollLatency(pool string, seconds float64) {
	WorkerPollLatency.WithLabelValues(pool).Observe(seconds)
}

func SetActiveWorkers(count float64) {
	ActiveWorkers.Set(count)
}

func RecordProjectorRender(schema string, seconds float64) {
	ProjectorRenderDuration.WithLabelValues(schema).Observe(seconds)
}

func RecordHousekeeperSweep(seconds float64) {
	HousekeeperSweepDuration.Observe(seconds)
}

func RecordHousekeeperExpired(reason string) {
	HousekeeperExpired.WithLabelValues(reason).Inc()
}

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func RecordRedisOperation(operation string, duration float64) {
	RedisOperationDuration.WithLabelValues(operation).Observe(duration)
}

func RecordRedisError(operation string) {
	RedisErrors.WithLabelValues(operation).Inc()
}

func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}
