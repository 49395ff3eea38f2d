package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantwatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		},
		[]string{"method", "endpoint"},
	)

	// Ingestion channel metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_frames_total",
			Help: "Total number of telemetry frames received",
		},
		[]string{"status"}, // status: merged, dropped
	)

	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_parse_errors_total",
			Help: "Total number of frames dropped because they could not be parsed",
		},
		[]string{"kind"},
	)

	ConnectionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_connection_attempts_total",
			Help: "Total number of telemetry connection attempts",
		},
		[]string{"result"}, // result: success, failed
	)

	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantwatch_connection_status",
			Help: "1 for the current telemetry connection status, 0 otherwise",
		},
		[]string{"status"},
	)

	ConnectionRetries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_connection_retry_count",
			Help: "Consecutive failed connection attempts since the last successful handshake",
		},
	)

	SnapshotMetrics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_snapshot_metrics",
			Help: "Number of metrics present in the current sensor snapshot",
		},
	)

	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_evaluations_total",
			Help: "Total number of evaluation passes",
		},
	)

	ActiveAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plantwatch_active_alerts",
			Help: "Alerts produced by the latest evaluation pass",
		},
		[]string{"severity"},
	)

	OverallHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_overall_health",
			Help: "Overall health of the latest evaluation: 2 good, 1 fair, 0 poor",
		},
	)

	// Command dispatch metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_commands_total",
			Help: "Total number of device commands by outcome",
		},
		[]string{"action", "status"}, // status: sent, failed, dropped, suppressed
	)

	CommandQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_command_queue_size",
			Help: "Commands waiting to be delivered to the device",
		},
	)

	// Record stream worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_worker_queue_size",
			Help: "Current size of the evaluation record queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_worker_processed_total",
			Help: "Total number of evaluation records published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_worker_failed_total",
			Help: "Total number of evaluation records that failed to publish",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantwatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plantwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Presentation push metrics
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantwatch_hub_clients",
			Help: "Connected WebSocket presentation clients",
		},
	)

	StateCacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_state_cache_writes_total",
			Help: "Writes of current state to the cache by outcome",
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

var connectionStatuses = []string{"connecting", "open", "closed", "unavailable"}

// SetConnectionStatus flips the status gauge so exactly one status reads 1.
func SetConnectionStatus(status string) {
	for _, s := range connectionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}
