package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Hub metrics
	HubEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_hub_enqueued_total",
			Help: "Total number of envelopes appended to a partition",
		},
		[]string{"partition"},
	)

	HubDequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_hub_dequeued_total",
			Help: "Total number of envelopes drained from a partition",
		},
		[]string{"partition"},
	)

	HubQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_hub_queue_depth",
			Help: "Current number of envelopes waiting in a partition",
		},
		[]string{"partition"},
	)

	HubQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_hub_queue_capacity",
			Help: "Capacity of each partition queue",
		},
	)

	HubSendBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_hub_send_blocked_total",
			Help: "Total number of sends that waited for partition capacity",
		},
	)

	HubWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_hub_wait_duration_seconds",
			Help:    "Time envelopes spent queued before dispatch",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	HubUnhandledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_hub_unhandled_total",
			Help: "Total number of envelopes drained while no receiver was bound",
		},
	)

	// Dispatcher metrics
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of dispatched envelopes",
		},
		[]string{"kind", "status"}, // status: success, failed
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Time taken to dispatch one envelope",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	DroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_total",
			Help: "Total number of envelopes dropped without dispatch",
		},
		[]string{"reason"},
	)

	HandlerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_handler_invocations_total",
			Help: "Total number of handler invocations",
		},
		[]string{"kind", "status"}, // status: success, failed, skipped
	)

	// Correlator metrics
	PendingCommands = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_commands",
			Help: "Number of commands waiting for a reply",
		},
	)

	CommandResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_command_results_total",
			Help: "Total number of resolved command futures",
		},
		[]string{"status"},
	)

	LateRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_late_replies_total",
			Help: "Total number of replies discarded because no future was pending",
		},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_consumed_total",
			Help: "Total number of messages read from Kafka",
		},
		[]string{"status"}, // status: delivered, undecodable
	)

	KafkaCommittedOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_kafka_committed_offset",
			Help: "Last committed offset per topic partition",
		},
		[]string{"topic", "partition"},
	)

	// Bridged transports
	TransportMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transport_messages_total",
			Help: "Total number of envelopes crossing a bridged transport",
		},
		[]string{"transport", "direction", "status"},
	)

	// Alerts
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_alerts_fired_total",
			Help: "Total number of alert rules that fired",
		},
		[]string{"rule"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
