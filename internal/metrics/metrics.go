// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FragmentsReceivedTotal counts fragments accepted from a transport
	FragmentsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_fragments_received_total",
			Help: "Total number of fragments received from transports",
		},
		[]string{"mode"},
	)

	// FragmentBytesTotal counts payload bytes accepted from a transport
	FragmentBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_fragment_bytes_total",
			Help: "Total number of payload bytes received from transports",
		},
		[]string{"mode"},
	)

	// TransportErrorsTotal counts receive/accept/read failures
	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_transport_errors_total",
			Help: "Total number of transport errors",
		},
		[]string{"mode"},
	)

	// InboxDroppedTotal counts fragments discarded by the inbox overflow policy
	InboxDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kpanic_inbox_dropped_total",
			Help: "Total number of fragments dropped because the inbox was full",
		},
	)

	// InboxDepth tracks fragments queued and not yet drained
	InboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kpanic_inbox_depth",
			Help: "Number of fragments waiting in the inbox",
		},
	)

	// PendingMessages tracks peers currently accumulating fragments
	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kpanic_reassembly_pending_messages",
			Help: "Number of messages currently being reassembled",
		},
	)

	// PeersRejectedTotal counts first fragments refused by the peer cap
	PeersRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kpanic_reassembly_peers_rejected_total",
			Help: "Total number of first fragments rejected because too many peers were pending",
		},
	)

	// MessagesCompletedTotal counts finalized messages by completion reason
	MessagesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_reassembly_completed_total",
			Help: "Total number of reassembled messages",
		},
		[]string{"reason"},
	)

	// MessageSizeBytes observes reassembled message sizes
	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kpanic_reassembly_message_size_bytes",
			Help:    "Size of reassembled messages in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 15), // 64B to 1MiB
		},
	)

	// PipelineResultsTotal counts extraction pipeline outcomes
	PipelineResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_pipeline_results_total",
			Help: "Total number of pipeline runs by result",
		},
		[]string{"result"},
	)

	// SinkDeliverySeconds measures sink delivery latency
	SinkDeliverySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kpanic_sink_delivery_seconds",
			Help:    "Latency of sink deliveries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"sink"},
	)

	// SinkErrorsTotal counts failed sink deliveries
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpanic_sink_errors_total",
			Help: "Total number of failed sink deliveries",
		},
		[]string{"sink"},
	)

	// DedupSuppressedTotal counts reports swallowed by the dedup window
	DedupSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kpanic_sink_dedup_suppressed_total",
			Help: "Total number of duplicate reports suppressed",
		},
	)
)

// Pipeline result label values.
const (
	ResultDelivered   = "delivered"
	ResultVetoed      = "vetoed"
	ResultDecodeError = "decode_error"
	ResultSinkError   = "sink_error"
)
