// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueIngestTotal counts ingested packets by outcome
	// (created, merged, completed, duplicate, suppressed, rejected).
	QueueIngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zephyr_queue_ingest_total",
			Help: "Total number of packets ingested into the input queue, by outcome",
		},
		[]string{"outcome"},
	)

	// QueueRecords tracks queued records by state (complete, incomplete).
	QueueRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zephyr_queue_records",
			Help: "Number of records in the input queue",
		},
		[]string{"state"},
	)

	// QueueExpiredTotal counts incomplete records dropped by the timeout sweep
	QueueExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zephyr_queue_expired_total",
			Help: "Total number of incomplete records expired from the input queue",
		},
	)

	// QueueEvictedTotal counts incomplete records evicted because the queue was full
	QueueEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zephyr_queue_evicted_total",
			Help: "Total number of incomplete records evicted from a full input queue",
		},
	)

	// RetrievalTotal counts retrieval attempts by result
	// (delivered, no_notice, parse_error, auth_failure, out_of_memory, error).
	RetrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zephyr_retrieval_total",
			Help: "Total number of notice retrievals, by result",
		},
		[]string{"result"},
	)

	// CodecAuthFailuresTotal counts notices rejected by authentication
	CodecAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zephyr_codec_auth_failures_total",
			Help: "Total number of notices that failed authentication",
		},
	)

	// ReceiverDatagramsTotal counts datagrams read from the socket
	ReceiverDatagramsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zephyr_receiver_datagrams_total",
			Help: "Total number of datagrams received",
		},
	)

	// ReceiverDropsTotal counts datagrams dropped before reaching the queue, by reason
	ReceiverDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zephyr_receiver_drops_total",
			Help: "Total number of datagrams dropped by the receiver",
		},
		[]string{"reason"},
	)

	// SenderFragmentsTotal counts fragments written by the sender
	SenderFragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zephyr_sender_fragments_total",
			Help: "Total number of notice fragments sent",
		},
	)
)
