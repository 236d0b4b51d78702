// Package telemetry holds the Prometheus collectors for the service. Labels
// are kept low-cardinality: topic and subscription names, never chat or
// message ids.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Published counts envelopes accepted by a topic.
	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_published_total",
			Help: "Envelopes accepted onto a topic.",
		},
		[]string{"topic"},
	)

	// Deduplicated counts fifo publishes collapsed by content dedup.
	Deduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_deduplicated_total",
			Help: "Fifo publishes collapsed within the dedup window.",
		},
		[]string{"topic"},
	)

	// Delivered counts envelopes a subscription handler acknowledged.
	Delivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_delivered_total",
			Help: "Envelopes acknowledged by a subscription handler.",
		},
		[]string{"subscription"},
	)

	// Redelivered counts per-item retry attempts after a handler failure.
	Redelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_redelivered_total",
			Help: "Envelopes redelivered after a handler failure.",
		},
		[]string{"subscription"},
	)

	// DeadLettered counts envelopes parked after the retry budget.
	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_dead_lettered_total",
			Help: "Envelopes moved to the dead-letter holder.",
		},
		[]string{"subscription"},
	)

	// EgressFrames counts session write outcomes.
	EgressFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_egress_frames_total",
			Help: "Per-session frame write outcomes at the egress processor.",
		},
		[]string{"result"}, // ok | gone | transient
	)

	// Expired counts envelopes dropped for exceeding the validity window.
	Expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbus_expired_total",
			Help: "Envelopes dropped because their age exceeded the validity window.",
		},
	)

	// NoRecipients counts envelopes that found no live session.
	NoRecipients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbus_no_recipients_total",
			Help: "Envelopes processed with no live session on the chat.",
		},
	)

	// HistoryWrites counts history store batch item outcomes.
	HistoryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_history_writes_total",
			Help: "History record write outcomes.",
		},
		[]string{"result"}, // ok | failed
	)

	// DeliveryLatency observes publish-to-egress latency.
	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbus_delivery_latency_seconds",
			Help:    "Latency from publish stamp to session write.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ClientLatency observes end-to-end latency samples reported by clients.
	ClientLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbus_client_latency_seconds",
			Help:    "End-to-end latency reported by clients via telemetry ingest.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// OpenSessions gauges the number of live sessions.
	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbus_open_sessions",
			Help: "Currently open client sessions.",
		},
	)

	// HTTPRequests counts requests by method, route and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbus_http_requests_total",
			Help: "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration observes request durations by method and route.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		Published, Deduplicated, Delivered, Redelivered, DeadLettered,
		EgressFrames, Expired, NoRecipients, HistoryWrites,
		DeliveryLatency, ClientLatency, OpenSessions,
		HTTPRequests, HTTPDuration,
	)
}
