// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

// Package metrics provides Prometheus instrumentation for the pipeline:
// throughput counters, error counts, and broker/store health signals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Throughput counters. The *_last_interval gauges carry the per-window
	// totals emitted by the counter aggregator; the *_total counters
	// accumulate over process lifetime.
	IncomingListensLastInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listenwriter_incoming_listens_last_interval",
			Help: "Listens submitted for insertion during the last flush interval",
		},
	)

	UniqueListensLastInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listenwriter_unique_listens_last_interval",
			Help: "Listens newly persisted during the last flush interval",
		},
	)

	IncomingListensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_incoming_listens_total",
			Help: "Total listens submitted for insertion",
		},
	)

	UniqueListensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_unique_listens_total",
			Help: "Total listens newly persisted and republished",
		},
	)

	// Batch processing metrics.
	BatchesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_batches_processed_total",
			Help: "Total incoming messages processed to acknowledgment",
		},
	)

	BatchProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listenwriter_batch_processing_duration_seconds",
			Help:    "Duration of one consume-to-ack cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Degradation counters.
	EnrichmentLookupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_enrichment_lookup_failures_total",
			Help: "Total identity-resolution sub-batch calls that failed entirely",
		},
	)

	EnrichmentRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_enrichment_records_dropped_total",
			Help: "Total records dropped for missing mandatory identifiers",
		},
	)

	ListensDroppedParse = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_listens_dropped_parse_total",
			Help: "Total records dropped by listen validation",
		},
	)

	MalformedBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_malformed_batches_total",
			Help: "Total incoming message bodies that failed to decode",
		},
	)

	// Failure counters.
	StoreUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_store_unavailable_total",
			Help: "Total transient listen store failures leaving the message unacked",
		},
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_broker_reconnects_total",
			Help: "Total broker reconnect attempts",
		},
	)

	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listenwriter_publish_retries_total",
			Help: "Total retried unique-listen publish operations",
		},
	)

	SideChannelErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listenwriter_side_channel_errors_total",
			Help: "Total swallowed best-effort side-channel failures",
		},
		[]string{"channel"}, // "daily_count", "recent_listens"
	)
)

// RecordBatch records one fully processed batch.
func RecordBatch(d time.Duration) {
	BatchesProcessed.Inc()
	BatchProcessingDuration.Observe(d.Seconds())
}

// Sink publishes the counter aggregator's per-interval totals to Prometheus.
// It satisfies the pipeline's MetricsSink interface.
type Sink struct{}

// SubmitListenCounts emits one flush of the windowed throughput counters.
func (Sink) SubmitListenCounts(incoming, unique int64) {
	IncomingListensLastInterval.Set(float64(incoming))
	UniqueListensLastInterval.Set(float64(unique))
	IncomingListensTotal.Add(float64(incoming))
	UniqueListensTotal.Add(float64(unique))
}
