/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for logsentry.
//
// All metrics are registered with the package Registry, which the HTTP API
// serves on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - logsentry_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every logsentry collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionsActive is the number of open syslog connections.
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logsentry_connections_active",
			Help: "Number of currently open syslog TCP connections.",
		},
	)

	// ConnectionsTotal counts accepted syslog connections.
	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_connections_total",
			Help: "Total syslog TCP connections accepted.",
		},
	)

	// MessagesTotal counts decoded messages by framing mode.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_messages_total",
			Help: "Total syslog messages decoded, by framing mode.",
		},
		[]string{"framing"},
	)

	// ParsedTotal counts parsed records by detected format.
	ParsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_parsed_total",
			Help: "Total syslog messages parsed, by format (rfc5424, rfc3164, fallback).",
		},
		[]string{"format"},
	)

	// StoreErrorsTotal counts failed log store writes.
	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_store_errors_total",
			Help: "Total log records that could not be written to the store.",
		},
	)

	// EvaluationsTotal counts rule evaluations by rule and outcome.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_alert_evaluations_total",
			Help: "Total alert rule evaluations by rule and outcome.",
		},
		[]string{"rule", "outcome"},
	)

	// BatchDurationSeconds is a histogram of alert batch duration.
	BatchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_alert_batch_duration_seconds",
			Help:    "Duration of one alert evaluation batch in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// BatchesSkippedTotal counts ticks dropped because a batch was running.
	BatchesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_alert_batches_skipped_total",
			Help: "Total scheduler ticks skipped because a batch was still running.",
		},
	)

	// WebhookDeliveriesTotal counts webhook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_webhook_deliveries_total",
			Help: "Total webhook deliveries by result (success, failure).",
		},
		[]string{"result"},
	)

	// WebhookDurationSeconds is a histogram of webhook round trips.
	WebhookDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_webhook_duration_seconds",
			Help:    "Duration of webhook HTTP calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// TailEventsDroppedTotal counts events a slow live-tail subscriber missed.
	TailEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_tail_events_dropped_total",
			Help: "Total events dropped for live tail subscribers whose buffer was full, by event type.",
		},
		[]string{"type"},
	)

	// RetentionDeletedTotal counts records removed by retention cleanup.
	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_retention_deleted_total",
			Help: "Total log records deleted by retention cleanup.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionsActive,
		ConnectionsTotal,
		MessagesTotal,
		ParsedTotal,
		StoreErrorsTotal,
		EvaluationsTotal,
		BatchDurationSeconds,
		BatchesSkippedTotal,
		WebhookDeliveriesTotal,
		WebhookDurationSeconds,
		TailEventsDroppedTotal,
		RetentionDeletedTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordEvaluation records the outcome of a single rule evaluation.
func RecordEvaluation(rule, outcome string) {
	EvaluationsTotal.WithLabelValues(rule, outcome).Inc()
}

// RecordBatch records a completed alert batch.
func RecordBatch(duration time.Duration) {
	BatchDurationSeconds.Observe(duration.Seconds())
}

// RecordDelivery records one webhook call.
func RecordDelivery(ok bool, duration time.Duration) {
	result := "failure"
	if ok {
		result = "success"
	}
	WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	WebhookDurationSeconds.Observe(duration.Seconds())
}

// RecordMessage records one message cut from a connection stream.
func RecordMessage(framing string) {
	MessagesTotal.WithLabelValues(framing).Inc()
}

// RecordParsed records one parsed record by detected format.
func RecordParsed(format string) {
	ParsedTotal.WithLabelValues(format).Inc()
}

// RecordTailDrop records one event dropped for a slow subscriber.
func RecordTailDrop(eventType string) {
	TailEventsDroppedTotal.WithLabelValues(eventType).Inc()
}
