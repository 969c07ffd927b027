// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline: stream connection health, classification outcomes,
// extraction results, destination-store inserts and telemetry flushes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream connection metrics
	StreamConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_stream_connects_total",
			Help: "Stream connection attempts by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	StreamReconnectAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "receiptflow_stream_reconnect_attempts",
			Help: "Current consecutive reconnect attempt count",
		},
	)

	StreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "receiptflow_stream_connected",
			Help: "1 while the stream connection is established",
		},
	)

	EventsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "receiptflow_events_received_total",
			Help: "Raw records received from the stream",
		},
	)

	// Classification metrics
	EventsClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_events_classified_total",
			Help: "Receipt events by classification category",
		},
		[]string{"category"},
	)

	// Extraction metrics
	DishesExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_dishes_extracted_total",
			Help: "Dishes extracted by receipt mode",
		},
		[]string{"mode"}, // "customer_order", "kitchen_slip"
	)

	DishesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_dishes_dropped_total",
			Help: "Dishes dropped before persistence",
		},
		[]string{"reason"}, // "unknown_station"
	)

	// Destination store metrics
	StoreInsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "receiptflow_store_insert_duration_seconds",
			Help:    "Destination store insert duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	StoreInsertErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_store_insert_errors_total",
			Help: "Destination store insert failures",
		},
		[]string{"table", "kind"}, // kind: "transport", "rejected", "breaker_open"
	)

	// Telemetry metrics
	TelemetryFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_telemetry_flushes_total",
			Help: "Telemetry batch flushes by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "empty"
	)

	TelemetryBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "receiptflow_telemetry_buffer_records",
			Help: "Records currently buffered for telemetry",
		},
	)

	// Control API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receiptflow_api_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "receiptflow_api_request_duration_seconds",
			Help:    "Control API request duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveInsert records one destination-store insert call.
func ObserveInsert(table string, d time.Duration, errKind string) {
	StoreInsertDuration.WithLabelValues(table).Observe(d.Seconds())
	if errKind != "" {
		StoreInsertErrors.WithLabelValues(table, errKind).Inc()
	}
}

// ObserveAPIRequest records one control API request.
func ObserveAPIRequest(method, endpoint string, status int, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
