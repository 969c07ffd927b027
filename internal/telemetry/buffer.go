// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/metrics"
)

// sourceTag identifies this service in every telemetry record.
const sourceTag = "receiptflow"

// Buffer accumulates records and flushes them when either the size
// threshold or the time threshold is reached. The pipeline also asks
// for a flush after each discrete processing step, and the heartbeat
// service ticks one in periodically while the connection is active.
//
// The batch is private to the buffer; Add and Flush are safe for
// concurrent use.
type Buffer struct {
	client  Client
	dataset string

	batchSize     int
	flushInterval time.Duration

	// flushMu serializes flushes. The heartbeat service and the
	// pipeline flush the same buffer from different goroutines; two
	// in-flight flushes would send and trim the same batch twice.
	flushMu sync.Mutex

	mu        sync.Mutex
	records   []Record
	lastFlush time.Time
}

// NewBuffer creates a Buffer flushing to client. batchSize and
// flushInterval must both be positive.
func NewBuffer(client Client, dataset string, batchSize int, flushInterval time.Duration) *Buffer {
	return &Buffer{
		client:        client,
		dataset:       dataset,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
	}
}

// Add appends one event to the batch. The record is stamped with the
// event name, an ingest timestamp and the source tag. Add never
// blocks on network I/O; the caller decides when to flush.
func (b *Buffer) Add(event string, fields Record) {
	rec := Record{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    sourceTag,
	}
	for k, v := range fields {
		rec[k] = v
	}

	b.mu.Lock()
	b.records = append(b.records, rec)
	metrics.TelemetryBufferSize.Set(float64(len(b.records)))
	b.mu.Unlock()
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// MaybeFlush flushes when the batch has reached the size threshold or
// the time threshold has elapsed since the last flush. Called after
// every discrete processing step.
func (b *Buffer) MaybeFlush(ctx context.Context) {
	b.mu.Lock()
	due := len(b.records) >= b.batchSize || time.Since(b.lastFlush) >= b.flushInterval
	b.mu.Unlock()

	if due {
		b.Flush(ctx)
	}
}

// Flush sends the whole batch downstream and clears it on success.
// On failure the records stay buffered for the next attempt; the error
// is logged, never returned, because telemetry loss must not disturb
// the pipeline.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.records) == 0 {
		b.lastFlush = time.Now()
		b.mu.Unlock()
		metrics.TelemetryFlushesTotal.WithLabelValues("empty").Inc()
		return
	}
	batch := make([]Record, len(b.records))
	copy(batch, b.records)
	b.mu.Unlock()

	if err := b.client.Ingest(ctx, b.dataset, batch); err != nil {
		logging.Warn().Err(err).Int("records", len(batch)).Msg("Telemetry flush failed, keeping batch")
		metrics.TelemetryFlushesTotal.WithLabelValues("failure").Inc()
		return
	}

	b.mu.Lock()
	// Drop exactly what was sent; records added during the flush stay.
	n := len(batch)
	if n > len(b.records) {
		n = len(b.records)
	}
	b.records = b.records[n:]
	b.lastFlush = time.Now()
	metrics.TelemetryBufferSize.Set(float64(len(b.records)))
	b.mu.Unlock()

	metrics.TelemetryFlushesTotal.WithLabelValues("success").Inc()
}
