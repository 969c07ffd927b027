// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package services

import (
	"context"
	"time"

	"github.com/smartahc/receiptflow/internal/telemetry"
)

// ActivityProbe reports whether the stream connection is live. The
// heartbeat only emits while it is; a stopped connection stays silent.
type ActivityProbe interface {
	Active() bool
}

// HeartbeatService periodically records a heartbeat event and flushes
// the telemetry buffer, so a quiet restaurant still proves liveness
// downstream and buffered records never sit longer than the interval.
type HeartbeatService struct {
	buf      *telemetry.Buffer
	probe    ActivityProbe
	interval time.Duration
}

// NewHeartbeatService creates the ticker service. interval must be
// positive.
func NewHeartbeatService(buf *telemetry.Buffer, probe ActivityProbe, interval time.Duration) *HeartbeatService {
	return &HeartbeatService{buf: buf, probe: probe, interval: interval}
}

// Serve implements suture.Service.
func (s *HeartbeatService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.probe.Active() {
				continue
			}
			s.buf.Add("service.heartbeat", telemetry.Record{
				"buffered": s.buf.Len(),
			})
			s.buf.Flush(ctx)

		case <-ctx.Done():
			// Last chance for buffered records before exit.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.buf.Flush(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}

// String identifies the service in suture event logs.
func (s *HeartbeatService) String() string {
	return "telemetry-heartbeat"
}
