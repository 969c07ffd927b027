// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package services

import (
	"context"
	"time"

	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/models"
)

// StreamManager is the slice of the stream manager this service
// drives. Operator start/stop keeps going through the control API; the
// service only owns boot resume and process-exit shutdown.
type StreamManager interface {
	ShouldAutoStart() bool
	Start(ctx context.Context) (models.StatusSnapshot, error)
	Shutdown(ctx context.Context)
}

// StreamService holds the stream connection under supervision. At
// startup it resumes the connection when the checkpoint says it was
// active; at shutdown it winds the connection down without clearing
// the resume flag.
type StreamService struct {
	mgr             StreamManager
	autoStart       bool
	shutdownTimeout time.Duration
}

// NewStreamService wraps the manager. autoStart gates boot resume on
// top of the checkpoint's own Active flag.
func NewStreamService(mgr StreamManager, autoStart bool, shutdownTimeout time.Duration) *StreamService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &StreamService{mgr: mgr, autoStart: autoStart, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *StreamService) Serve(ctx context.Context) error {
	if s.autoStart && s.mgr.ShouldAutoStart() {
		if _, err := s.mgr.Start(ctx); err != nil {
			logging.Error().Err(err).Msg("Stream resume at boot failed")
		} else {
			logging.Info().Msg("Stream connection resumed from checkpoint")
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.mgr.Shutdown(shutdownCtx)
	return ctx.Err()
}

// String identifies the service in suture event logs.
func (s *StreamService) String() string {
	return "stream-manager"
}
