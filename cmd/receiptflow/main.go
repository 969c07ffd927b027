// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Receiptflow ingests the POS receipt stream, turns receipts into
// orders and dishes in the destination store, and exposes a small
// operator control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartahc/receiptflow/internal/api"
	"github.com/smartahc/receiptflow/internal/checkpoint"
	"github.com/smartahc/receiptflow/internal/config"
	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/pipeline"
	"github.com/smartahc/receiptflow/internal/store"
	"github.com/smartahc/receiptflow/internal/stream"
	"github.com/smartahc/receiptflow/internal/supervisor"
	"github.com/smartahc/receiptflow/internal/supervisor/services"
	"github.com/smartahc/receiptflow/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("stream_url", cfg.Stream.URL).
		Str("checkpoint_path", cfg.Checkpoint.Path).
		Bool("telemetry", cfg.Telemetry.Enabled).
		Msg("Starting Receiptflow")

	ckpt, err := checkpoint.NewBadgerStore(cfg.Checkpoint.Path, cfg.Checkpoint.InstanceName)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}
	defer func() {
		if err := ckpt.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing checkpoint store")
		}
	}()

	// Telemetry: a disabled backend still gets a buffer so callers
	// never branch; flushes just discard.
	var tclient telemetry.Client = telemetry.NopClient{}
	if cfg.Telemetry.Enabled {
		tclient = telemetry.NewHTTPClient(cfg.Telemetry.URL, cfg.Telemetry.Token)
	}
	buf := telemetry.NewBuffer(tclient, cfg.Telemetry.Dataset, cfg.Telemetry.BatchSize, cfg.Telemetry.FlushInterval)

	storeClient := store.NewHTTPClient(store.Config{
		URL:              cfg.Store.URL,
		ServiceKey:       cfg.Store.ServiceKey,
		Timeout:          cfg.Store.Timeout,
		FailureThreshold: cfg.Store.BreakerFailureThreshold,
		BreakerTimeout:   cfg.Store.BreakerTimeout,
	}, nil)

	proc := pipeline.New(storeClient, buf, cfg.Restaurant.ID)

	mgr, err := stream.New(cfg.Stream, ckpt, proc, buf)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize stream manager")
	}

	router := api.NewRouter(cfg.Server, mgr)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(services.NewStreamService(mgr, cfg.Stream.AutoStart, 10*time.Second))
	tree.AddIngestService(services.NewHeartbeatService(buf, mgr, cfg.Telemetry.HeartbeatInterval))
	tree.AddAPIService(services.NewHTTPService(server, cfg.Server.Timeout))
	logging.Info().Str("addr", server.Addr).Msg("Control API service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Receiptflow stopped gracefully")
}
