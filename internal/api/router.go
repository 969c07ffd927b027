// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package api provides the operator-facing control surface over Chi:
// start/stop/status for the stream connection, liveness and readiness
// probes, and the Prometheus scrape endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartahc/receiptflow/internal/config"
)

// Router builds the control API handler tree.
type Router struct {
	cfg     config.ServerConfig
	handler *Handler
}

// NewRouter creates a Router for the given controller.
func NewRouter(cfg config.ServerConfig, ctrl Controller) *Router {
	return &Router{cfg: cfg, handler: NewHandler(ctrl)}
}

// Setup wires middleware and routes and returns the root handler.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	// Probes stay open: no auth, no rate limit, so orchestrators can
	// poll freely.
	r.Get("/healthz", rt.handler.HealthLive)
	r.Get("/readyz", rt.handler.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/control", func(r chi.Router) {
		r.Use(httprate.Limit(
			rt.cfg.RateLimitReqs,
			rt.cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		r.Use(RequireBearer(rt.cfg.AuthToken))
		r.Use(PrometheusMetrics)

		r.Post("/start", rt.handler.Start)
		r.Post("/stop", rt.handler.Stop)
		r.Get("/status", rt.handler.Status)
	})

	return r
}
