// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/smartahc/receiptflow/internal/metrics"
)

// RequireBearer checks the Authorization header against the configured
// static token using a constant-time compare. An empty token disables
// auth entirely; that is a development-only configuration.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrometheusMetrics records request count and duration per endpoint.
func PrometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.ObserveAPIRequest(r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
