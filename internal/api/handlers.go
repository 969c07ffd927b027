// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/models"
)

// Controller is the stream manager surface the control API drives.
type Controller interface {
	Start(ctx context.Context) (models.StatusSnapshot, error)
	Stop(ctx context.Context) (models.StatusSnapshot, error)
	Status() models.StatusSnapshot
}

// Handler implements the control endpoints.
type Handler struct {
	ctrl Controller
}

// NewHandler creates a Handler for the given controller.
func NewHandler(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// controlResponse is the body of start/stop responses.
type controlResponse struct {
	Status  string                `json:"status"`
	Message string                `json:"message,omitempty"`
	Stream  models.StatusSnapshot `json:"stream"`
}

// Start handles POST /api/v1/control/start. Idempotent: starting an
// already-running connection reports the current state.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Start(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Control start failed")
		writeError(w, http.StatusInternalServerError, "failed to start stream connection")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Status: "ok", Stream: snap})
}

// Stop handles POST /api/v1/control/stop. Idempotent.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Stop(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Control stop failed")
		writeError(w, http.StatusInternalServerError, "failed to stop stream connection")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Status: "ok", Stream: snap})
}

// Status handles GET /api/v1/control/status. Read-only.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// HealthLive handles GET /healthz. The process being able to answer is
// the whole check.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /readyz. Readiness does not require the
// stream to be connected; a deliberately stopped connection is still a
// healthy service.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stream": snap.State,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
