// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package telemetry batches structured pipeline events and ships them
// to the telemetry backend (Axiom-style batch ingest API).
//
// Telemetry is strictly best-effort: a failed flush keeps the records
// buffered for the next attempt and never propagates an error into the
// pipeline.
package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Record is one structured telemetry event.
type Record map[string]any

// Client ships a batch of records to the telemetry backend.
type Client interface {
	Ingest(ctx context.Context, dataset string, records []Record) error
}

// HTTPClient implements Client against the backend's batch ingest
// endpoint: POST {base}/v1/datasets/{dataset}/ingest with a JSON array
// body and bearer auth.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a telemetry client. baseURL has no trailing
// slash, e.g. https://api.axiom.co.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Ingest implements Client.
func (c *HTTPClient) Ingest(ctx context.Context, dataset string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal telemetry batch: %w", err)
	}

	url := fmt.Sprintf("%s/v1/datasets/%s/ingest", c.baseURL, dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ingest request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingest request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// NopClient discards every batch. Used when telemetry is disabled.
type NopClient struct{}

// Ingest implements Client.
func (NopClient) Ingest(context.Context, string, []Record) error { return nil }
