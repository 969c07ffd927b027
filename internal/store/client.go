// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package store issues insert operations against the destination
// relational store's HTTP interface (PostgREST-style: one endpoint per
// logical table, JSON bodies, static bearer credential).
//
// The client reports per-call success/failure and never retries
// internally: retry policy belongs to the layer that still owns the
// unacknowledged receipt event. A circuit breaker sheds calls fast
// when the store is down so a dead destination cannot stall the
// stream read loop.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/smartahc/receiptflow/internal/metrics"
	"github.com/smartahc/receiptflow/internal/models"
)

// Table names in the destination store.
const (
	TableOrders = "order_orders"
	TableDishes = "order_dishes"
)

// ErrRejected marks a non-2xx response from the store: the call
// reached the destination and was refused. Duplicate-key conflicts are
// not distinguished from other rejections.
var ErrRejected = errors.New("store: insert rejected")

// Reporter receives the result of every insert call: operation name,
// target table, duration and success flag. The telemetry buffer
// satisfies this through a small adapter in the pipeline.
type Reporter func(operation, table string, duration time.Duration, ok bool)

// Client is the destination-store insert surface used by the pipeline.
type Client interface {
	// InsertOrder inserts one order and returns the store-issued ID.
	InsertOrder(ctx context.Context, order *models.Order) (string, error)
	// InsertDishes inserts one receipt's dish set in a single call.
	InsertDishes(ctx context.Context, dishes []models.Dish) error
}

// HTTPClient implements Client against the store's REST interface.
type HTTPClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	report     Reporter
}

// Config holds the HTTP client settings.
type Config struct {
	// URL is the store's base URL, e.g. https://db.example.co.
	URL string
	// ServiceKey is the static bearer credential.
	ServiceKey string
	// Timeout bounds one insert call.
	Timeout time.Duration
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker; BreakerTimeout is the open interval before a probe.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// NewHTTPClient creates a store client. report may be nil.
func NewHTTPClient(cfg Config, report Reporter) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if report == nil {
		report = func(string, string, time.Duration, bool) {}
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "destination-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Rejections count against the breaker too: a store
			// refusing every row is as unavailable as one timing out.
			return err == nil
		},
	})

	return &HTTPClient{
		baseURL:    cfg.URL,
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cb,
		report:     report,
	}
}

// insertedRow is the minimal shape of a created row in the response.
type insertedRow struct {
	ID string `json:"id"`
}

// InsertOrder implements Client.
func (c *HTTPClient) InsertOrder(ctx context.Context, order *models.Order) (string, error) {
	body, err := c.insert(ctx, "insert_order", TableOrders, order)
	if err != nil {
		return "", err
	}

	var rows []insertedRow
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 || rows[0].ID == "" {
		return "", fmt.Errorf("store: order insert returned no row id")
	}
	return rows[0].ID, nil
}

// InsertDishes implements Client.
func (c *HTTPClient) InsertDishes(ctx context.Context, dishes []models.Dish) error {
	if len(dishes) == 0 {
		return nil
	}
	_, err := c.insert(ctx, "insert_dishes", TableDishes, dishes)
	return err
}

// insert performs one POST through the circuit breaker and reports the
// outcome.
func (c *HTTPClient) insert(ctx context.Context, operation, table string, payload any) ([]byte, error) {
	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, table, payload)
	})
	elapsed := time.Since(start)

	c.report(operation, table, elapsed, err == nil)
	metrics.ObserveInsert(table, elapsed, failureKind(err))

	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *HTTPClient) post(ctx context.Context, table string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", table, err)
	}

	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	// Ask the store to return created rows so order IDs come back.
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", table, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s status %d: %s", ErrRejected, table, resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

// failureKind buckets an insert error for metrics: "" (success),
// "rejected", "breaker_open" or "transport".
func failureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "transport"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
