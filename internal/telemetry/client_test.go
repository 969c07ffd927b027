// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClientIngest(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-token")
	err := client.Ingest(context.Background(), "kitchen-orders", []Record{
		{"event": "order.received", "receipt_no": "A1"},
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if gotPath != "/v1/datasets/kitchen-orders/ingest" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"receipt_no":"A1"`) {
		t.Errorf("body = %q, missing record fields", gotBody)
	}
}

func TestHTTPClientIngestRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad dataset", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-token")
	err := client.Ingest(context.Background(), "kitchen-orders", []Record{{"event": "x"}})
	if err == nil {
		t.Fatal("Ingest() = nil error on 403 response")
	}
}

func TestHTTPClientIngestSkipsEmptyBatch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret-token")
	if err := client.Ingest(context.Background(), "kitchen-orders", nil); err != nil {
		t.Fatalf("Ingest(nil) error: %v", err)
	}
	if called {
		t.Error("empty batch reached the server")
	}
}
