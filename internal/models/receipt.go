// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package models defines the shared data types flowing through the
// ingestion pipeline: raw receipt events from the capture service,
// the structured order/dish records derived from them, and the durable
// connection state owned by the stream manager.
package models

import "time"

// ReceiptEvent is one raw unit decoded from the upstream receipt stream.
//
// Events are immutable once created: the pipeline reads them, derives
// Order/Dish records, and discards them after persistence succeeds or
// the failure has been logged.
type ReceiptEvent struct {
	// ID is a locally assigned UUID. The upstream capture service
	// assigns its own IDs but pre-checkout bills arrive without one.
	ID string `json:"id,omitempty"`

	// ReceiptNo is the POS receipt number. Absent for pre-checkout bills.
	ReceiptNo string `json:"receipt_no,omitempty"`

	// Type is an optional upstream hint ("connected" marks the stream
	// handshake sentinel, "kitchenSlip" an explicit kitchen slip).
	Type string `json:"type,omitempty"`

	// PlainText is the full decoded receipt body.
	PlainText string `json:"plain_text"`

	// Timestamp is the upstream ISO-8601 timestamp. Defaults to the
	// arrival time when absent.
	Timestamp string `json:"timestamp,omitempty"`

	// Explicit table-number aliases some upstream versions send.
	// When present they override body extraction.
	TableNumber string `json:"tableNumber,omitempty"`
	Table       string `json:"table,omitempty"`
	TableNo     string `json:"table_no,omitempty"`

	// Seq is assigned locally on receipt, monotonic per connection.
	// Used for ordering and telemetry, never sent upstream.
	Seq uint64 `json:"-"`
}

// ExplicitTable returns the first non-empty explicit table-number alias,
// or "" when the table number must be extracted from the body.
func (e *ReceiptEvent) ExplicitTable() string {
	switch {
	case e.TableNumber != "":
		return e.TableNumber
	case e.Table != "":
		return e.Table
	case e.TableNo != "":
		return e.TableNo
	}
	return ""
}

// Order is a customer order derived from a customer-order receipt.
// Exactly one Order is created per customer-order event; kitchen slips,
// pre-checkout and checkout receipts never produce one.
type Order struct {
	// ID is issued by the destination store on insert.
	ID           string     `json:"id,omitempty"`
	RestaurantID string     `json:"restaurant_id"`
	ReceiptNo    string     `json:"receipt_no"`
	TableNo      string     `json:"table_no"`
	OrderType    string     `json:"order_type"`
	Status       string     `json:"status"`
	RawData      RawReceipt `json:"raw_data"`
	OrderedAt    string     `json:"ordered_at"`
	Source       string     `json:"source"`
}

// RawReceipt carries the original receipt text alongside the structured
// order so downstream consumers can re-derive fields if parsing drifts.
type RawReceipt struct {
	Text string `json:"text"`
}

// Dish is one line item, attached to an Order (customer orders) or
// standalone with a station assignment (kitchen slips).
type Dish struct {
	OrderID      string `json:"order_id,omitempty"`
	RestaurantID string `json:"restaurant_id"`
	ReceiptNo    string `json:"receipt_no"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	// StationID is non-empty for kitchen-slip dishes (resolved via the
	// station table) and empty for customer-order dishes, where the
	// kitchen assigns the station later.
	StationID       string `json:"station_id,omitempty"`
	TableNo         string `json:"table_no"`
	Status          string `json:"status"`
	PrepTimeMinutes int    `json:"prep_time_minutes"`
	UrgencyLevel    string `json:"urgency_level"`
}

// ExtractedDish is the parser output before persistence enrichment:
// just the name and quantity read off a receipt line.
type ExtractedDish struct {
	Name     string
	Quantity int
}

// ConnectionState is the durable, process-wide state owned by the
// stream manager. It is persisted synchronously on every transition so
// a restart resumes with accurate counters and does not blindly
// reconnect past the attempt ceiling.
type ConnectionState struct {
	Active              bool      `json:"active"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	TotalEventsReceived uint64    `json:"total_events_received"`
	OrdersProcessed     uint64    `json:"orders_processed"`
	ParseErrors         uint64    `json:"parse_errors"`
	LastUpdateAt        time.Time `json:"last_update_at"`
	LastErrorAt         time.Time `json:"last_error_at"`
}

// StatusSnapshot is the read-only view returned by the status control
// surface. Other components receive snapshots, never the mutable state.
type StatusSnapshot struct {
	Connected         bool      `json:"connected"`
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastUpdate        time.Time `json:"lastUpdate"`
	LastError         time.Time `json:"lastError"`
	OrdersProcessed   uint64    `json:"ordersProcessed"`
	TotalReceived     uint64    `json:"totalReceived"`
	ParseErrors       uint64    `json:"parseErrors"`
	UptimeSeconds     int64     `json:"uptimeSeconds"`
}
