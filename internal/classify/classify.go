// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package classify determines the category of a receipt event from its
// text content and extracts the table number.
//
// Classification is a pure function of the event's body and receipt
// number: the same event always yields the same category and table, so
// the classifier carries no state and is trivially testable apart from
// the connection machinery.
package classify

import (
	"regexp"
	"strings"

	"github.com/smartahc/receiptflow/internal/models"
)

// Category is the routing decision for one receipt event.
type Category int

const (
	// Heartbeat is the upstream connection-handshake sentinel. Dropped,
	// not counted as a business event.
	Heartbeat Category = iota
	// PreCheckout bills carry no receipt number and no actionable dish
	// data. Logged only.
	PreCheckout
	// Malformed events lack the fields required to process them.
	Malformed
	// Checkout is the final payment confirmation. Logged only.
	Checkout
	// KitchenSlip receipts list the dishes routed to one station.
	KitchenSlip
	// CustomerOrder receipts represent a full order for a table.
	CustomerOrder
	// Unknown receipts match no marker. Logged and skipped.
	Unknown
)

// String returns the category name used in logs and telemetry.
func (c Category) String() string {
	switch c {
	case Heartbeat:
		return "heartbeat"
	case PreCheckout:
		return "pre_checkout"
	case Malformed:
		return "malformed"
	case Checkout:
		return "checkout"
	case KitchenSlip:
		return "kitchen_slip"
	case CustomerOrder:
		return "customer_order"
	default:
		return "unknown"
	}
}

// Receipt body marker tokens printed by the POS.
const (
	markerPreCheckout = "预结单"     // pre-checkout bill
	markerCheckout    = "结账单"     // final checkout bill
	markerKitchenSlip = "制作分单"    // kitchen production slip
	markerCustomer    = "客单"      // customer order
	markerAddDish     = "(加菜)"    // add-dish variant prefix
	sentinelType      = "connected" // upstream handshake sentinel type
	typeKitchenSlip   = "kitchenSlip"
)

// tablePattern matches the table-number line, e.g. "桌号: 8". Both
// half-width and full-width colons appear in the wild.
var tablePattern = regexp.MustCompile(`桌号[:：]\s*([^\n]+)`)

// stationPattern matches the kitchen-slip station line, e.g. "档口: 荤菜".
var stationPattern = regexp.MustCompile(`档口[:：]\s*([^\n]+)`)

// UnknownTable is the table number recorded when none can be extracted.
const UnknownTable = "unknown"

// Classify evaluates the marker rules in precedence order (first match
// wins) and returns the category for the event.
func Classify(evt *models.ReceiptEvent) Category {
	body := evt.PlainText

	// The handshake sentinel arrives as {"type":"connected",...} before
	// any business event and must be ignored.
	if evt.Type == sentinelType || strings.Contains(body, "Stream connected") {
		return Heartbeat
	}

	if evt.ReceiptNo == "" {
		if strings.Contains(body, markerPreCheckout) {
			return PreCheckout
		}
		return Malformed
	}

	if body == "" {
		return Malformed
	}

	if strings.Contains(body, markerCheckout) {
		return Checkout
	}

	if evt.Type == typeKitchenSlip || strings.Contains(body, markerKitchenSlip) {
		return KitchenSlip
	}

	if strings.Contains(body, markerCustomer) || strings.Contains(body, markerAddDish) {
		return CustomerOrder
	}

	return Unknown
}

// TableNumber extracts the table number for the event. Explicit
// upstream fields win over body extraction; absent both, the literal
// "unknown" is recorded so Order and Dish rows never carry an empty
// table.
func TableNumber(evt *models.ReceiptEvent) string {
	if t := evt.ExplicitTable(); t != "" {
		return t
	}
	if m := tablePattern.FindStringSubmatch(evt.PlainText); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" {
			return t
		}
	}
	return UnknownTable
}

// StationName extracts the station label from a kitchen-slip body,
// e.g. "荤菜" from "档口: 荤菜". Returns "" when no station line exists.
func StationName(body string) string {
	if m := stationPattern.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
