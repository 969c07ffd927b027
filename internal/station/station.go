// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package station maps kitchen-station display names (Chinese labels
// printed on kitchen slips) to the canonical station identifiers used
// by the destination store.
package station

// Canonical station identifiers. These are fixed rows in the
// destination store's station table, not generated locally.
const (
	MeatID      = "b2c3d4e5-f6a7-8901-bcde-f23456789012" // 荤菜
	VegetableID = "c3d4e5f6-a7b8-9012-cdef-345678901234" // 素菜
	BeverageID  = "d4e5f6a7-b8c9-0123-defa-456789012345" // 酒水
	StapleID    = "e5f6a7b8-c9d0-1234-efab-567890123456" // 主食
	SoupID      = "f6a7b8c9-d0e1-2345-fabc-678901234567" // 汤品
	OtherID     = "a7b8c9d0-e1f2-3456-abcd-789012345678" // 小吃/凉菜/其他
)

// byName covers every station label the POS prints. Snacks, cold
// dishes and the explicit "other" label all route to the catch-all
// station.
var byName = map[string]string{
	"荤菜": MeatID,
	"素菜": VegetableID,
	"酒水": BeverageID,
	"主食": StapleID,
	"汤品": SoupID,
	"小吃": OtherID,
	"凉菜": OtherID,
	"其他": OtherID,
}

// Lookup resolves a station display name to its canonical identifier.
// The second return is false for unrecognized names; callers must drop
// the kitchen-slip dish and log the miss rather than persist it with
// an empty station.
func Lookup(name string) (string, bool) {
	id, ok := byName[name]
	return id, ok
}

// Names returns the recognized station labels. Used by tests and the
// status surface; order is not significant.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	return names
}
