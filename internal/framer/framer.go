// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package framer reassembles complete newline-delimited records from a
// raw byte stream delivered in arbitrary chunks.
//
// The upstream capture service emits one JSON object per line (wrapped
// in SSE "data:" frames). TCP delivers those lines split across read
// boundaries however it pleases, so the framer keeps the trailing
// incomplete record between Feed calls and guarantees the emitted
// record sequence is identical for every possible chunking of the same
// input.
package framer

import (
	"bytes"
	"strings"
)

// ssePrefix is the Server-Sent-Events field prefix the upstream wraps
// each record in. It is stripped before records are handed downstream.
const ssePrefix = "data:"

// Framer splits a chunked byte stream into complete text records.
// One Framer serves exactly one connection: create a fresh instance
// after a reconnect so stale partial data never leaks across
// connection boundaries.
//
// Framer is not safe for concurrent use. The stream manager feeds it
// from a single read loop, which is the only supported usage.
type Framer struct {
	carry []byte
}

// New returns a Framer with an empty carry-over buffer.
func New() *Framer {
	return &Framer{}
}

// Feed appends a chunk and returns every record completed by it.
// Records are newline-delimited; the trailing incomplete record (no
// newline yet) is buffered until a later chunk completes it. Blank and
// whitespace-only records are never emitted.
func (f *Framer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.carry = append(f.carry, chunk...)

	var records []string
	for {
		i := bytes.IndexByte(f.carry, '\n')
		if i < 0 {
			break
		}
		line := string(f.carry[:i])
		f.carry = f.carry[i+1:]

		if rec := normalize(line); rec != "" {
			records = append(records, rec)
		}
	}

	// Reclaim the backing array once consumed lines dominate it, so a
	// long-lived connection does not pin every chunk ever received.
	if len(f.carry) == 0 {
		f.carry = nil
	}
	return records
}

// Flush returns the buffered trailing record, if any, as a final
// record. Called when the connection ends without a trailing newline.
func (f *Framer) Flush() (string, bool) {
	rec := normalize(string(f.carry))
	f.carry = nil
	return rec, rec != ""
}

// Pending reports whether an incomplete record is buffered.
func (f *Framer) Pending() bool {
	return len(f.carry) > 0
}

// normalize trims whitespace and strips the SSE data: prefix. Returns
// "" for records that should not be emitted.
func normalize(line string) string {
	rec := strings.TrimSpace(line)
	if rec == "" {
		return ""
	}
	if strings.HasPrefix(rec, ssePrefix) {
		rec = strings.TrimSpace(rec[len(ssePrefix):])
	}
	return rec
}
