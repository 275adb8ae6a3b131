// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package freshness decides whether a stored record may be served as-is.
package freshness

import (
	"time"

	"supercache/records"
)

// Status is the classification of a stored record at a point in time.
type Status int

const (
	Absent Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Classify reports Fresh while the upstream TTL has not elapsed since the content
// was received, Stale afterwards (for ever), and Absent when there is no record.
func Classify(rec *records.Record, now time.Time) Status {
	if rec == nil {
		return Absent
	}
	if now.Sub(rec.DataReceivedAt) < rec.OriginalTTL() {
		return Fresh
	}
	return Stale
}

// Remaining returns how much of the TTL is left at now, never negative.
func Remaining(ttl uint32, receivedAt, now time.Time) uint32 {
	elapsed := now.Sub(receivedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	left := time.Duration(ttl)*time.Second - elapsed
	if left <= 0 {
		return 0
	}
	return uint32(left / time.Second)
}
