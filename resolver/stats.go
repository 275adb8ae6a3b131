// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package resolver

import "sync/atomic"

type counters struct {
	queries       atomic.Uint64
	fresh         atomic.Uint64
	upstream      atomic.Uint64
	stale         atomic.Uint64
	failed        atomic.Uint64
	upstreamCalls atomic.Uint64
	sharedFlights atomic.Uint64
}

// Stats is a point-in-time copy of the resolver counters.
type Stats struct {
	Queries       uint64 `json:"queries"`
	Fresh         uint64 `json:"fresh"`
	Upstream      uint64 `json:"upstream"`
	Stale         uint64 `json:"stale"`
	Failed        uint64 `json:"failed"`
	UpstreamCalls uint64 `json:"upstream_calls"`
	SharedFlights uint64 `json:"shared_flights"`
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		Queries:       r.stats.queries.Load(),
		Fresh:         r.stats.fresh.Load(),
		Upstream:      r.stats.upstream.Load(),
		Stale:         r.stats.stale.Load(),
		Failed:        r.stats.failed.Load(),
		UpstreamCalls: r.stats.upstreamCalls.Load(),
		SharedFlights: r.stats.sharedFlights.Load(),
	}
}
