// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"supercache/freshness"
	"supercache/records"
	"supercache/upstream"
)

// ErrNoAnswer means nothing is stored for the identity and upstream failed.
// The upstream error is wrapped alongside it.
var ErrNoAnswer = errors.New("no answer")

// storeWriteBudget bounds the record write that follows an upstream reply.
const storeWriteBudget = 5 * time.Second

// Store abstracts the persistent record table.
type Store interface {
	Get(ctx context.Context, key records.Key) (*records.Record, error)
	Put(ctx context.Context, key records.Key, content records.Content, ttl uint32, now time.Time) error
	TouchQueryTime(ctx context.Context, key records.Key, now time.Time) error
}

// UpstreamClient issues one query to the upstream server.
type UpstreamClient interface {
	Resolve(ctx context.Context, key records.Key, timeout time.Duration) (*upstream.Answer, error)
}

// Config defines the resolver dependencies.
type Config struct {
	Store           Store
	Upstream        UpstreamClient
	Logger          *slog.Logger
	UpstreamTimeout time.Duration
	// StaleOnRefused lets an upstream refusal fall back to stale content like a timeout does.
	StaleOnRefused bool
	// StaleTTL is the TTL advertised on stale answers.
	StaleTTL uint32
	// Dedupe collapses concurrent upstream attempts for the same identity into one.
	Dedupe bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Query is a parsed client question.
type Query struct {
	Name string
	Type uint16
	ID   uint16
}

// Source tells which path produced an answer.
type Source int

const (
	SourceCache Source = iota + 1
	SourceUpstream
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceUpstream:
		return "upstream"
	case SourceStale:
		return "stale"
	default:
		return "none"
	}
}

// Answer is the resolved content with TTLs already adjusted for the client.
type Answer struct {
	Key        records.Key
	Rcode      int
	Answer     []dns.RR
	Ns         []dns.RR
	Extra      []dns.RR
	TTL        uint32
	Stale      bool
	Source     Source
	ReceivedAt time.Time
}

// Resolver answers queries from the record store, the upstream server, or stale content.
type Resolver struct {
	store           Store
	upstream        UpstreamClient
	logger          *slog.Logger
	upstreamTimeout time.Duration
	staleOnRefused  bool
	staleTTL        uint32
	dedupe          bool
	now             func() time.Time

	flights singleflight.Group
	stats   counters
}

// New constructs a Resolver using the provided configuration.
func New(cfg Config) *Resolver {
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:           cfg.Store,
		upstream:        cfg.Upstream,
		logger:          logger,
		upstreamTimeout: timeout,
		staleOnRefused:  cfg.StaleOnRefused,
		staleTTL:        cfg.StaleTTL,
		dedupe:          cfg.Dedupe,
		now:             now,
	}
}

// Resolve runs one query through lookup, classification, upstream attempt and fallback.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Answer, error) {
	key := records.NewKey(q.Name, q.Type)
	r.stats.queries.Add(1)

	rec, err := r.store.Get(ctx, key)
	if err != nil {
		r.stats.failed.Add(1)
		r.logger.Error("record lookup failed", "key", key.String(), "error", err)
		return nil, err
	}

	status := freshness.Classify(rec, r.now())
	if status == freshness.Fresh {
		return r.serveStored(ctx, rec, SourceCache)
	}

	fetched, upErr := r.attemptUpstream(ctx, key)
	if upErr == nil {
		ans, err := r.buildAnswer(key, fetched.content, fetched.receivedAt, r.now(), SourceUpstream)
		if err != nil {
			r.stats.failed.Add(1)
			return nil, fmt.Errorf("resolver: %s: %w", key, err)
		}
		r.stats.upstream.Add(1)
		return ans, nil
	}
	if errors.Is(upErr, records.ErrStoreUnavailable) {
		r.stats.failed.Add(1)
		r.logger.Error("record write failed", "key", key.String(), "error", upErr)
		return nil, upErr
	}

	r.logger.Warn("upstream query failed", "key", key.String(), "status", status.String(), "error", upErr)
	if status == freshness.Stale && r.staleEligible(upErr) {
		return r.serveStored(ctx, rec, SourceStale)
	}
	r.stats.failed.Add(1)
	return nil, fmt.Errorf("resolver: %s: %w: %w", key, ErrNoAnswer, upErr)
}

func (r *Resolver) staleEligible(err error) bool {
	if errors.Is(err, upstream.ErrTimeout) || errors.Is(err, upstream.ErrUnreachable) {
		return true
	}
	return r.staleOnRefused && errors.Is(err, upstream.ErrRefused)
}

func (r *Resolver) serveStored(ctx context.Context, rec *records.Record, source Source) (*Answer, error) {
	now := r.now()
	ans, err := r.buildAnswer(rec.Key, rec.Content, rec.DataReceivedAt, now, source)
	if err != nil {
		r.stats.failed.Add(1)
		r.logger.Error("stored content unreadable", "key", rec.Key.String(), "error", err)
		return nil, fmt.Errorf("resolver: %s: %w: %v", rec.Key, records.ErrStoreUnavailable, err)
	}
	if err := r.store.TouchQueryTime(ctx, rec.Key, now); err != nil {
		r.logger.Warn("updating last query time failed", "key", rec.Key.String(), "error", err)
	}
	switch source {
	case SourceStale:
		r.stats.stale.Add(1)
		r.logger.Info("serving stale record", "key", rec.Key.String(), "received_at", rec.DataReceivedAt, "age", now.Sub(rec.DataReceivedAt).Round(time.Second))
	default:
		r.stats.fresh.Add(1)
	}
	return ans, nil
}

type fetchResult struct {
	content    records.Content
	receivedAt time.Time
}

// attemptUpstream queries upstream and persists a successful reply before returning it.
// The exchange and the write run detached from ctx: when the caller gives up first, a
// late reply is still stored but only the caller's own wait is abandoned.
func (r *Resolver) attemptUpstream(ctx context.Context, key records.Key) (*fetchResult, error) {
	if r.upstream == nil {
		return nil, fmt.Errorf("%w: no upstream configured", upstream.ErrUnreachable)
	}
	detached := context.WithoutCancel(ctx)
	fetch := func() (any, error) {
		fctx, cancel := context.WithTimeout(detached, r.upstreamTimeout+storeWriteBudget)
		defer cancel()
		r.stats.upstreamCalls.Add(1)
		ans, err := r.upstream.Resolve(fctx, key, r.upstreamTimeout)
		if err != nil {
			return nil, err
		}
		receivedAt := r.now()
		if err := r.store.Put(fctx, key, ans.Content, ans.TTL, receivedAt); err != nil {
			return nil, err
		}
		content := ans.Content
		content.TTL = ans.TTL
		return &fetchResult{content: content, receivedAt: receivedAt}, nil
	}

	var results <-chan singleflight.Result
	if r.dedupe {
		results = r.flights.DoChan(key.String(), fetch)
	} else {
		ch := make(chan singleflight.Result, 1)
		go func() {
			v, err := fetch()
			ch <- singleflight.Result{Val: v, Err: err}
		}()
		results = ch
	}

	select {
	case res := <-results:
		if res.Shared {
			r.stats.sharedFlights.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fetchResult), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", upstream.ErrTimeout, ctx.Err())
	}
}

// buildAnswer parses stored content into fresh RR values. Fresh and upstream answers
// advertise the TTL left since receivedAt, stale answers advertise staleTTL.
func (r *Resolver) buildAnswer(key records.Key, content records.Content, receivedAt, now time.Time, source Source) (*Answer, error) {
	answer, ns, extra, err := content.Sections()
	if err != nil {
		return nil, err
	}
	ttlFor := func(ttl uint32) uint32 {
		if source == SourceStale {
			return r.staleTTL
		}
		return freshness.Remaining(ttl, receivedAt, now)
	}
	for _, section := range [][]dns.RR{answer, ns, extra} {
		for _, rr := range section {
			rr.Header().Ttl = ttlFor(rr.Header().Ttl)
		}
	}
	return &Answer{
		Key:        key,
		Rcode:      content.Rcode,
		Answer:     answer,
		Ns:         ns,
		Extra:      extra,
		TTL:        ttlFor(content.TTL),
		Stale:      source == SourceStale,
		Source:     source,
		ReceivedAt: receivedAt,
	}, nil
}
