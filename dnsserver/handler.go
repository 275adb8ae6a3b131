// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package dnsserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"supercache/fullstats"
	"supercache/logger"
	"supercache/records"
	"supercache/resolver"
	"supercache/upstream"
)

const maxUDPSize = 4096

// Resolver answers one parsed question.
type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) (*resolver.Answer, error)
}

// StatsRecorder receives one event per answered question.
type StatsRecorder interface {
	Record(ev fullstats.Event)
}

// Config defines the handler dependencies. Logger, LogQueue and Stats are optional.
type Config struct {
	Resolver Resolver
	Logger   *slog.Logger
	LogQueue *logger.AsyncLogQueue
	Stats    StatsRecorder
}

// Handler is a dns.Handler that answers from the resolver.
type Handler struct {
	resolver Resolver
	logger   *slog.Logger
	logQueue *logger.AsyncLogQueue
	stats    StatsRecorder
}

// NewHandler constructs a Handler using the provided configuration.
func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		resolver: cfg.Resolver,
		logger:   log,
		logQueue: cfg.LogQueue,
		stats:    cfg.Stats,
	}
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	start := time.Now()
	reply, outcome, key := h.answer(req)

	if opt := req.IsEdns0(); opt != nil && outcome != "" {
		reply.SetEdns0(maxUDPSize, opt.Do())
	}
	if isUDP(w.RemoteAddr()) {
		reply.Truncate(udpSize(req))
	}
	if err := w.WriteMsg(reply); err != nil {
		h.logger.Warn("write reply failed", "client", w.RemoteAddr().String(), "error", err)
	}
	if outcome == "" {
		return
	}

	client := clientIP(w.RemoteAddr())
	elapsed := time.Since(start)
	rcode := dns.RcodeToString[reply.Rcode]
	h.enqueue(func() {
		logger.LogQuery(h.logger, logger.QueryEntry{
			Client:   client,
			Key:      key.String(),
			Outcome:  string(outcome),
			Rcode:    rcode,
			Duration: elapsed,
		})
		if h.stats != nil {
			h.stats.Record(fullstats.Event{
				Identity: key.String(),
				Type:     key.TypeString(),
				Client:   client,
				Outcome:  outcome,
				At:       start,
			})
		}
	})
}

func (h *Handler) enqueue(f func()) {
	if h.logQueue != nil {
		h.logQueue.Enqueue(f)
		return
	}
	f()
}

// answer builds the reply for req. outcome is empty for requests rejected before resolution.
func (h *Handler) answer(req *dns.Msg) (*dns.Msg, fullstats.Outcome, records.Key) {
	reply := new(dns.Msg)
	switch {
	case req.Response:
		return reply.SetRcode(req, dns.RcodeRefused), "", records.Key{}
	case req.Opcode != dns.OpcodeQuery:
		return reply.SetRcode(req, dns.RcodeNotImplemented), "", records.Key{}
	case len(req.Question) == 0:
		return reply.SetRcode(req, dns.RcodeFormatError), "", records.Key{}
	case req.Question[0].Qclass != dns.ClassINET:
		// Records are keyed by name and type only.
		return reply.SetRcode(req, dns.RcodeRefused), "", records.Key{}
	}

	q := req.Question[0]
	key := records.NewKey(q.Name, q.Qtype)
	reply.SetReply(req)
	reply.RecursionAvailable = true

	ans, err := h.resolver.Resolve(context.Background(), resolver.Query{Name: q.Name, Type: q.Qtype, ID: req.Id})
	if err != nil {
		var upErr *upstream.Error
		if errors.Is(err, resolver.ErrNoAnswer) && errors.As(err, &upErr) && upErr.Negative() {
			// Relay the upstream negative answer with its authority section.
			reply.Rcode = upErr.Response.Rcode
			reply.Ns = upErr.Response.Ns
			return reply, fullstats.OutcomeUpstream, key
		}
		h.logger.Warn("query failed", "key", key.String(), "error", err)
		reply.Rcode = dns.RcodeServerFailure
		return reply, fullstats.OutcomeFailed, key
	}

	reply.Rcode = ans.Rcode
	reply.Answer = ans.Answer
	reply.Ns = ans.Ns
	reply.Extra = ans.Extra
	return reply, outcomeOf(ans.Source), key
}

func outcomeOf(s resolver.Source) fullstats.Outcome {
	switch s {
	case resolver.SourceCache:
		return fullstats.OutcomeCache
	case resolver.SourceStale:
		return fullstats.OutcomeStale
	default:
		return fullstats.OutcomeUpstream
	}
}

func udpSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}

func isUDP(addr net.Addr) bool {
	_, ok := addr.(*net.UDPAddr)
	return ok
}

func clientIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return a.String()
		}
		return host
	}
}
