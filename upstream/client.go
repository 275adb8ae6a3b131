// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"

	"supercache/records"
)

const (
	defaultTimeout = 3 * time.Second
	ednsBufferSize = 4096
)

// Answer is a successful upstream resolution.
type Answer struct {
	Content  records.Content
	TTL      uint32
	Response *dns.Msg
}

// Client sends single queries to one upstream server using github.com/miekg/dns.
type Client struct {
	spec          Spec
	cacheNegative bool
}

// Options tunes how replies are classified.
type Options struct {
	// CacheNegative turns NXDOMAIN and empty NOERROR replies into successful answers.
	// When false they are returned as KindRefused errors carrying the reply.
	CacheNegative bool
}

// NewClient creates a client for the given upstream server.
func NewClient(spec Spec, opts Options) *Client {
	if spec.Port == 0 {
		spec.Port = defaultPort
	}
	if spec.Protocol == "" {
		spec.Protocol = UDP
	}
	return &Client{spec: spec, cacheNegative: opts.CacheNegative}
}

// Spec returns the upstream server this client talks to.
func (c *Client) Spec() Spec {
	return c.spec
}

// Resolve sends one query for key and waits at most timeout for the reply. A truncated
// UDP reply is retried over TCP within the same timeout and is never taken as an answer.
func (c *Client) Resolve(ctx context.Context, key records.Key, timeout time.Duration) (*Answer, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := new(dns.Msg)
	query.SetQuestion(key.Name, key.Type)
	query.SetEdns0(ednsBufferSize, false)

	server := c.spec.Address()
	resp, err := exchange(ctx, c.spec.Protocol, query, server, timeout)
	if err == nil && resp.Truncated && c.spec.Protocol == UDP {
		// Same attempt, same deadline: ask again over TCP for the full reply.
		resp, err = exchange(ctx, TCP, query, server, timeout)
		if err != nil {
			err = fmt.Errorf("truncated udp reply, tcp retry: %w", err)
		}
	}
	if err != nil {
		return nil, &Error{Kind: classifyTransportError(ctx, err), Server: server, Err: err}
	}
	if resp.Truncated {
		return nil, &Error{Kind: KindUnreachable, Server: server, Err: errTruncated}
	}

	negative := isNegative(resp)
	switch {
	case resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError:
		return nil, &Error{Kind: KindRefused, Server: server, Rcode: resp.Rcode, Response: resp}
	case negative && !c.cacheNegative:
		return nil, &Error{Kind: KindRefused, Server: server, Rcode: resp.Rcode, Response: resp}
	}

	content := records.NewContent(resp)
	ttl := answerTTL(resp, negative)
	content.TTL = ttl
	return &Answer{Content: content, TTL: ttl, Response: resp}, nil
}

var errTruncated = errors.New("truncated reply")

// exchange sends query once over proto. A nil reply without error is reported as unreachable.
func exchange(ctx context.Context, proto Protocol, query *dns.Msg, server string, timeout time.Duration) (*dns.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	client := &dns.Client{Net: string(proto), Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, query, server)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty reply")
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}

// answerTTL is the smallest TTL in the answer section. For negative replies it is
// the SOA negative-caching TTL: min(SOA TTL, SOA MINIMUM).
func answerTTL(msg *dns.Msg, negative bool) uint32 {
	if negative {
		for _, rr := range msg.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				return min(soa.Hdr.Ttl, soa.Minttl)
			}
		}
		return 0
	}
	var ttl uint32
	for i, rr := range msg.Answer {
		if i == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	return ttl
}
