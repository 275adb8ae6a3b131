// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package upstream

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"supercache/records"
)

// startServer runs a UDP miekg/dns server on a random loopback port and returns its address.
func startServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func mustSpec(t *testing.T, s string) Spec {
	t.Helper()
	spec, err := ParseSpec(s)
	if err != nil {
		t.Fatalf("ParseSpec(%q): %v", s, err)
	}
	return spec
}

func soa(zone string, ttl, minttl uint32) *dns.SOA {
	return &dns.SOA{
		Hdr:    dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: ttl},
		Ns:     "ns1." + zone,
		Mbox:   "hostmaster." + zone,
		Serial: 1, Refresh: 3600, Retry: 600, Expire: 86400, Minttl: minttl,
	}
}

func TestClient_ResolveSuccess(t *testing.T) {
	var calls atomic.Int32
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		calls.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = []dns.RR{
			&dns.A{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.IPv4(1, 2, 3, 4)},
			&dns.A{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: net.IPv4(5, 6, 7, 8)},
		}
		_ = w.WriteMsg(m)
	})
	c := NewClient(mustSpec(t, addr), Options{})
	ans, err := c.Resolve(context.Background(), records.NewKey("example.com", dns.TypeA), time.Second)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ans.TTL != 120 {
		t.Errorf("TTL = %d, want minimum 120", ans.TTL)
	}
	if len(ans.Content.Answer) != 2 {
		t.Errorf("Answer = %v, want 2 records", ans.Content.Answer)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want exactly 1", calls.Load())
	}
}

func TestClient_NegativeAnswerPolicy(t *testing.T) {
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		m.Ns = []dns.RR{soa("example.com.", 900, 60)}
		_ = w.WriteMsg(m)
	})
	key := records.NewKey("nope.example.com.", dns.TypeA)

	_, err := NewClient(mustSpec(t, addr), Options{}).Resolve(context.Background(), key, time.Second)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("passthrough err = %v, want ErrRefused", err)
	}
	var ue *Error
	if !errors.As(err, &ue) || !ue.Negative() || ue.Rcode != dns.RcodeNameError {
		t.Errorf("error = %+v, want negative NXDOMAIN with response", ue)
	}

	ans, err := NewClient(mustSpec(t, addr), Options{CacheNegative: true}).Resolve(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("cache policy Resolve: %v", err)
	}
	if !ans.Content.Negative() || ans.TTL != 60 {
		t.Errorf("negative answer = %+v ttl %d, want negative with ttl 60", ans.Content, ans.TTL)
	}
}

func TestClient_ServFailIsRefused(t *testing.T) {
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
	})
	_, err := NewClient(mustSpec(t, addr), Options{CacheNegative: true}).
		Resolve(context.Background(), records.NewKey("example.com.", dns.TypeA), time.Second)
	if !errors.Is(err, ErrRefused) || KindOf(err) != KindRefused {
		t.Fatalf("err = %v, want ErrRefused", err)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable) {
		t.Error("refused error must not match other kinds")
	}
}

func TestClient_Timeout(t *testing.T) {
	// The handler never writes a reply.
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {})
	start := time.Now()
	_, err := NewClient(mustSpec(t, addr), Options{}).
		Resolve(context.Background(), records.NewKey("example.com.", dns.TypeA), 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Resolve took %v, timeout not enforced", elapsed)
	}
}

func TestClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewClient(mustSpec(t, addr+"/tcp"), Options{}).
		Resolve(context.Background(), records.NewKey("example.com.", dns.TypeA), time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

// startDualServer serves handler on UDP and TCP of the same loopback port.
func startDualServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		_ = pc.Close()
		t.Skipf("tcp port matching udp unavailable: %v", err)
	}
	for _, srv := range []*dns.Server{{PacketConn: pc, Handler: handler}, {Listener: ln, Handler: handler}} {
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		go func() { _ = srv.ActivateAndServe() }()
		<-started
		t.Cleanup(func() { _ = srv.Shutdown() })
	}
	return pc.LocalAddr().String()
}

func txtReply(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 600},
		Txt: []string{"v=spf1 -all"},
	}}
	return m
}

func TestClient_TruncatedRetriedOverTCP(t *testing.T) {
	var udpCalls, tcpCalls atomic.Int32
	addr := startDualServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		if _, ok := w.RemoteAddr().(*net.TCPAddr); ok {
			tcpCalls.Add(1)
			_ = w.WriteMsg(txtReply(r))
			return
		}
		udpCalls.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		m.Truncated = true
		_ = w.WriteMsg(m)
	})

	ans, err := NewClient(mustSpec(t, addr), Options{CacheNegative: true}).
		Resolve(context.Background(), records.NewKey("big.example.com.", dns.TypeTXT), 2*time.Second)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ans.Content.Answer) != 1 || ans.TTL != 600 || ans.Content.Negative() {
		t.Errorf("answer = %+v ttl %d, want the full tcp reply", ans.Content, ans.TTL)
	}
	if udpCalls.Load() != 1 || tcpCalls.Load() != 1 {
		t.Errorf("udp calls = %d tcp calls = %d, want 1 and 1", udpCalls.Load(), tcpCalls.Load())
	}
}

func TestClient_TruncatedWithoutTCPIsUnreachable(t *testing.T) {
	// UDP only: the TCP retry finds nothing listening.
	addr := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Truncated = true
		_ = w.WriteMsg(m)
	})

	for _, cacheNegative := range []bool{false, true} {
		ans, err := NewClient(mustSpec(t, addr), Options{CacheNegative: cacheNegative}).
			Resolve(context.Background(), records.NewKey("big.example.com.", dns.TypeTXT), time.Second)
		if ans != nil {
			t.Fatalf("cacheNegative=%v: truncated reply returned as answer %+v", cacheNegative, ans.Content)
		}
		if errors.Is(err, ErrRefused) {
			t.Errorf("cacheNegative=%v: err = %v, truncated reply classified as refusal", cacheNegative, err)
		}
		if !errors.Is(err, ErrUnreachable) && !errors.Is(err, ErrTimeout) {
			t.Errorf("cacheNegative=%v: err = %v, want ErrUnreachable", cacheNegative, err)
		}
		var ue *Error
		if errors.As(err, &ue) && ue.Negative() {
			t.Errorf("cacheNegative=%v: truncated reply reported as negative", cacheNegative)
		}
	}
}
