// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package dnsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Listeners holds the bound UDP and TCP sockets for one address.
type Listeners struct {
	Packet net.PacketConn
	Stream net.Listener
}

// Listen binds UDP and TCP on addr. With port 0 the TCP listener reuses the
// port the kernel picked for UDP.
func Listen(addr string) (*Listeners, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dnsserver: listen udp %s: %w", addr, err)
	}
	tcpAddr := addr
	if host, port, err := net.SplitHostPort(addr); err == nil && port == "0" {
		tcpAddr = net.JoinHostPort(host, fmt.Sprint(pc.LocalAddr().(*net.UDPAddr).Port))
	}
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("dnsserver: listen tcp %s: %w", tcpAddr, err)
	}
	return &Listeners{Packet: pc, Stream: ln}, nil
}

// Addr returns the UDP listen address.
func (l *Listeners) Addr() string {
	return l.Packet.LocalAddr().String()
}

// Serve answers DNS over both listeners until ctx is cancelled or one server fails.
// started, if non-nil, runs once both servers are accepting.
func Serve(ctx context.Context, l *Listeners, h dns.Handler, log *slog.Logger, started func()) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	udp := &dns.Server{PacketConn: l.Packet, Handler: h}
	tcp := &dns.Server{Listener: l.Stream, Handler: h}

	ready := make(chan struct{}, 2)
	udp.NotifyStartedFunc = func() { ready <- struct{}{} }
	tcp.NotifyStartedFunc = func() { ready <- struct{}{} }

	g, gctx := errgroup.WithContext(ctx)
	servers := []*dns.Server{udp, tcp}
	done := make([]chan struct{}, len(servers))
	for i, srv := range servers {
		done[i] = make(chan struct{})
		g.Go(func() error {
			defer close(done[i])
			if err := srv.ActivateAndServe(); err != nil {
				return fmt.Errorf("dnsserver: %s: %w", netName(srv), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for range len(servers) {
			select {
			case <-ready:
			case <-gctx.Done():
				return nil
			}
		}
		log.Info("dns server listening", "addr", l.Addr(), "protocols", "udp,tcp")
		if started != nil {
			started()
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i, srv := range servers {
			shutdown(sctx, srv, done[i], log)
		}
		log.Info("dns server stopped", "addr", l.Addr())
		return nil
	})
	return g.Wait()
}

// shutdown stops srv, retrying while it has not finished starting.
func shutdown(ctx context.Context, srv *dns.Server, done <-chan struct{}, log *slog.Logger) {
	for {
		err := srv.ShutdownContext(ctx)
		if err == nil {
			return
		}
		select {
		case <-done:
			return
		case <-ctx.Done():
			log.Warn("dns server shutdown", "net", netName(srv), "error", err)
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func netName(srv *dns.Server) string {
	if srv.PacketConn != nil {
		return "udp"
	}
	return "tcp"
}
