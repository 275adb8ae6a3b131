// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"supercache/ipvalidator"
)

const defaultPort = 53

// Protocol is the transport used to reach the upstream server.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

// ErrInvalidSpec is returned when an upstream address cannot be parsed.
var ErrInvalidSpec = errors.New("invalid upstream address")

// Spec is a parsed upstream server address.
type Spec struct {
	Host     string
	Port     uint16
	Protocol Protocol
}

// Address returns host:port suitable for dialing.
func (s Spec) Address() string {
	return ipvalidator.HostPort(s.Host, s.Port)
}

func (s Spec) String() string {
	return s.Address() + "/" + string(s.Protocol)
}

// ParseSpec parses "address[:port][/protocol]". The address must be an IP literal;
// IPv6 addresses need brackets when a port is given. Port defaults to 53 and
// protocol to udp.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	spec := Spec{Port: defaultPort, Protocol: UDP}
	if s == "" {
		return spec, fmt.Errorf("%w: no host specified", ErrInvalidSpec)
	}

	rest := s
	if idx := strings.Index(s, "/"); idx >= 0 {
		switch proto := s[idx+1:]; proto {
		case string(UDP):
			spec.Protocol = UDP
		case string(TCP):
			spec.Protocol = TCP
		default:
			return spec, fmt.Errorf("%w: unknown protocol %q", ErrInvalidSpec, proto)
		}
		rest = s[:idx]
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return spec, err
	}
	if host == "" {
		return spec, fmt.Errorf("%w: no host specified", ErrInvalidSpec)
	}
	if !ipvalidator.IsValidIP(host) {
		return spec, fmt.Errorf("%w: failed to parse IP %q", ErrInvalidSpec, host)
	}
	spec.Host = host
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return spec, fmt.Errorf("%w: failed to parse port %q", ErrInvalidSpec, port)
		}
		spec.Port = uint16(p)
	}
	return spec, nil
}

func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		if strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], "", nil
		}
		host, port, err = net.SplitHostPort(s)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		return host, port, nil
	}
	if ipvalidator.ValidateIP(s) == ipvalidator.IPv6 {
		return s, "", nil
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		return s[:idx], s[idx+1:], nil
	}
	return s, "", nil
}
