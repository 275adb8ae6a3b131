// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package ipvalidator

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// IPType represents the type of IP address
type IPType int

const (
	Invalid IPType = iota
	IPv4
	IPv6
)

func (t IPType) String() string {
	switch t {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "Invalid"
	}
}

// IsValidIP returns true if the string is a valid IP literal (IPv4 or IPv6).
func IsValidIP(ip string) bool {
	return ValidateIP(ip) != Invalid
}

// ValidateIP classifies ip. Octets with leading zeros are rejected.
func ValidateIP(ip string) IPType {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Invalid
	}
	if addr.Is4() {
		return IPv4
	}
	return IPv6
}

// HostPort joins an IP literal and port, bracketing IPv6 addresses.
func HostPort(ip string, port uint16) string {
	return net.JoinHostPort(strings.TrimSpace(ip), strconv.Itoa(int(port)))
}
