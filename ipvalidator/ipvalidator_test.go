// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
//
package ipvalidator

import (
	"testing"
)

func TestIsValidIP(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "::1", "192.168.1.1"} {
		if !IsValidIP(ip) {
			t.Errorf("IsValidIP(%q) = false, want true", ip)
		}
	}
	for _, ip := range []string{"", "not-an-ip", "256.1.1.1", "example.com"} {
		if IsValidIP(ip) {
			t.Errorf("IsValidIP(%q) = true, want false", ip)
		}
	}
}

func TestValidateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPType
	}{
		{"127.0.0.1", IPv4},
		{" 10.0.0.1 ", IPv4},
		{"::1", IPv6},
		{"2001:db8::1", IPv6},
		{"", Invalid},
		{"256.1.1.1", Invalid},
		{"1.2.3.4.5", Invalid},
		{"01.2.3.4", Invalid},
		{"1.2.3", Invalid},
	}
	for _, tt := range tests {
		if got := ValidateIP(tt.ip); got != tt.want {
			t.Errorf("ValidateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestHostPort(t *testing.T) {
	if got := HostPort("127.0.0.1", 53); got != "127.0.0.1:53" {
		t.Errorf("HostPort v4 = %q", got)
	}
	if got := HostPort("::1", 5353); got != "[::1]:5353" {
		t.Errorf("HostPort v6 = %q", got)
	}
}
