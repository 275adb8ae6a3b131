// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package upstream

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var (
	// ErrTimeout means no answer arrived before the deadline.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUnreachable means the transport failed (dial, write, read, malformed reply).
	ErrUnreachable = errors.New("upstream unreachable")
	// ErrRefused means the server answered with an error or, unless negative
	// answers are cached, a negative answer.
	ErrRefused = errors.New("upstream refused")
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindUnreachable
	KindRefused
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindRefused:
		return "refused"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindUnreachable:
		return ErrUnreachable
	case KindRefused:
		return ErrRefused
	default:
		return nil
	}
}

// Error describes a failed upstream exchange. Response is set for KindRefused.
type Error struct {
	Kind     Kind
	Server   string
	Rcode    int
	Response *dns.Msg
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindRefused:
		return fmt.Sprintf("upstream %s: refused with %s", e.Server, dns.RcodeToString[e.Rcode])
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %s: %v", e.Server, e.Kind, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %s", e.Server, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Negative reports whether the refusal carried an NXDOMAIN or empty NOERROR answer.
func (e *Error) Negative() bool {
	if e == nil || e.Response == nil {
		return false
	}
	return isNegative(e.Response)
}

// KindOf returns the failure kind of err, or 0 if err is not an upstream error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}

func isNegative(msg *dns.Msg) bool {
	return msg.Rcode == dns.RcodeNameError || (msg.Rcode == dns.RcodeSuccess && len(msg.Answer) == 0)
}
