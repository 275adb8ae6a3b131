// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Key identifies a cached record: the canonical query name plus the record type.
type Key struct {
	Name string
	Type uint16
}

// NewKey builds a Key with the name lower-cased and fully qualified.
// Only class IN is cached; the DNS handler refuses every other class.
func NewKey(name string, qtype uint16) Key {
	return Key{Name: NormalizeName(name), Type: qtype}
}

// NormalizeName returns the lower-case, fully qualified form of name.
func NormalizeName(name string) string {
	return dns.CanonicalName(name)
}

// TypeString returns the textual record type (e.g. "A", "TYPE65280" for unknown types).
func (k Key) TypeString() string {
	return dns.Type(k.Type).String()
}

func (k Key) String() string {
	return k.Name + ":" + k.TypeString()
}

// ParseType converts a textual record type back to its numeric code.
func ParseType(s string) (uint16, error) {
	if t, ok := dns.StringToType[s]; ok {
		return t, nil
	}
	var code uint16
	if _, err := fmt.Sscanf(s, "TYPE%d", &code); err == nil {
		return code, nil
	}
	return 0, fmt.Errorf("records: unknown record type %q", s)
}

// Content is the stored answer payload. Resource records are kept in presentation
// format with the TTLs the upstream server returned.
type Content struct {
	Rcode  int      `json:"rcode"`
	TTL    uint32   `json:"ttl"`
	Answer []string `json:"answer"`
	Ns     []string `json:"ns,omitempty"`
	Extra  []string `json:"extra,omitempty"`
}

// NewContent captures the sections of an upstream reply. OPT pseudo-records are dropped.
func NewContent(msg *dns.Msg) Content {
	c := Content{Answer: []string{}}
	if msg == nil {
		return c
	}
	c.Rcode = msg.Rcode
	for _, rr := range msg.Answer {
		c.Answer = append(c.Answer, rr.String())
	}
	for _, rr := range msg.Ns {
		c.Ns = append(c.Ns, rr.String())
	}
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		c.Extra = append(c.Extra, rr.String())
	}
	return c
}

// Negative reports whether the content is an NXDOMAIN or an empty NOERROR answer.
func (c Content) Negative() bool {
	return c.Rcode == dns.RcodeNameError || len(c.Answer) == 0
}

// Sections parses the stored sections back into resource records.
func (c Content) Sections() (answer, ns, extra []dns.RR, err error) {
	if answer, err = parseRRs(c.Answer); err != nil {
		return nil, nil, nil, err
	}
	if ns, err = parseRRs(c.Ns); err != nil {
		return nil, nil, nil, err
	}
	if extra, err = parseRRs(c.Extra); err != nil {
		return nil, nil, nil, err
	}
	return answer, ns, extra, nil
}

func parseRRs(lines []string) ([]dns.RR, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	out := make([]dns.RR, 0, len(lines))
	for _, line := range lines {
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, fmt.Errorf("records: parse %q: %w", line, err)
		}
		if rr == nil {
			continue
		}
		out = append(out, rr)
	}
	return out, nil
}

// Record is a snapshot of one stored identity.
type Record struct {
	Key            Key
	Content        Content
	DataReceivedAt time.Time
	LastQueryAt    time.Time
}

// OriginalTTL is how long the upstream server vouched for the content.
func (r *Record) OriginalTTL() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.Content.TTL) * time.Second
}

// row is the persisted form of a Record.
type row struct {
	ID             uint   `gorm:"primaryKey"`
	RecordName     string `gorm:"column:record_name;not null;uniqueIndex:idx_record_identity,priority:1"`
	RecordType     string `gorm:"column:record_type;not null;uniqueIndex:idx_record_identity,priority:2"`
	ContentJSON    string `gorm:"column:content_json;type:text;not null"`
	DataReceivedAt int64  `gorm:"column:data_received_at_unix;not null"`
	LastQueryAt    int64  `gorm:"column:last_query_at_unix;not null"`
}

func (row) TableName() string { return "record" }

func (r *row) toRecord() (*Record, error) {
	qtype, err := ParseType(r.RecordType)
	if err != nil {
		return nil, err
	}
	var content Content
	if err := json.Unmarshal([]byte(r.ContentJSON), &content); err != nil {
		return nil, fmt.Errorf("records: decode content for %s %s: %w", r.RecordName, r.RecordType, err)
	}
	return &Record{
		Key:            Key{Name: r.RecordName, Type: qtype},
		Content:        content,
		DataReceivedAt: time.Unix(r.DataReceivedAt, 0),
		LastQueryAt:    time.Unix(r.LastQueryAt, 0),
	}, nil
}
