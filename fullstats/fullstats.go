// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package fullstats

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	identitiesBucket = "identities"
	clientsBucket    = "clients"
	dbFileName       = "stats.db"
	asyncQueueSize   = 10000
)

// Outcome names how a query was answered.
type Outcome string

const (
	OutcomeCache    Outcome = "cache"
	OutcomeUpstream Outcome = "upstream"
	OutcomeStale    Outcome = "stale"
	OutcomeFailed   Outcome = "failed"
)

// Event is one answered (or failed) query.
type Event struct {
	Identity string
	Type     string
	Client   string
	Outcome  Outcome
	At       time.Time
}

// IdentityStats tracks queries for one name and type.
type IdentityStats struct {
	FirstSeen time.Time          `json:"first_seen"`
	LastSeen  time.Time          `json:"last_seen"`
	Count     uint64             `json:"count"`
	Outcomes  map[Outcome]uint64 `json:"outcomes"`
}

// ClientStats tracks queries from one client address.
type ClientStats struct {
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	Count     uint64            `json:"count"`
	TypeCount map[string]uint64 `json:"type_count"`
}

// IdentityEntry pairs an identity with its stats, for ranked listings.
type IdentityEntry struct {
	Identity string `json:"identity"`
	IdentityStats
}

// Tracker persists per-identity and per-client query statistics in bbolt.
type Tracker struct {
	db        *bbolt.DB
	log       *slog.Logger
	asyncCh   chan Event
	asyncWg   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a tracker storing its database under statsDir. If enabled is false, returns nil.
// Failed writes are logged to log at warn; a nil log discards them.
func New(statsDir string, enabled bool, log *slog.Logger) (*Tracker, error) {
	if !enabled {
		return nil, nil
	}

	if err := os.MkdirAll(statsDir, 0o755); err != nil {
		return nil, fmt.Errorf("fullstats: create directory: %w", err)
	}

	dbPath := filepath.Join(statsDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fullstats: open database: %w", err)
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	t := &Tracker{
		db:      db,
		log:     log,
		asyncCh: make(chan Event, asyncQueueSize),
	}

	if err := t.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fullstats: initialize buckets: %w", err)
	}

	t.asyncWg.Add(1)
	go t.asyncWorker()

	return t, nil
}

func (t *Tracker) asyncWorker() {
	defer t.asyncWg.Done()
	for ev := range t.asyncCh {
		if err := t.recordSync(ev); err != nil {
			t.log.Warn("fullstats write failed", "identity", ev.Identity, "client", ev.Client, "error", err)
		}
	}
}

func (t *Tracker) initBuckets() error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{identitiesBucket, clientsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Record queues ev for writing. When the queue is full the event is dropped.
func (t *Tracker) Record(ev Event) {
	if t == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case t.asyncCh <- ev:
	default:
	}
}

func (t *Tracker) recordSync(ev Event) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket([]byte(identitiesBucket))
		var is IdentityStats
		if err := getJSON(ids, ev.Identity, &is); err != nil {
			return err
		}
		if is.FirstSeen.IsZero() {
			is.FirstSeen = ev.At
		}
		if is.Outcomes == nil {
			is.Outcomes = make(map[Outcome]uint64)
		}
		is.LastSeen = ev.At
		is.Count++
		is.Outcomes[ev.Outcome]++
		if err := putJSON(ids, ev.Identity, is); err != nil {
			return err
		}

		if ev.Client == "" {
			return nil
		}
		clients := tx.Bucket([]byte(clientsBucket))
		var cs ClientStats
		if err := getJSON(clients, ev.Client, &cs); err != nil {
			return err
		}
		if cs.FirstSeen.IsZero() {
			cs.FirstSeen = ev.At
		}
		if cs.TypeCount == nil {
			cs.TypeCount = make(map[string]uint64)
		}
		cs.LastSeen = ev.At
		cs.Count++
		cs.TypeCount[ev.Type]++
		return putJSON(clients, ev.Client, cs)
	})
}

func getJSON(b *bbolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fullstats: unmarshal %s: %w", key, err)
	}
	return nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fullstats: marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

// Identity returns the stats for one identity, or nil if never seen.
func (t *Tracker) Identity(identity string) (*IdentityStats, error) {
	if t == nil {
		return nil, nil
	}
	var stats *IdentityStats
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(identitiesBucket)).Get([]byte(identity))
		if data == nil {
			return nil
		}
		stats = &IdentityStats{}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

// Client returns the stats for one client address, or nil if never seen.
func (t *Tracker) Client(addr string) (*ClientStats, error) {
	if t == nil {
		return nil, nil
	}
	var stats *ClientStats
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(clientsBucket)).Get([]byte(addr))
		if data == nil {
			return nil
		}
		stats = &ClientStats{}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

// TopIdentities returns up to n identities ordered by query count, most queried first.
func (t *Tracker) TopIdentities(n int) ([]IdentityEntry, error) {
	if t == nil {
		return nil, nil
	}
	var entries []IdentityEntry
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).ForEach(func(k, v []byte) error {
			e := IdentityEntry{Identity: string(k)}
			if err := json.Unmarshal(v, &e.IdentityStats); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b IdentityEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity, b.Identity)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Clients returns all client stats keyed by address.
func (t *Tracker) Clients() (map[string]*ClientStats, error) {
	if t == nil {
		return nil, nil
	}
	result := make(map[string]*ClientStats)
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(clientsBucket)).ForEach(func(k, v []byte) error {
			var stats ClientStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			result[string(k)] = &stats
			return nil
		})
	})
	return result, err
}

// Close closes the async channel, waits for the worker to drain, then closes the database.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.asyncCh)
		t.asyncWg.Wait()
		closeErr = t.db.Close()
	})
	return closeErr
}
