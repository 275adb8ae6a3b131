// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/miekg/dns"

	"supercache/daemon"
	"supercache/records"
	"supercache/resolver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	recs map[records.Key]records.Record
	err  error
}

func (f *fakeStore) Get(_ context.Context, key records.Key) (*records.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.recs[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) List(_ context.Context, limit, offset int) ([]records.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []records.Record
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.recs)), nil
}

func (f *fakeStore) Delete(_ context.Context, key records.Key) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.recs[key]
	delete(f.recs, key)
	return ok, nil
}

type fakeStats struct{ s resolver.Stats }

func (f fakeStats) Stats() resolver.Stats { return f.s }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(store *fakeStore, state *daemon.State) *gin.Engine {
	return NewRouter(Deps{
		State:    state,
		Store:    store,
		Resolver: fakeStats{resolver.Stats{Queries: 5, Fresh: 3}},
		Now:      func() time.Time { return testNow },
	})
}

func seededStore() *fakeStore {
	key := records.NewKey("example.com.", dns.TypeA)
	return &fakeStore{recs: map[records.Key]records.Record{
		key: {
			Key:            key,
			Content:        records.Content{TTL: 300, Answer: []string{"example.com.\t300\tIN\tA\t192.0.2.1"}},
			DataReceivedAt: testNow.Add(-100 * time.Second),
			LastQueryAt:    testNow,
		},
	}}
}

func do(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(newTestRouter(&fakeStore{}, daemon.NewState()), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestReady(t *testing.T) {
	rec := do(newTestRouter(&fakeStore{}, nil), http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with nil state status = %d, want 503", rec.Code)
	}

	state := daemon.NewState()
	state.SetStoreReady(true)
	state.SetServerStatus(true)
	rec = do(newTestRouter(&fakeStore{}, state), http.MethodGet, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}
}

func TestGetRecord(t *testing.T) {
	router := newTestRouter(seededStore(), daemon.NewState())

	rec := do(router, http.MethodGet, "/records/EXAMPLE.com/a")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var view recordView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "example.com." || view.Type != "A" || view.Status != "fresh" || view.Remaining != 200 || view.Negative {
		t.Errorf("view = %+v", view)
	}

	if rec := do(router, http.MethodGet, "/records/missing.example/A"); rec.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", rec.Code)
	}
	if rec := do(router, http.MethodGet, "/records/example.com/BOGUS"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rec.Code)
	}
}

func TestListRecords(t *testing.T) {
	router := newTestRouter(seededStore(), daemon.NewState())
	rec := do(router, http.MethodGet, "/records?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Total   int64        `json:"total"`
		Records []recordView `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || len(body.Records) != 1 {
		t.Errorf("list = %+v", body)
	}
	if rec := do(router, http.MethodGet, "/records?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestDeleteRecord(t *testing.T) {
	store := seededStore()
	router := newTestRouter(store, daemon.NewState())
	if rec := do(router, http.MethodDelete, "/records/example.com./A"); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(store.recs) != 0 {
		t.Error("record not removed")
	}
	if rec := do(router, http.MethodDelete, "/records/example.com./A"); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestStoreErrorIsUnavailable(t *testing.T) {
	router := newTestRouter(&fakeStore{err: errors.New("disk gone")}, daemon.NewState())
	if rec := do(router, http.MethodGet, "/records"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStats(t *testing.T) {
	router := newTestRouter(seededStore(), daemon.NewState())
	rec := do(router, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Resolver resolver.Stats `json:"resolver"`
		Records  int64          `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Resolver.Queries != 5 || body.Resolver.Fresh != 3 || body.Records != 1 {
		t.Errorf("stats = %+v", body)
	}

	page := do(router, http.MethodGet, "/stats/page")
	if page.Code != http.StatusOK || !strings.Contains(page.Body.String(), "supercache Stats") {
		t.Errorf("stats page status = %d", page.Code)
	}
}

func TestStartRequiresState(t *testing.T) {
	if err := Start(context.Background(), "127.0.0.1", "0", Deps{}); err == nil {
		t.Error("expected error without state")
	}
}
