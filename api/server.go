// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"supercache/daemon"
	"supercache/fullstats"
	"supercache/freshness"
	"supercache/records"
	"supercache/resolver"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	shutdownTimeout  = 5 * time.Second
)

// RecordStore is the subset of the record table the API reads and prunes.
type RecordStore interface {
	Get(ctx context.Context, key records.Key) (*records.Record, error)
	List(ctx context.Context, limit, offset int) ([]records.Record, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, key records.Key) (bool, error)
}

// StatsSource reports resolver counters.
type StatsSource interface {
	Stats() resolver.Stats
}

// Deps carries everything the handlers read. FullStats and Logger are optional.
type Deps struct {
	State     *daemon.State
	Store     RecordStore
	Resolver  StatsSource
	FullStats *fullstats.Tracker
	Logger    *slog.Logger
	Now       func() time.Time
}

type server struct {
	Deps
}

// NewRouter builds the Gin engine with all routes registered.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &server{Deps: deps}
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/records", s.listRecords)
	router.GET("/records/:name/:type", s.getRecord)
	router.DELETE("/records/:name/:type", s.deleteRecord)
	router.GET("/stats", s.stats)
	router.GET("/stats/page", s.statsPage)
	return router
}

// Start binds port and serves the API until ctx is cancelled. Bind errors are returned
// immediately; the server itself runs in the background and updates state when it stops.
func Start(ctx context.Context, bindAddress, port string, deps Deps) error {
	state := deps.State
	if state == nil {
		return errors.New("api: missing daemon state")
	}
	trimmed := strings.TrimSpace(port)
	if trimmed == "" {
		return errors.New("api: invalid port")
	}
	if state.APIRunning() {
		logAPI(deps.Logger, slog.LevelInfo, "API server already running; skipping start")
		return nil
	}
	addr := net.JoinHostPort(bindAddress, trimmed)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: NewRouter(deps), ReadHeaderTimeout: 10 * time.Second}
	state.SetAPIRunning(true)
	logAPI(deps.Logger, slog.LevelInfo, "API server starting", "addr", ln.Addr().String())
	go func() {
		defer state.SetAPIRunning(false)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logAPI(deps.Logger, slog.LevelError, "API server stopped with error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logAPI(deps.Logger, slog.LevelWarn, "API server shutdown", "error", err)
		}
	}()
	return nil
}

func logAPI(logger *slog.Logger, level slog.Level, msg string, keyValues ...any) {
	if logger != nil {
		logger.Log(context.Background(), level, msg, keyValues...)
	}
}

func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logAPI(s.Logger, slog.LevelInfo, "api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) ready(c *gin.Context) {
	if s.State == nil || !s.State.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// recordView is the JSON form of a stored record.
type recordView struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	TTL            uint32          `json:"ttl"`
	Remaining      uint32          `json:"remaining"`
	Negative       bool            `json:"negative"`
	Content        records.Content `json:"content"`
	DataReceivedAt time.Time       `json:"data_received_at"`
	LastQueryAt    time.Time       `json:"last_query_at"`
}

func (s *server) view(rec *records.Record) recordView {
	now := s.Now()
	return recordView{
		Name:           rec.Key.Name,
		Type:           rec.Key.TypeString(),
		Status:         freshness.Classify(rec, now).String(),
		TTL:            rec.Content.TTL,
		Remaining:      freshness.Remaining(rec.Content.TTL, rec.DataReceivedAt, now),
		Negative:       rec.Content.Negative(),
		Content:        rec.Content,
		DataReceivedAt: rec.DataReceivedAt,
		LastQueryAt:    rec.LastQueryAt,
	}
}

func (s *server) listRecords(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", maxListLimit)})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must not be negative"})
		return
	}

	ctx := c.Request.Context()
	total, err := s.Store.Count(ctx)
	if err != nil {
		s.storeError(c, err)
		return
	}
	recs, err := s.Store.List(ctx, limit, offset)
	if err != nil {
		s.storeError(c, err)
		return
	}
	views := make([]recordView, 0, len(recs))
	for i := range recs {
		views = append(views, s.view(&recs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "limit": limit, "offset": offset, "records": views})
}

func (s *server) getRecord(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	rec, err := s.Store.Get(c.Request.Context(), key)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, s.view(rec))
}

func (s *server) deleteRecord(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	deleted, err := s.Store.Delete(c.Request.Context(), key)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	logAPI(s.Logger, slog.LevelInfo, "record deleted", "key", key.String())
	c.JSON(http.StatusOK, gin.H{"status": "record deleted", "key": key.String()})
}

func (s *server) stats(c *gin.Context) {
	resp := gin.H{}
	if s.Resolver != nil {
		resp["resolver"] = s.Resolver.Stats()
	}
	if s.State != nil {
		resp["uptime_seconds"] = int64(s.State.Uptime() / time.Second)
	}
	if s.Store != nil {
		if n, err := s.Store.Count(c.Request.Context()); err == nil {
			resp["records"] = n
		}
	}
	if s.FullStats != nil {
		if top, err := s.FullStats.TopIdentities(statsPageLimit); err == nil {
			resp["top_identities"] = top
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) storeError(c *gin.Context, err error) {
	logAPI(s.Logger, slog.LevelError, "record store error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store unavailable"})
}

func keyParam(c *gin.Context) (records.Key, bool) {
	qtype, err := records.ParseType(strings.ToUpper(c.Param("type")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return records.Key{}, false
	}
	return records.NewKey(c.Param("name"), qtype), true
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
