// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package records persists the last answer observed for every (name, type) identity.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrStoreUnavailable is returned for any storage I/O or decoding failure.
// A missing record is never reported through it.
var ErrStoreUnavailable = errors.New("record store unavailable")

const busyTimeoutMillis = 5000

// Store is the SQLite-backed record table.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the record table.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("records: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("records: create database dir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMillis)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("records: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("records: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection keeps upserts from failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&row{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("records: migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("records: %s: %w: %v", op, ErrStoreUnavailable, err)
}

// Get returns the stored record for key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	var r row
	err := s.db.WithContext(ctx).
		Where("record_name = ? AND record_type = ?", key.Name, key.TypeString()).
		Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get "+key.String(), err)
	}
	rec, err := r.toRecord()
	if err != nil {
		return nil, unavailable("get "+key.String(), err)
	}
	return rec, nil
}

// Put upserts the record for key. data_received_at and last_query_at are set to now.
// A write carrying an older receive time than the stored one is ignored so the
// receive time never moves backwards.
func (s *Store) Put(ctx context.Context, key Key, content Content, ttl uint32, now time.Time) error {
	content.TTL = ttl
	if content.Answer == nil {
		content.Answer = []string{}
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("records: encode content for %s: %w", key, err)
	}
	r := row{
		RecordName:     key.Name,
		RecordType:     key.TypeString(),
		ContentJSON:    string(payload),
		DataReceivedAt: now.Unix(),
		LastQueryAt:    now.Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_name"}, {Name: "record_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_json", "data_received_at_unix", "last_query_at_unix"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.data_received_at_unix >= record.data_received_at_unix"},
		}},
	}).Create(&r).Error
	if err != nil {
		return unavailable("put "+key.String(), err)
	}
	return nil
}

// TouchQueryTime records that a client asked for key. It never changes freshness fields.
func (s *Store) TouchQueryTime(ctx context.Context, key Key, now time.Time) error {
	err := s.db.WithContext(ctx).Model(&row{}).
		Where("record_name = ? AND record_type = ?", key.Name, key.TypeString()).
		Update("last_query_at_unix", now.Unix()).Error
	if err != nil {
		return unavailable("touch "+key.String(), err)
	}
	return nil
}

// List returns stored records ordered by name and type. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Record, error) {
	var rows []row
	q := s.db.WithContext(ctx).Order("record_name, record_type")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, unavailable("list", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Count returns the number of stored identities.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&row{}).Count(&n).Error; err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// Delete removes the record for key. It reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, key Key) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("record_name = ? AND record_type = ?", key.Name, key.TypeString()).
		Delete(&row{})
	if res.Error != nil {
		return false, unavailable("delete "+key.String(), res.Error)
	}
	return res.RowsAffected > 0, nil
}
