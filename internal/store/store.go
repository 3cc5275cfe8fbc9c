package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite database behind a bounded connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path, applies pragmas for
// concurrent readers and writers, bounds the pool and runs migrations.
func Open(ctx context.Context, path string, poolMax int) (*Store, error) {
	if poolMax <= 0 {
		poolMax = 10
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Store opened", "path", path, "pool_max", poolMax)
	return s, nil
}

// DB exposes the underlying pool for packages that own their own SQL
// (the job queue keeps its claim statement next to its semantics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullTime converts an optional time to a unix-millisecond column value.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// timeVal converts a time to a unix-millisecond column value.
func timeVal(t time.Time) int64 {
	return t.UnixMilli()
}

// scanTime converts a nullable unix-millisecond column back to a time.
func scanTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// scanTimeValue converts a non-null unix-millisecond column back to a time.
func scanTimeValue(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
