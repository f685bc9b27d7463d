package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/contentguardian/internal/logger"
)

// isBusy reports whether err is SQLite's "database is locked" condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs op until it succeeds, fails with a non-busy error, or
// MaxRetries is reached. Delays double from RetryDelay: 100ms, 200ms, 400ms...
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
		if attempt == MaxRetries-1 {
			break
		}
		delay := RetryDelay * time.Duration(1<<attempt)
		logger.Debugf("Database busy on %s, retrying in %v (attempt %d/%d)", what, delay, attempt+1, MaxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// ExecWithRetry executes a statement, retrying on SQLITE_BUSY.
func ExecWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := withBusyRetry(ctx, "exec", func() error {
		var err error
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryWithRetry executes a query, retrying on SQLITE_BUSY.
// The caller must close the returned rows.
func QueryWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := withBusyRetry(ctx, "query", func() error {
		var err error
		rows, err = db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
