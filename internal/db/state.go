package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// app_state keys
const (
	keyScanState = "scan:state"
	keyLastScan  = "scan:lastRun"
	keySettings  = "settings"
)

func (r *Repository) getState(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return []byte(value), nil
}

func (r *Repository) setState(ctx context.Context, key string, value []byte) error {
	_, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (r *Repository) deleteState(ctx context.Context, key string) error {
	if _, err := ExecWithRetry(ctx, r.DB, `DELETE FROM app_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// Scan checkpoint
// =============================================================================

// LoadScanState returns the raw checkpoint document, or nil when none exists.
func (r *Repository) LoadScanState(ctx context.Context) ([]byte, error) {
	return r.getState(ctx, keyScanState)
}

// SaveScanState replaces the checkpoint document.
func (r *Repository) SaveScanState(ctx context.Context, state []byte) error {
	return r.setState(ctx, keyScanState, state)
}

// ClearScanState removes the checkpoint document.
func (r *Repository) ClearScanState(ctx context.Context) error {
	return r.deleteState(ctx, keyScanState)
}

// =============================================================================
// Last scan timestamp
// =============================================================================

// GetLastScan returns the time of the last finalized scan, or nil.
func (r *Repository) GetLastScan(ctx context.Context) (*time.Time, error) {
	raw, err := r.getState(ctx, keyLastScan)
	if err != nil || raw == nil {
		return nil, err
	}
	t, err := parseTime(string(raw))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastScan records the time of the last finalized scan.
func (r *Repository) SetLastScan(ctx context.Context, t time.Time) error {
	return r.setState(ctx, keyLastScan, []byte(formatTime(t)))
}

// =============================================================================
// Raw settings document
// =============================================================================

// GetSettings returns the stored settings object, or an empty map.
func (r *Repository) GetSettings(ctx context.Context) (map[string]interface{}, error) {
	raw, err := r.getState(ctx, keySettings)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if raw == nil {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// SaveSettings stores the settings object verbatim.
func (r *Repository) SaveSettings(ctx context.Context, s map[string]interface{}) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return r.setState(ctx, keySettings, raw)
}

// =============================================================================
// Scan lock
// =============================================================================

// GetScanLock returns the current lock row, or nil when unlocked.
func (r *Repository) GetScanLock(ctx context.Context) (*domain.ScanLock, error) {
	var (
		ms   int64
		mode string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT locked_at, mode FROM scan_lock WHERE id = 1`).Scan(&ms, &mode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scan lock: %w", err)
	}
	return &domain.ScanLock{Timestamp: time.UnixMilli(ms).UTC(), Mode: domain.ScanMode(mode)}, nil
}

// TryAcquireScanLock writes lock only if no lock exists or the existing one
// is at least ttl old. The check and the write are a single statement, so two
// callers racing for an expired lock cannot both win.
func (r *Repository) TryAcquireScanLock(ctx context.Context, lock domain.ScanLock, ttl time.Duration) (bool, error) {
	now := lock.Timestamp.UnixMilli()
	cutoff := now - ttl.Milliseconds()
	res, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO scan_lock (id, locked_at, mode) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET locked_at = excluded.locked_at, mode = excluded.mode
		WHERE scan_lock.locked_at <= ?`,
		now, string(lock.Mode), cutoff)
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	return n > 0, nil
}

// WriteScanLock unconditionally writes lock. Used for heartbeats.
func (r *Repository) WriteScanLock(ctx context.Context, lock domain.ScanLock) error {
	_, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO scan_lock (id, locked_at, mode) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET locked_at = excluded.locked_at, mode = excluded.mode`,
		lock.Timestamp.UnixMilli(), string(lock.Mode))
	if err != nil {
		return fmt.Errorf("write scan lock: %w", err)
	}
	return nil
}

// DeleteScanLock removes the lock row.
func (r *Repository) DeleteScanLock(ctx context.Context) error {
	if _, err := ExecWithRetry(ctx, r.DB, `DELETE FROM scan_lock WHERE id = 1`); err != nil {
		return fmt.Errorf("delete scan lock: %w", err)
	}
	return nil
}
