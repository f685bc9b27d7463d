package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/contentguardian/internal/domain"
)

// MaxAuditEntries is how many audit entries are retained; older ones are dropped on append.
const MaxAuditEntries = 1000

// AddAuditEntry appends e, assigning an id and timestamp when missing, and
// trims the log to the newest MaxAuditEntries entries.
func (r *Repository) AddAuditEntry(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var details interface{}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = string(raw)
	}

	return withBusyRetry(ctx, "audit append", func() error {
		return r.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audit_log (id, ts, action, status, user_id, page_id, title, space_key, reason, details)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, formatTime(e.Timestamp), e.Action, e.Status, e.User, e.PageID, e.Title, e.SpaceKey, e.Reason, details)
			if err != nil {
				return fmt.Errorf("insert audit entry: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				DELETE FROM audit_log WHERE seq NOT IN (
					SELECT seq FROM audit_log ORDER BY seq DESC LIMIT ?
				)`, MaxAuditEntries)
			if err != nil {
				return fmt.Errorf("trim audit log: %w", err)
			}
			return nil
		})
	})
}

// ListAuditEntries returns a page of entries, newest first, and the total count.
// A limit <= 0 returns every entry.
func (r *Repository) ListAuditEntries(ctx context.Context, limit, offset int) ([]domain.AuditEntry, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit log: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := QueryWithRetry(ctx, r.DB, `
		SELECT id, ts, action, status, user_id, page_id, title, space_key, reason, details
		FROM audit_log ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e                                                   domain.AuditEntry
			ts                                                  string
			status, user, pageID, title, spaceKey, reason, dets sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Action, &status, &user, &pageID, &title, &spaceKey, &reason, &dets); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, err
		}
		e.Status, e.User, e.PageID = status.String, user.String, pageID.String
		e.Title, e.SpaceKey, e.Reason = title.String, spaceKey.String, reason.String
		if dets.Valid && dets.String != "" {
			if err := json.Unmarshal([]byte(dets.String), &e.Details); err != nil {
				return nil, 0, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
