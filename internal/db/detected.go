package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// chunkSize bounds the number of ids bound into one IN (...) clause.
const chunkSize = 100

const detectedColumns = `page_id, title, space_key, created_at, last_updated,
	stale, inactive, orphaned, incomplete, impact_score, status, status_at`

// UpsertDetected writes item, replacing any existing record with the same id.
// A decided status (anything but detected) already stored wins over the
// incoming one, together with its status_at, so a decision made while a scan
// is in flight survives the scan's write.
func (r *Repository) UpsertDetected(ctx context.Context, item *domain.DetectedItem) error {
	status := item.Status
	if status == "" {
		status = domain.StatusDetected
	}
	_, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO detected_items (`+detectedColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			title = excluded.title,
			space_key = excluded.space_key,
			created_at = excluded.created_at,
			last_updated = excluded.last_updated,
			stale = excluded.stale,
			inactive = excluded.inactive,
			orphaned = excluded.orphaned,
			incomplete = excluded.incomplete,
			impact_score = excluded.impact_score,
			status = CASE WHEN detected_items.status <> 'detected'
				THEN detected_items.status ELSE excluded.status END,
			status_at = CASE WHEN detected_items.status <> 'detected'
				THEN detected_items.status_at ELSE excluded.status_at END,
			updated_at = excluded.updated_at`,
		item.ID, item.Title, item.SpaceKey, formatTime(item.CreatedAt), formatTime(item.LastUpdated),
		item.Flags.Stale, item.Flags.Inactive, item.Flags.Orphaned, item.Flags.Incomplete,
		item.ImpactScore, string(status), nullableTime(item.StatusAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert detected item %s: %w", item.ID, err)
	}
	return nil
}

// GetDetected returns one item or ErrNotFound.
func (r *Repository) GetDetected(ctx context.Context, id string) (*domain.DetectedItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+detectedColumns+` FROM detected_items WHERE page_id = ?`, id)
	item, err := scanDetected(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get detected item %s: %w", id, err)
	}
	return item, nil
}

// GetDetectedMany returns the stored items for ids. Every requested id is a
// key of the result; missing records map to nil.
func (r *Repository) GetDetectedMany(ctx context.Context, ids []string) (map[string]*domain.DetectedItem, error) {
	out := make(map[string]*domain.DetectedItem, len(ids))
	for _, id := range ids {
		out[id] = nil
	}

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		query := `SELECT ` + detectedColumns + ` FROM detected_items WHERE page_id IN (` + placeholders(len(chunk)) + `)`
		rows, err := QueryWithRetry(ctx, r.DB, query, stringArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("get detected items: %w", err)
		}
		for rows.Next() {
			item, err := scanDetected(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan detected item: %w", err)
			}
			out[item.ID] = item
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListDetected returns every indexed item in index order.
func (r *Repository) ListDetected(ctx context.Context) ([]*domain.DetectedItem, error) {
	rows, err := QueryWithRetry(ctx, r.DB, `
		SELECT d.page_id, d.title, d.space_key, d.created_at, d.last_updated,
			d.stale, d.inactive, d.orphaned, d.incomplete, d.impact_score, d.status, d.status_at
		FROM detected_index i
		JOIN detected_items d ON d.page_id = i.page_id
		ORDER BY i.position`)
	if err != nil {
		return nil, fmt.Errorf("list detected items: %w", err)
	}
	defer rows.Close()

	var items []*domain.DetectedItem
	for rows.Next() {
		item, err := scanDetected(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detected item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateDetectedStatus records an operator decision on one item.
func (r *Repository) UpdateDetectedStatus(ctx context.Context, id string, status domain.Status, at time.Time) error {
	res, err := ExecWithRetry(ctx, r.DB,
		`UPDATE detected_items SET status = ?, status_at = ?, updated_at = ? WHERE page_id = ?`,
		string(status), formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDetected removes the detail records for ids. The index is not touched.
func (r *Repository) DeleteDetected(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		res, err := ExecWithRetry(ctx, r.DB,
			`DELETE FROM detected_items WHERE page_id IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...)
		if err != nil {
			return deleted, fmt.Errorf("delete detected items: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// GetDetectedIndex returns the authoritative id list in order.
func (r *Repository) GetDetectedIndex(ctx context.Context) ([]string, error) {
	rows, err := QueryWithRetry(ctx, r.DB, `SELECT page_id FROM detected_index ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("get detected index: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetDetectedIndex atomically replaces the index with ids. Duplicates keep
// their first position.
func (r *Repository) SetDetectedIndex(ctx context.Context, ids []string) error {
	return withBusyRetry(ctx, "set index", func() error {
		return r.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM detected_index`); err != nil {
				return fmt.Errorf("clear detected index: %w", err)
			}
			stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO detected_index (page_id, position) VALUES (?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for i, id := range ids {
				if _, err := stmt.ExecContext(ctx, id, i); err != nil {
					return fmt.Errorf("insert index entry %s: %w", id, err)
				}
			}
			return nil
		})
	})
}

// CountDetected returns the number of ids in the index.
func (r *Repository) CountDetected(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM detected_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count detected index: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDetected(s rowScanner) (*domain.DetectedItem, error) {
	var (
		item                   domain.DetectedItem
		spaceKey, statusAt     sql.NullString
		createdAt, lastUpdated string
		status                 string
	)
	err := s.Scan(&item.ID, &item.Title, &spaceKey, &createdAt, &lastUpdated,
		&item.Flags.Stale, &item.Flags.Inactive, &item.Flags.Orphaned, &item.Flags.Incomplete,
		&item.ImpactScore, &status, &statusAt)
	if err != nil {
		return nil, err
	}
	if spaceKey.Valid {
		k := spaceKey.String
		item.SpaceKey = &k
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}
	if item.StatusAt, err = parseNullableTime(statusAt); err != nil {
		return nil, err
	}
	item.Status = domain.Status(status)
	return &item, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
