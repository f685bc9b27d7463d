package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// ScanRun is one row of scan history.
type ScanRun struct {
	ID           string          `json:"id"`
	Mode         domain.ScanMode `json:"mode"`
	Status       string          `json:"status"`
	Resumed      bool            `json:"resumed"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Processed    int             `json:"processed"`
	Detected     int             `json:"detected"`
	Total        int             `json:"total"`
	ErrorMessage string          `json:"error,omitempty"`
}

// Scan run statuses.
const (
	ScanRunRunning   = "running"
	ScanRunCompleted = "completed"
	ScanRunFailed    = "failed"
)

// CreateScanRun records the start of a run.
func (r *Repository) CreateScanRun(ctx context.Context, run *ScanRun) error {
	if run.Status == "" {
		run.Status = ScanRunRunning
	}
	_, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO scan_runs (id, mode, status, resumed, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), run.Status, run.Resumed, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("create scan run: %w", err)
	}
	return nil
}

// UpdateScanRunProgress stores the running processed count.
func (r *Repository) UpdateScanRunProgress(ctx context.Context, id string, processed int) error {
	_, err := ExecWithRetry(ctx, r.DB, `UPDATE scan_runs SET processed = ? WHERE id = ?`, processed, id)
	if err != nil {
		return fmt.Errorf("update scan run %s: %w", id, err)
	}
	return nil
}

// FinishScanRun closes a run as completed or failed.
func (r *Repository) FinishScanRun(ctx context.Context, run *ScanRun) error {
	completed := time.Now().UTC()
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	var errMsg interface{}
	if run.ErrorMessage != "" {
		errMsg = run.ErrorMessage
	}
	res, err := ExecWithRetry(ctx, r.DB, `
		UPDATE scan_runs SET status = ?, completed_at = ?, processed = ?, detected = ?, total = ?, error_message = ?
		WHERE id = ?`,
		run.Status, formatTime(completed), run.Processed, run.Detected, run.Total, errMsg, run.ID)
	if err != nil {
		return fmt.Errorf("finish scan run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	run.CompletedAt = &completed
	return nil
}

// ListScanRuns returns the most recent runs, newest first, and the total count.
func (r *Repository) ListScanRuns(ctx context.Context, limit, offset int) ([]ScanRun, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scan runs: %w", err)
	}

	rows, err := QueryWithRetry(ctx, r.DB, `
		SELECT id, mode, status, resumed, started_at, completed_at, processed, detected, total, error_message
		FROM scan_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close()

	runs := []ScanRun{}
	for rows.Next() {
		var (
			run                 ScanRun
			mode, started       string
			completed, errorMsg sql.NullString
		)
		if err := rows.Scan(&run.ID, &mode, &run.Status, &run.Resumed, &started, &completed,
			&run.Processed, &run.Detected, &run.Total, &errorMsg); err != nil {
			return nil, 0, fmt.Errorf("scan scan run: %w", err)
		}
		run.Mode = domain.ScanMode(mode)
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, 0, err
		}
		if run.CompletedAt, err = parseNullableTime(completed); err != nil {
			return nil, 0, err
		}
		run.ErrorMessage = errorMsg.String
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// MarkInterruptedScanRuns closes runs left in the running state by a crash.
func (r *Repository) MarkInterruptedScanRuns(ctx context.Context) (int64, error) {
	res, err := ExecWithRetry(ctx, r.DB, `
		UPDATE scan_runs SET status = ?, completed_at = ?, error_message = 'interrupted'
		WHERE status = ?`, ScanRunFailed, formatTime(time.Now()), ScanRunRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted scan runs: %w", err)
	}
	return res.RowsAffected()
}
