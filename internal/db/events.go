package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// InsertEvent persists e and returns its row id. Event data is stored as JSON text.
func (r *Repository) InsertEvent(ctx context.Context, e *domain.Event) (int64, error) {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.EventVersion == 0 {
		e.EventVersion = 1
	}
	var user interface{}
	if e.UserID != "" {
		user = e.UserID
	}

	res, err := ExecWithRetry(ctx, r.DB, `
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AggregateType, e.AggregateID, string(e.EventType), string(data), e.EventVersion, formatTime(e.CreatedAt), user)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}
	return res.LastInsertId()
}

// RecentEvents returns up to limit events, newest first. An empty eventType matches all.
func (r *Repository) RecentEvents(ctx context.Context, eventType domain.EventType, limit int) ([]domain.Event, error) {
	query := `SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at FROM events`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := QueryWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			e             domain.Event
			typ, data, ts string
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &typ, &data, &e.EventVersion, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = domain.EventType(typ)
		if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
