package testutil

import (
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// Cursor returns a pointer to s.
func Cursor(s string) *string { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// NewPage builds a page record last updated at updated. spaceID may be empty.
func NewPage(id, title, spaceID string, updated time.Time) domain.PageRecord {
	created := updated.AddDate(0, -1, 0)
	return domain.PageRecord{
		ID:        id,
		Title:     title,
		SpaceID:   spaceID,
		CreatedAt: &created,
		UpdatedAt: &updated,
	}
}

// DetectedOption customizes a fixture item.
type DetectedOption func(*domain.DetectedItem)

// WithStatus sets the status and a decision time.
func WithStatus(s domain.Status) DetectedOption {
	return func(d *domain.DetectedItem) {
		d.Status = s
		if s != domain.StatusDetected {
			at := d.LastUpdated.Add(time.Hour)
			d.StatusAt = &at
		}
	}
}

// WithFlags sets the flags. The impact score is left as is.
func WithFlags(f domain.Flags) DetectedOption {
	return func(d *domain.DetectedItem) { d.Flags = f }
}

// WithImpact sets the impact score.
func WithImpact(score int) DetectedOption {
	return func(d *domain.DetectedItem) { d.ImpactScore = score }
}

// WithSpaceKey sets the space key; an empty key clears it.
func WithSpaceKey(key string) DetectedOption {
	return func(d *domain.DetectedItem) {
		if key == "" {
			d.SpaceKey = nil
			return
		}
		d.SpaceKey = &key
	}
}

// WithTitle sets the title.
func WithTitle(title string) DetectedOption {
	return func(d *domain.DetectedItem) { d.Title = title }
}

// WithDates sets createdAt and lastUpdated.
func WithDates(created, updated time.Time) DetectedOption {
	return func(d *domain.DetectedItem) {
		d.CreatedAt = created
		d.LastUpdated = updated
	}
}

// NewDetectedItem returns a stale item in space ENG with status detected.
func NewDetectedItem(id string, opts ...DetectedOption) *domain.DetectedItem {
	key := "ENG"
	created := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	d := &domain.DetectedItem{
		ID:          id,
		Title:       "Page " + id,
		SpaceKey:    &key,
		CreatedAt:   created,
		LastUpdated: created.AddDate(0, 0, 7),
		Flags:       domain.Flags{Stale: true},
		ImpactScore: 50,
		Status:      domain.StatusDetected,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}
