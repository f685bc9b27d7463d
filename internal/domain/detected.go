package domain

import "time"

// Status is the review state of a detected page.
type Status string

const (
	// StatusDetected is the default, overwritable state written by the scanner.
	StatusDetected    Status = "detected"
	StatusArchived    Status = "archived"
	StatusWhitelisted Status = "whitelisted"
	StatusTagged      Status = "tagged"
)

// Decided reports whether the status was set by an operator.
func (s Status) Decided() bool {
	return s != "" && s != StatusDetected
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusArchived, StatusWhitelisted, StatusTagged:
		return true
	}
	return false
}

// Flags are the independently computed rule outcomes for a page.
type Flags struct {
	Stale      bool `json:"stale"`
	Inactive   bool `json:"inactive"`
	Orphaned   bool `json:"orphaned"`
	Incomplete bool `json:"incomplete"`
}

// Any reports whether at least one flag is set.
func (f Flags) Any() bool {
	return f.Stale || f.Inactive || f.Orphaned || f.Incomplete
}

// Has reports whether the named flag is set. Unknown names are false.
func (f Flags) Has(name string) bool {
	switch name {
	case "stale":
		return f.Stale
	case "inactive":
		return f.Inactive
	case "orphaned":
		return f.Orphaned
	case "incomplete":
		return f.Incomplete
	}
	return false
}

// FlagNames lists the flag names in display order.
var FlagNames = []string{"stale", "inactive", "orphaned", "incomplete"}

// DetectedItem is the persisted record for one flagged page.
type DetectedItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	SpaceKey    *string    `json:"spaceKey"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Flags       Flags      `json:"flags"`
	ImpactScore int        `json:"impactScore"`
	Status      Status     `json:"status"`
	StatusAt    *time.Time `json:"statusAt,omitempty"`
}

// SpaceKeyOr returns the space key or def when unresolved.
func (d *DetectedItem) SpaceKeyOr(def string) string {
	if d.SpaceKey == nil || *d.SpaceKey == "" {
		return def
	}
	return *d.SpaceKey
}

// PageRecord is one page as returned by the page source.
type PageRecord struct {
	ID        string
	Title     string
	SpaceID   string
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// PageBatch is one page of results from the page source. A nil NextCursor
// means the listing is exhausted.
type PageBatch struct {
	Items      []PageRecord
	NextCursor *string
}

// ScanMode identifies which trigger started a scan.
type ScanMode string

const (
	ScanModeReal      ScanMode = "real"
	ScanModeScheduled ScanMode = "scheduled"
	ScanModeSimulated ScanMode = "simulated"
)

// ScanLock is the advisory mutual-exclusion token for scan runs.
type ScanLock struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      ScanMode  `json:"mode"`
}

// Expired reports whether the lock is older than ttl at now.
func (l ScanLock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.Timestamp) >= ttl
}

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"ts"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status,omitempty"`
	User      string                 `json:"user,omitempty"`
	PageID    string                 `json:"pageId,omitempty"`
	Title     string                 `json:"title,omitempty"`
	SpaceKey  string                 `json:"spaceKey,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
