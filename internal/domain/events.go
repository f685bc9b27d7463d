package domain

import (
	"time"
)

type EventType string

const (
	ScanStarted       EventType = "ScanStarted"
	ScanProgress      EventType = "ScanProgress"
	ScanCompleted     EventType = "ScanCompleted"
	ScanFailed        EventType = "ScanFailed"
	ScanSkipped       EventType = "ScanSkipped"
	BulkActionApplied EventType = "BulkActionApplied"
	DetectedReset     EventType = "DetectedReset"
	SettingsUpdated   EventType = "SettingsUpdated"
	NotificationSent  EventType = "NotificationSent"
	NotificationError EventType = "NotificationFailed"
)

// Aggregate types used when persisting events.
const (
	AggregateScan     = "scan"
	AggregateDetected = "detected"
	AggregateSettings = "settings"
)

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
	UserID        string                 `json:"user_id,omitempty"`
}

// =============================================================================
// Type-safe event data accessors
// =============================================================================

// GetString returns the value and true if key holds a string.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 handles int, int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 handles float64, int64 and int values.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// =============================================================================
// Typed event data for scan events
// =============================================================================

// ScanEventData is carried by ScanStarted, ScanProgress, ScanCompleted and ScanFailed.
type ScanEventData struct {
	RunID      string  `json:"run_id"`
	Mode       string  `json:"mode"`
	Processed  int64   `json:"processed"`
	Detected   int64   `json:"detected"`
	Total      int64   `json:"total"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
	Resumed    bool    `json:"resumed,omitempty"`
}

// Map converts the data into the generic EventData form.
func (d ScanEventData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"run_id":    d.RunID,
		"mode":      d.Mode,
		"processed": d.Processed,
		"detected":  d.Detected,
		"total":     d.Total,
	}
	if d.DurationMs > 0 {
		m["duration_ms"] = d.DurationMs
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	if d.Resumed {
		m["resumed"] = true
	}
	return m
}

// ParseScanEventData extracts typed scan data from an event.
func (e *Event) ParseScanEventData() (ScanEventData, bool) {
	runID, ok := e.GetString("run_id")
	if !ok {
		return ScanEventData{}, false
	}
	dur, _ := e.GetFloat64("duration_ms")
	resumed, _ := e.EventData["resumed"].(bool)
	return ScanEventData{
		RunID:      runID,
		Mode:       e.GetStringOr("mode", ""),
		Processed:  e.GetInt64Or("processed", 0),
		Detected:   e.GetInt64Or("detected", 0),
		Total:      e.GetInt64Or("total", 0),
		DurationMs: dur,
		Error:      e.GetStringOr("error", ""),
		Resumed:    resumed,
	}, true
}
