// Package rules evaluates a single page against the normalized detection rules.
package rules

import (
	"time"

	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/settings"
)

// Score weights. The policy is fixed and not configurable.
const (
	BaseScore        = 10
	StaleWeight      = 40
	InactiveWeight   = 25
	OrphanedWeight   = 20
	IncompleteWeight = 15
	MaxScore         = 100
)

// Input is everything the evaluator needs for one page.
type Input struct {
	Title       string
	LastUpdated time.Time
	// HasChildren is only consulted when the orphaned rule is enabled. A nil
	// value means the lookup failed or was skipped, and never flags the page.
	HasChildren *bool
}

// Result is the evaluation outcome.
type Result struct {
	Flags       domain.Flags
	ImpactScore int
}

// Flagged reports whether any rule matched.
func (r Result) Flagged() bool {
	return r.Flags.Any()
}

// Evaluate applies the rules in s to one page at time now.
func Evaluate(in Input, s *settings.Normalized, now time.Time) Result {
	var f domain.Flags
	rules := &s.Rules

	if rules.Stale.Enabled || rules.Inactive.Enabled {
		days := DaysBetween(in.LastUpdated, now)
		f.Stale = rules.Stale.Enabled && days >= rules.Stale.Period
		f.Inactive = rules.Inactive.Enabled && days >= rules.Inactive.Period
	}
	if rules.Orphaned.Enabled && in.HasChildren != nil {
		f.Orphaned = !*in.HasChildren
	}
	if rules.Incomplete.Enabled {
		f.Incomplete = rules.Incomplete.Match(in.Title)
	}

	return Result{Flags: f, ImpactScore: ImpactScore(f)}
}

// ImpactScore combines flags into a 10..100 score.
func ImpactScore(f domain.Flags) int {
	score := BaseScore
	if f.Stale {
		score += StaleWeight
	}
	if f.Inactive {
		score += InactiveWeight
	}
	if f.Orphaned {
		score += OrphanedWeight
	}
	if f.Incomplete {
		score += IncompleteWeight
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// DaysBetween returns the absolute number of whole days between a and b after
// truncating both to midnight UTC, so the time of day a scan runs never
// changes the count.
func DaysBetween(a, b time.Time) int {
	da := midnightUTC(a)
	db := midnightUTC(b)
	d := db.Sub(da)
	if d < 0 {
		d = -d
	}
	return int(d / (24 * time.Hour))
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
