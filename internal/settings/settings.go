// Package settings turns stored configuration of any vintage into the one
// canonical rule and whitelist structure the scanner consumes.
//
// Two input shapes are accepted. The current shape nests rule objects under
// "rules" (stale, inactive, orphaned, incomplete). The legacy shape uses flat
// keys (ageDays, inactivityDays, includeOrphaned, includeIncomplete) and may
// give the whitelist as a bare array of page ids. When both shapes appear the
// nested objects are applied first and legacy keys then override only the
// fields they define.
package settings

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultIncompletePattern matches common draft markers as whole words.
const DefaultIncompletePattern = `\b(WIP|TBD|TODO|DRAFT)\b`

const (
	DefaultStalePeriod    = 30
	DefaultInactivePeriod = 90
)

// Schedule modes stored under settings.schedule.mode.
const (
	ScheduleManual = "manual"
	ScheduleAuto   = "auto"
)

var defaultMatcher = regexp.MustCompile("(?i)" + DefaultIncompletePattern)

// PeriodRule is a rule that fires after a number of days without updates.
type PeriodRule struct {
	Enabled bool `json:"enabled"`
	Period  int  `json:"period"`
}

// ToggleRule is a rule with no parameters.
type ToggleRule struct {
	Enabled bool `json:"enabled"`
}

// IncompleteRule matches page titles against a case-insensitive pattern.
// The matcher is compiled when the rule is built or decoded, never per page.
type IncompleteRule struct {
	Enabled bool   `json:"enabled"`
	Pattern string `json:"pattern"`

	matcher *regexp.Regexp
}

// Rules groups the four detection rules.
type Rules struct {
	Stale      PeriodRule     `json:"stale"`
	Inactive   PeriodRule     `json:"inactive"`
	Orphaned   ToggleRule     `json:"orphaned"`
	Incomplete IncompleteRule `json:"incomplete"`
}

// Whitelist excludes pages by id or by space key.
type Whitelist struct {
	PageIDs   []string `json:"pageIds"`
	SpaceKeys []string `json:"spaceKeys"`
}

// Normalized is the canonical settings shape.
type Normalized struct {
	Rules     Rules     `json:"rules"`
	Whitelist Whitelist `json:"whitelist"`
}

// Default returns the settings used when nothing is configured.
func Default() Normalized {
	return Normalized{
		Rules: Rules{
			Stale:      PeriodRule{Period: DefaultStalePeriod},
			Inactive:   PeriodRule{Period: DefaultInactivePeriod},
			Incomplete: newIncompleteRule(false, DefaultIncompletePattern),
		},
		Whitelist: Whitelist{PageIDs: []string{}, SpaceKeys: []string{}},
	}
}

func newIncompleteRule(enabled bool, pattern string) IncompleteRule {
	r := IncompleteRule{Enabled: enabled, Pattern: pattern}
	r.compile()
	return r
}

// compile builds the matcher, falling back to the default pattern when the
// configured one is not a valid expression.
func (r *IncompleteRule) compile() {
	if r.Pattern == "" {
		r.Pattern = DefaultIncompletePattern
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		re = defaultMatcher
	}
	r.matcher = re
}

// Match reports whether title matches the rule's pattern.
func (r *IncompleteRule) Match(title string) bool {
	if r.matcher == nil {
		r.compile()
	}
	return r.matcher.MatchString(title)
}

// UsesFallback reports whether the configured pattern failed to compile.
func (r *IncompleteRule) UsesFallback() bool {
	if r.matcher == nil {
		r.compile()
	}
	return r.matcher == defaultMatcher && r.Pattern != DefaultIncompletePattern
}

// UnmarshalJSON decodes the rule and compiles its matcher so that a settings
// snapshot restored from a checkpoint behaves exactly like a fresh one.
func (r *IncompleteRule) UnmarshalJSON(data []byte) error {
	type plain IncompleteRule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = IncompleteRule(p)
	r.compile()
	return nil
}

// WhitelistsPage reports whether id is in the page whitelist.
func (n *Normalized) WhitelistsPage(id string) bool {
	for _, p := range n.Whitelist.PageIDs {
		if p == id {
			return true
		}
	}
	return false
}

// WhitelistsSpace reports whether key is in the space whitelist.
// An empty key never matches.
func (n *Normalized) WhitelistsSpace(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range n.Whitelist.SpaceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Normalize maps a raw settings object onto Normalized. It never fails:
// unknown keys are ignored and missing values keep their defaults.
func Normalize(raw map[string]interface{}) Normalized {
	out := Default()
	if raw == nil {
		return out
	}

	r := raw
	if truthy(raw["rules"]) {
		r, _ = raw["rules"].(map[string]interface{})
	}

	if v, ok := r["stale"]; ok && truthy(v) {
		m, _ := v.(map[string]interface{})
		out.Rules.Stale.Enabled = truthy(m["enabled"])
		if p, ok := period(m["period"]); ok {
			out.Rules.Stale.Period = p
		}
	}
	if v, ok := r["inactive"]; ok && truthy(v) {
		m, _ := v.(map[string]interface{})
		out.Rules.Inactive.Enabled = truthy(m["enabled"])
		if p, ok := period(m["period"]); ok {
			out.Rules.Inactive.Period = p
		}
	}
	if v, ok := r["orphaned"]; ok && truthy(v) {
		m, _ := v.(map[string]interface{})
		out.Rules.Orphaned.Enabled = truthy(m["enabled"])
	}
	incompletePattern := DefaultIncompletePattern
	if v, ok := r["incomplete"]; ok && truthy(v) {
		m, _ := v.(map[string]interface{})
		out.Rules.Incomplete.Enabled = truthy(m["enabled"])
		if s, ok := m["pattern"].(string); ok && s != "" {
			incompletePattern = s
		}
	}

	// Legacy keys win for the fields they define.
	if v, ok := r["ageDays"]; ok && v != nil {
		out.Rules.Stale.Enabled = true
		if p, ok := period(v); ok {
			out.Rules.Stale.Period = p
		}
	}
	if v, ok := r["inactivityDays"]; ok && v != nil {
		out.Rules.Inactive.Enabled = true
		if p, ok := period(v); ok {
			out.Rules.Inactive.Period = p
		}
	}
	if v, ok := r["includeOrphaned"]; ok {
		out.Rules.Orphaned.Enabled = truthy(v)
	}
	if v, ok := r["includeIncomplete"]; ok {
		out.Rules.Incomplete.Enabled = truthy(v)
	}

	out.Rules.Incomplete = newIncompleteRule(out.Rules.Incomplete.Enabled, incompletePattern)

	switch wl := raw["whitelist"].(type) {
	case []interface{}:
		out.Whitelist.PageIDs = stringList(wl)
	case map[string]interface{}:
		if ids, ok := wl["pageIds"].([]interface{}); ok {
			out.Whitelist.PageIDs = stringList(ids)
		}
		if keys, ok := wl["spaceKeys"].([]interface{}); ok {
			out.Whitelist.SpaceKeys = stringList(keys)
		}
	}

	return out
}

// ScheduleMode returns settings.schedule.mode, defaulting to manual.
func ScheduleMode(raw map[string]interface{}) string {
	if sched, ok := raw["schedule"].(map[string]interface{}); ok {
		if mode, ok := sched["mode"].(string); ok && mode != "" {
			return mode
		}
	}
	return ScheduleManual
}

// ScheduleCron returns settings.schedule.cron, or "" when unset.
func ScheduleCron(raw map[string]interface{}) string {
	if sched, ok := raw["schedule"].(map[string]interface{}); ok {
		if expr, ok := sched["cron"].(string); ok {
			return strings.TrimSpace(expr)
		}
	}
	return ""
}

// period converts a JSON number or numeric string to whole days. Fractions
// round up so that "days >= period" keeps its meaning for integral day counts.
func period(v interface{}) (int, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Ceil(f)), true
}

// truthy follows loose boolean semantics: zero values, empty strings and nil are false.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0 && !math.IsNaN(b)
	case int:
		return b != 0
	case int64:
		return b != 0
	case string:
		return b != ""
	default:
		return true
	}
}

func stringList(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case float64:
			out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
		case nil:
			out = append(out, "null")
		default:
			b, err := json.Marshal(s)
			if err == nil {
				out = append(out, string(b))
			}
		}
	}
	return out
}
