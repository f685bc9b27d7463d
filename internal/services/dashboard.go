package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
)

const (
	trendWeeks       = 12
	topProblemSpaces = 8
	unknownSpace     = "(unknown)"
)

// primaryFlagOrder decides which flag a page counts under when several are set.
var primaryFlagOrder = []string{"stale", "orphaned", "incomplete", "inactive"}

// WeekValue is one point of a weekly series, labelled YYYY-Www.
type WeekValue struct {
	Week  string `json:"week"`
	Value int    `json:"value"`
}

// ProblemSpace summarizes detected items in one space.
type ProblemSpace struct {
	SpaceKey  string  `json:"spaceKey"`
	Count     int     `json:"count"`
	AvgImpact int     `json:"avgImpact"`
	TopFlag   *string `json:"topFlag"`
}

// Dashboard is the aggregated view of the detected index.
type Dashboard struct {
	Total             int            `json:"total"`
	Archived          int            `json:"archived"`
	Whitelisted       int            `json:"whitelisted"`
	AvgImpact         int            `json:"avgImpact"`
	LastScan          *time.Time     `json:"lastScan"`
	ProblemPagesCount int            `json:"problemPagesCount"`
	ByStatus          map[string]int `json:"byStatus"`
	ByFlag            map[string]int `json:"byFlag"`
	ByPrimaryFlag     map[string]int `json:"byPrimaryFlag"`
	WeeklyTrend       []WeekValue    `json:"weeklyTrend"`
	WeeklyAvgImpact   []WeekValue    `json:"weeklyAvgImpact"`
	ProblemSpaces     []ProblemSpace `json:"problemSpaces"`
}

type DashboardService struct {
	repo  *db.Repository
	clock clock.Clock
}

func NewDashboardService(repo *db.Repository, clk clock.Clock) *DashboardService {
	return &DashboardService{repo: repo, clock: clk}
}

// ISOWeekLabel formats t as its ISO-8601 week, e.g. 2024-W05.
func ISOWeekLabel(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

type spaceAgg struct {
	key       string
	count     int
	impactSum int
	flags     map[string]int
}

// Build aggregates every indexed item.
func (s *DashboardService) Build(ctx context.Context) (*Dashboard, error) {
	total, err := s.repo.CountDetected(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListDetected(ctx)
	if err != nil {
		return nil, err
	}
	lastScan, err := s.repo.GetLastScan(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Total:         total,
		LastScan:      lastScan,
		ByStatus:      map[string]int{},
		ByFlag:        map[string]int{},
		ByPrimaryFlag: map[string]int{},
	}
	for _, st := range []domain.Status{domain.StatusDetected, domain.StatusArchived, domain.StatusWhitelisted, domain.StatusTagged} {
		d.ByStatus[string(st)] = 0
	}
	for _, f := range domain.FlagNames {
		d.ByFlag[f] = 0
		d.ByPrimaryFlag[f] = 0
	}

	weekCount := map[string]int{}
	weekImpact := map[string]int{}
	var spaces []*spaceAgg
	spaceIdx := map[string]*spaceAgg{}
	sumImpact := 0
	now := s.clock.Now()

	for _, it := range items {
		st := string(it.Status)
		if st == "" {
			st = string(domain.StatusDetected)
		}
		d.ByStatus[st]++

		for _, f := range domain.FlagNames {
			if it.Flags.Has(f) {
				d.ByFlag[f]++
			}
		}
		for _, f := range primaryFlagOrder {
			if it.Flags.Has(f) {
				d.ByPrimaryFlag[f]++
				break
			}
		}

		when := it.CreatedAt
		if when.IsZero() {
			when = it.LastUpdated
		}
		if when.IsZero() {
			when = now
		}
		label := ISOWeekLabel(when)
		weekCount[label]++
		weekImpact[label] += it.ImpactScore
		sumImpact += it.ImpactScore

		key := it.SpaceKeyOr(unknownSpace)
		agg := spaceIdx[key]
		if agg == nil {
			agg = &spaceAgg{key: key, flags: map[string]int{}}
			spaceIdx[key] = agg
			spaces = append(spaces, agg)
		}
		agg.count++
		agg.impactSum += it.ImpactScore
		for _, f := range domain.FlagNames {
			if it.Flags.Has(f) {
				agg.flags[f]++
			}
		}
	}

	d.Archived = d.ByStatus[string(domain.StatusArchived)]
	d.Whitelisted = d.ByStatus[string(domain.StatusWhitelisted)]
	d.ProblemPagesCount = d.ByStatus[string(domain.StatusDetected)] + d.ByStatus[string(domain.StatusTagged)]
	if total > 0 {
		d.AvgImpact = roundDiv(sumImpact, total)
	}

	weeks := make([]string, 0, len(weekCount))
	for w := range weekCount {
		weeks = append(weeks, w)
	}
	sort.Strings(weeks)
	if len(weeks) > trendWeeks {
		weeks = weeks[len(weeks)-trendWeeks:]
	}
	d.WeeklyTrend = make([]WeekValue, 0, len(weeks))
	d.WeeklyAvgImpact = make([]WeekValue, 0, len(weeks))
	for _, w := range weeks {
		d.WeeklyTrend = append(d.WeeklyTrend, WeekValue{Week: w, Value: weekCount[w]})
		d.WeeklyAvgImpact = append(d.WeeklyAvgImpact, WeekValue{Week: w, Value: roundDiv(weekImpact[w], weekCount[w])})
	}

	sort.SliceStable(spaces, func(i, j int) bool { return spaces[i].count > spaces[j].count })
	if len(spaces) > topProblemSpaces {
		spaces = spaces[:topProblemSpaces]
	}
	d.ProblemSpaces = make([]ProblemSpace, 0, len(spaces))
	for _, agg := range spaces {
		d.ProblemSpaces = append(d.ProblemSpaces, ProblemSpace{
			SpaceKey:  agg.key,
			Count:     agg.count,
			AvgImpact: roundDiv(agg.impactSum, agg.count),
			TopFlag:   topFlag(agg.flags),
		})
	}
	return d, nil
}

// topFlag returns the most frequent flag, the earliest in FlagNames on ties,
// or nil when no flag is counted.
func topFlag(counts map[string]int) *string {
	best, bestN := "", 0
	for _, f := range domain.FlagNames {
		if counts[f] > bestN {
			best, bestN = f, counts[f]
		}
	}
	if bestN == 0 {
		return nil
	}
	return &best
}

func roundDiv(sum, n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}
