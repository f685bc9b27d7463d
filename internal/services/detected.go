package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
)

const (
	SortByImpact  = "impact"
	SortByUpdated = "updated"

	defaultPageSize = 20
)

const detectedCSVHeader = "id,title,spaceKey,impactScore,lastUpdated,status,stale,inactive,orphaned,incomplete"

// DetectedQuery selects, orders and pages detected items. Zero values mean
// no filter, impact descending, page 1 of 20.
type DetectedQuery struct {
	// Status filters on one status; "" and "any" match everything.
	Status string
	// Flags lists flag names that must all be set.
	Flags     []string
	MinImpact *int
	// Search is a case-insensitive substring of the title or space key.
	Search  string
	SortBy  string
	SortDir string

	Page     int
	PageSize int

	// IDs restricts an export to these items.
	IDs []string
}

// DetectedPage is one page of the filtered listing.
type DetectedPage struct {
	Results []*domain.DetectedItem `json:"results"`
	Total   int                    `json:"total"`
}

// DetectedExport holds the CSV and spreadsheet renderings of a selection.
type DetectedExport struct {
	Total     int    `json:"total"`
	CSV       string `json:"csv"`
	ExcelHTML string `json:"excelHtml"`
}

// DetectedService reads the detected-item index for review and export.
type DetectedService struct {
	repo *db.Repository
}

func NewDetectedService(repo *db.Repository) *DetectedService {
	return &DetectedService{repo: repo}
}

// Get returns one item or db.ErrNotFound.
func (s *DetectedService) Get(ctx context.Context, id string) (*domain.DetectedItem, error) {
	return s.repo.GetDetected(ctx, id)
}

// List filters, sorts and pages the indexed items.
func (s *DetectedService) List(ctx context.Context, q DetectedQuery) (*DetectedPage, error) {
	items, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}

	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return &DetectedPage{Results: items[start:end], Total: len(items)}, nil
}

// Export renders every item matching q. Paging fields are ignored.
func (s *DetectedService) Export(ctx context.Context, q DetectedQuery) (*DetectedExport, error) {
	items, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(q.IDs) > 0 {
		want := make(map[string]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			want[id] = struct{}{}
		}
		kept := items[:0]
		for _, it := range items {
			if _, ok := want[it.ID]; ok {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if len(items) == 0 {
		return &DetectedExport{}, nil
	}

	header := strings.Split(detectedCSVHeader, ",")
	csvLines := make([]string, 0, len(items)+1)
	csvLines = append(csvLines, detectedCSVHeader)

	var html strings.Builder
	html.WriteString("<html><body><table><thead><tr>")
	for _, h := range header {
		html.WriteString("<th>" + htmlEsc(h) + "</th>")
	}
	html.WriteString("</tr></thead><tbody>")

	for _, it := range items {
		row := exportRow(it)
		csvLines = append(csvLines, csvLine(row...))
		html.WriteString("<tr>")
		for _, cell := range row {
			html.WriteString("<td>" + htmlEsc(cell) + "</td>")
		}
		html.WriteString("</tr>")
	}
	html.WriteString("</tbody></table></body></html>")

	return &DetectedExport{
		Total:     len(items),
		CSV:       strings.Join(csvLines, "\n"),
		ExcelHTML: html.String(),
	}, nil
}

func exportRow(it *domain.DetectedItem) []string {
	status := string(it.Status)
	if status == "" {
		status = string(domain.StatusDetected)
	}
	return []string{
		it.ID,
		it.Title,
		it.SpaceKeyOr(""),
		strconv.Itoa(it.ImpactScore),
		formatISO(it.LastUpdated),
		status,
		boolString(it.Flags.Stale),
		boolString(it.Flags.Inactive),
		boolString(it.Flags.Orphaned),
		boolString(it.Flags.Incomplete),
	}
}

func (s *DetectedService) query(ctx context.Context, q DetectedQuery) ([]*domain.DetectedItem, error) {
	all, err := s.repo.ListDetected(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	items := make([]*domain.DetectedItem, 0, len(all))
	for _, it := range all {
		if q.Status != "" && q.Status != "any" && string(it.Status) != q.Status {
			continue
		}
		if !hasAllFlags(it.Flags, q.Flags) {
			continue
		}
		if q.MinImpact != nil && it.ImpactScore < *q.MinImpact {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(it.Title), search) &&
			!strings.Contains(strings.ToLower(it.SpaceKeyOr("")), search) {
			continue
		}
		items = append(items, it)
	}

	desc := !strings.EqualFold(q.SortDir, "asc")
	if strings.EqualFold(q.SortBy, SortByUpdated) {
		sort.SliceStable(items, func(i, j int) bool {
			a, b := updatedAt(items[i]), updatedAt(items[j])
			if desc {
				return a.After(b)
			}
			return a.Before(b)
		})
	} else {
		sort.SliceStable(items, func(i, j int) bool {
			if desc {
				return items[i].ImpactScore > items[j].ImpactScore
			}
			return items[i].ImpactScore < items[j].ImpactScore
		})
	}
	return items, nil
}

func hasAllFlags(f domain.Flags, names []string) bool {
	for _, n := range names {
		if !f.Has(n) {
			return false
		}
	}
	return true
}

func updatedAt(it *domain.DetectedItem) time.Time {
	if !it.LastUpdated.IsZero() {
		return it.LastUpdated
	}
	return it.CreatedAt
}
