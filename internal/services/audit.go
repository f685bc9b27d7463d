package services

import (
	"context"
	"strings"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/logger"
)

// Audit actions written outside of bulk actions.
const (
	AuditScheduledScan       = "scheduled_scan"
	AuditScheduledScanFailed = "scheduled_scan_failed"
	AuditResetDetected       = "reset_detected"
	AuditSettingsSaved       = "settings_saved"

	// SystemUser is recorded for entries not caused by an operator.
	SystemUser = "system"
)

const auditCSVHeader = "id,ts,action,pageId,title,spaceKey,reason"

// AuditPage is one page of the audit log, newest first.
type AuditPage struct {
	Items []domain.AuditEntry `json:"items"`
	Total int                 `json:"total"`
}

// AuditService records and lists the append-only audit log.
type AuditService struct {
	repo *db.Repository
}

func NewAuditService(repo *db.Repository) *AuditService {
	return &AuditService{repo: repo}
}

// Record appends entry. Failures are logged and returned; callers that must
// not fail on audit problems may ignore the error.
func (s *AuditService) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if err := s.repo.AddAuditEntry(ctx, entry); err != nil {
		logger.Errorf("Audit: failed to record %s: %v", entry.Action, err)
		return err
	}
	return nil
}

// List returns page (1-based) of the log. Non-positive arguments select
// page 1 and 20 entries.
func (s *AuditService) List(ctx context.Context, page, pageSize int) (*AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	items, total, err := s.repo.ListAuditEntries(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.AuditEntry{}
	}
	return &AuditPage{Items: items, Total: total}, nil
}

// ExportCSV renders the whole log as CSV, newest first.
func (s *AuditService) ExportCSV(ctx context.Context) (string, int, error) {
	items, total, err := s.repo.ListAuditEntries(ctx, 0, 0)
	if err != nil {
		return "", 0, err
	}
	lines := make([]string, 0, len(items)+1)
	lines = append(lines, auditCSVHeader)
	for _, e := range items {
		lines = append(lines, csvLine(e.ID, formatISO(e.Timestamp), e.Action, e.PageID, e.Title, e.SpaceKey, e.Reason))
	}
	return strings.Join(lines, "\n"), total, nil
}
