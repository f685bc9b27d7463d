package services

import (
	"context"
	"strings"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
)

// ResetResult reports how many detected items a reset removed.
type ResetResult struct {
	Removed int `json:"removed"`
}

// MaintenanceService holds destructive and housekeeping operations.
type MaintenanceService struct {
	repo     *db.Repository
	locks    *LockManager
	audit    *AuditService
	eventBus eventbus.Publisher
}

func NewMaintenanceService(repo *db.Repository, locks *LockManager, audit *AuditService, eb eventbus.Publisher) *MaintenanceService {
	return &MaintenanceService{repo: repo, locks: locks, audit: audit, eventBus: eb}
}

// Confirmed reports whether v is boolean true or the string "RESET" in any case.
func Confirmed(v interface{}) bool {
	switch c := v.(type) {
	case bool:
		return c
	case string:
		return strings.EqualFold(strings.TrimSpace(c), "RESET")
	}
	return false
}

// ResetDetected deletes every indexed detected item and empties the index.
// It is refused while a scan holds a live lock.
func (s *MaintenanceService) ResetDetected(ctx context.Context, confirm interface{}, reason, user string) (*ResetResult, error) {
	if !Confirmed(confirm) {
		return nil, ErrConfirmationRequired
	}
	lock, err := s.locks.Live(ctx)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		return nil, ErrResetWhileScanning
	}

	ids, err := s.repo.GetDetectedIndex(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.DeleteDetected(ctx, ids); err != nil {
		return nil, err
	}
	if err := s.repo.SetDetectedIndex(ctx, []string{}); err != nil {
		return nil, err
	}

	res := &ResetResult{Removed: len(ids)}
	logger.Infof("Detected index reset by %s: %d items removed", user, res.Removed)

	_ = s.audit.Record(ctx, &domain.AuditEntry{
		Action:  AuditResetDetected,
		Status:  "success",
		User:    user,
		Reason:  reason,
		Details: map[string]interface{}{"removed": res.Removed},
	})
	if s.eventBus != nil {
		if err := s.eventBus.Publish(domain.Event{
			AggregateType: domain.AggregateDetected,
			AggregateID:   "index",
			EventType:     domain.DetectedReset,
			UserID:        user,
			EventData:     map[string]interface{}{"removed": res.Removed},
		}); err != nil {
			logger.Warnf("Reset: failed to publish event: %v", err)
		}
	}
	return res, nil
}

// Backup writes a database snapshot and returns its path.
func (s *MaintenanceService) Backup() (string, error) {
	return s.repo.Backup()
}

// Prune runs database housekeeping with the given retention.
func (s *MaintenanceService) Prune(ctx context.Context, retentionDays int) error {
	return s.repo.RunMaintenance(ctx, retentionDays)
}
