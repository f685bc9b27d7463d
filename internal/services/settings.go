package services

import (
	"context"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/settings"
)

// ScheduleReloader is notified after settings change. *SchedulerService
// implements it.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// SettingsView pairs the stored document with the rules the scanner derives
// from it.
type SettingsView struct {
	Settings  map[string]interface{} `json:"settings"`
	Effective settings.Normalized    `json:"effective"`
}

// SettingsService stores the raw settings document.
type SettingsService struct {
	repo     *db.Repository
	audit    *AuditService
	reloader ScheduleReloader
	eventBus eventbus.Publisher
}

func NewSettingsService(repo *db.Repository, audit *AuditService, reloader ScheduleReloader, eb eventbus.Publisher) *SettingsService {
	return &SettingsService{repo: repo, audit: audit, reloader: reloader, eventBus: eb}
}

// Get returns the stored settings object, {} when none was saved.
func (s *SettingsService) Get(ctx context.Context) (map[string]interface{}, error) {
	return s.repo.GetSettings(ctx)
}

// Effective returns the stored object with its normalized interpretation.
func (s *SettingsService) Effective(ctx context.Context) (*SettingsView, error) {
	raw, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &SettingsView{Settings: raw, Effective: settings.Normalize(raw)}, nil
}

// Save validates and stores raw verbatim, then reloads the schedule. A cron
// expression under schedule.cron must parse.
func (s *SettingsService) Save(ctx context.Context, raw map[string]interface{}, user string) error {
	if raw == nil {
		return ErrSettingsRequired
	}
	if expr := settings.ScheduleCron(raw); expr != "" {
		if err := ValidateSpec(expr); err != nil {
			return err
		}
	}
	if err := s.repo.SaveSettings(ctx, raw); err != nil {
		return err
	}

	mode := settings.ScheduleMode(raw)
	logger.Infof("Settings saved by %s (schedule mode %s)", user, mode)
	if s.reloader != nil {
		if err := s.reloader.Reload(ctx); err != nil {
			logger.Errorf("Failed to reload scan schedule: %v", err)
		}
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, &domain.AuditEntry{
			Action:  AuditSettingsSaved,
			Status:  "success",
			User:    user,
			Details: map[string]interface{}{"scheduleMode": mode},
		})
	}
	if s.eventBus != nil {
		if err := s.eventBus.Publish(domain.Event{
			AggregateType: domain.AggregateSettings,
			AggregateID:   "settings",
			EventType:     domain.SettingsUpdated,
			UserID:        user,
			EventData:     map[string]interface{}{"scheduleMode": mode},
		}); err != nil {
			logger.Warnf("Settings: failed to publish event: %v", err)
		}
	}
	return nil
}
