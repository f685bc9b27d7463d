package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/settings"
)

// SchedulerService runs scheduled scans while settings.schedule.mode is
// "auto". The cron expression comes from settings.schedule.cron and falls
// back to the configured default.
type SchedulerService struct {
	repo        *db.Repository
	scanner     *ScanService
	audit       *AuditService
	cron        *cron.Cron
	defaultSpec string

	mu      sync.Mutex
	entryID cron.EntryID
	spec    string
}

func NewSchedulerService(repo *db.Repository, scanner *ScanService, audit *AuditService, defaultSpec string) *SchedulerService {
	return &SchedulerService{
		repo:        repo,
		scanner:     scanner,
		audit:       audit,
		cron:        cron.New(),
		defaultSpec: defaultSpec,
	}
}

func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service...")
	s.cron.Start()
	if err := s.Reload(context.Background()); err != nil {
		logger.Errorf("Failed to load scan schedule: %v", err)
	}
}

func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// ValidateSpec reports whether expr is a valid five-field cron expression.
func ValidateSpec(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// Reload reads the stored settings and installs, replaces or removes the
// scan job accordingly.
func (s *SchedulerService) Reload(ctx context.Context) error {
	raw, err := s.repo.GetSettings(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
		s.spec = ""
	}

	if settings.ScheduleMode(raw) != settings.ScheduleAuto {
		logger.Infof("Scheduled scans disabled (schedule.mode is not auto)")
		return nil
	}

	spec := settings.ScheduleCron(raw)
	if spec == "" {
		spec = s.defaultSpec
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.RunScheduled(context.Background())
	})
	if err != nil {
		return err
	}
	s.entryID = entryID
	s.spec = spec
	logger.Infof("Scheduled scans enabled with schedule %q", spec)
	return nil
}

// ScheduleInfo describes the installed job.
type ScheduleInfo struct {
	Enabled bool       `json:"enabled"`
	Cron    string     `json:"cron,omitempty"`
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Info returns the current schedule.
func (s *SchedulerService) Info() ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return ScheduleInfo{}
	}
	info := ScheduleInfo{Enabled: true, Cron: s.spec}
	if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
		info.NextRun = &next
	}
	return info
}

// RunScheduled is the job body. It re-checks the schedule mode, skips
// silently while another scan is live and audits the outcome.
func (s *SchedulerService) RunScheduled(ctx context.Context) {
	raw, err := s.repo.GetSettings(ctx)
	if err != nil {
		logger.Errorf("Scheduled scan: failed to read settings: %v", err)
		return
	}
	if settings.ScheduleMode(raw) != settings.ScheduleAuto {
		logger.Infof("Scheduled scan skipped: schedule.mode != \"auto\"")
		return
	}

	logger.Infof("Executing scheduled scan")
	res, err := s.scanner.Run(ctx, domain.ScanModeScheduled)
	if errors.Is(err, ErrScanInProgress) {
		logger.Infof("Scheduled scan skipped: another scan in progress")
		return
	}
	if err != nil {
		_ = s.audit.Record(ctx, &domain.AuditEntry{
			Action:  AuditScheduledScanFailed,
			User:    SystemUser,
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}

	logger.Infof("Scheduled scan executed: %d detected in %dms", res.Detected, res.DurationMs)
	_ = s.audit.Record(ctx, &domain.AuditEntry{
		Action: AuditScheduledScan,
		User:   SystemUser,
		Details: map[string]interface{}{
			"detected": res.Detected,
			"duration": res.DurationMs,
		},
	})
}
