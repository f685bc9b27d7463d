package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
)

// Bulk actions.
const (
	ActionArchive   = "archive"
	ActionWhitelist = "whitelist"
	ActionTag       = "tag"
)

// ContentPropertyKey is the page property that records the last decision.
const ContentPropertyKey = "content-guardian"

// Stages reported in BulkError.
const (
	StageArchive   = "archive"
	StageLabel     = "label"
	StageProperty  = "property"
	StageException = "exception"
)

var actionStatus = map[string]domain.Status{
	ActionArchive:   domain.StatusArchived,
	ActionWhitelist: domain.StatusWhitelisted,
	ActionTag:       domain.StatusTagged,
}

var actionLabel = map[string]string{
	ActionArchive:   "content-guardian-archived",
	ActionWhitelist: "content-guardian-whitelist",
	ActionTag:       "content-guardian-keep",
}

// BulkRequest applies one action to a set of pages.
type BulkRequest struct {
	PageIDs []string `json:"pageIds"`
	Action  string   `json:"action"`
	Reason  string   `json:"reason"`
	User    string   `json:"-"`
}

// DryRunCounts previews a bulk action.
type DryRunCounts struct {
	Selected int `json:"selected"`
	Warnings int `json:"warnings"`
}

// DryRunResult is returned by DryRun.
type DryRunResult struct {
	Action string       `json:"action"`
	Counts DryRunCounts `json:"counts"`
}

// BulkError records a failed step for one page.
type BulkError struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// BulkResult is returned by Apply.
type BulkResult struct {
	Updated int         `json:"updated"`
	Errors  []BulkError `json:"errors"`
}

// BulkService applies operator decisions to detected pages, both locally
// and on the content site. Pages are processed independently; one failure
// never rolls back another page.
type BulkService struct {
	repo     *db.Repository
	actions  PageActions
	audit    *AuditService
	eventBus eventbus.Publisher
	clock    clock.Clock
}

func NewBulkService(repo *db.Repository, actions PageActions, audit *AuditService, eb eventbus.Publisher, clk clock.Clock) *BulkService {
	return &BulkService{repo: repo, actions: actions, audit: audit, eventBus: eb, clock: clk}
}

// ValidateAction returns an ErrUnsupportedAction error for unknown actions.
func ValidateAction(action string) error {
	if _, ok := actionStatus[action]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
	return nil
}

// DryRun counts the stored items among ids. Archiving an item that is
// already archived counts as a warning.
func (s *BulkService) DryRun(ctx context.Context, ids []string, action string) (*DryRunResult, error) {
	items, err := s.repo.GetDetectedMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	res := &DryRunResult{Action: action}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		item := items[id]
		if item == nil || seen[id] {
			continue
		}
		seen[id] = true
		res.Counts.Selected++
		if action == ActionArchive && item.Status == domain.StatusArchived {
			res.Counts.Warnings++
		}
	}
	return res, nil
}

// Apply performs req. Missing pages are skipped. Remote calls run only when
// the status changes: archiving first (a failure leaves the page untouched),
// then the label and the content property, whose failures are reported but
// do not block the status update. Every page gets an audit entry.
func (s *BulkService) Apply(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := ValidateAction(req.Action); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	res := &BulkResult{Errors: []BulkError{}}
	for _, id := range req.PageIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.applyOne(ctx, req, id, now, res)
	}

	logger.Infof("Bulk %s by %s: %d updated, %d errors", req.Action, req.User, res.Updated, len(res.Errors))
	if s.eventBus != nil {
		if err := s.eventBus.Publish(domain.Event{
			AggregateType: domain.AggregateDetected,
			AggregateID:   req.Action,
			EventType:     domain.BulkActionApplied,
			UserID:        req.User,
			EventData: map[string]interface{}{
				"action":   req.Action,
				"selected": len(req.PageIDs),
				"updated":  res.Updated,
				"errors":   len(res.Errors),
			},
		}); err != nil {
			logger.Warnf("Bulk: failed to publish event: %v", err)
		}
	}
	return res, nil
}

func (s *BulkService) applyOne(ctx context.Context, req BulkRequest, id string, now time.Time, res *BulkResult) {
	item, err := s.repo.GetDetected(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		s.recordFailure(ctx, req, id, StageException, err, res)
		return
	}

	newStatus := actionStatus[req.Action]
	if newStatus != item.Status {
		if req.Action == ActionArchive {
			if err := s.actions.ArchivePage(ctx, id); err != nil {
				res.Errors = append(res.Errors, BulkError{ID: id, Action: req.Action, Stage: StageArchive, Error: err.Error()})
				s.record(ctx, req, item, "failure", fmt.Sprintf("Action '%s' failed: %v", req.Action, err))
				return
			}
		}
		if err := s.actions.AddLabels(ctx, id, actionLabel[req.Action]); err != nil {
			res.Errors = append(res.Errors, BulkError{ID: id, Action: req.Action, Stage: StageLabel, Error: err.Error()})
		}
		property := map[string]interface{}{
			"action": req.Action,
			"reason": req.Reason,
			"at":     formatISO(now),
		}
		if err := s.actions.SetContentProperty(ctx, id, ContentPropertyKey, property); err != nil {
			res.Errors = append(res.Errors, BulkError{ID: id, Action: req.Action, Stage: StageProperty, Error: err.Error()})
		}

		if err := s.repo.UpdateDetectedStatus(ctx, id, newStatus, now); err != nil {
			s.recordFailure(ctx, req, id, StageException, err, res)
			return
		}
		res.Updated++
	}

	s.record(ctx, req, item, "success", fmt.Sprintf("Action '%s' applied successfully.", req.Action))
}

func (s *BulkService) recordFailure(ctx context.Context, req BulkRequest, id, stage string, err error, res *BulkResult) {
	res.Errors = append(res.Errors, BulkError{ID: id, Action: req.Action, Stage: stage, Error: err.Error()})
	s.record(ctx, req, &domain.DetectedItem{ID: id}, "failure",
		fmt.Sprintf("Action '%s' failed with error: %v", req.Action, err))
}

func (s *BulkService) record(ctx context.Context, req BulkRequest, item *domain.DetectedItem, status, message string) {
	_ = s.audit.Record(ctx, &domain.AuditEntry{
		Action:   req.Action,
		Status:   status,
		User:     req.User,
		PageID:   item.ID,
		Title:    item.Title,
		SpaceKey: item.SpaceKeyOr(""),
		Reason:   req.Reason,
		Details:  map[string]interface{}{"message": message},
	})
}
