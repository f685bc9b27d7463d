package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/rules"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// ScanOptions tunes a ScanService. Zero values select the defaults.
type ScanOptions struct {
	BatchSize   int
	Concurrency int
	LockTTL     time.Duration

	// Locks and State default to the repository when nil.
	Locks LockStore
	State StateStore
}

// ScanResult summarizes one run. A failed run has OK false and Error set.
type ScanResult struct {
	OK         bool            `json:"ok"`
	Mode       domain.ScanMode `json:"mode"`
	RunID      string          `json:"runId,omitempty"`
	Detected   int             `json:"detected"`
	Created    int             `json:"created"`
	Total      int             `json:"total"`
	DurationMs int64           `json:"duration"`
	LastScan   *time.Time      `json:"lastScan"`
	Resumed    bool            `json:"resumed,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ScanService walks every page of the content source, evaluates it against
// the detection rules and maintains the detected-item index.
//
// A run is one sequential worker. It checkpoints after every batch so that a
// crash or restart resumes at the last cursor, and it holds the advisory scan
// lock for its whole lifetime. ScanService is the only component that takes
// that lock; triggers call Run or Start and handle ErrScanInProgress.
type ScanService struct {
	repo       *db.Repository
	source     PageSource
	eventBus   eventbus.Publisher
	clock      clock.Clock
	lock       *LockManager
	checkpoint *Checkpointer

	batchSize   int
	concurrency int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active *db.ScanRun
}

func NewScanService(repo *db.Repository, source PageSource, eb eventbus.Publisher, clk clock.Clock, opts ScanOptions) *ScanService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Locks == nil {
		opts.Locks = repo
	}
	if opts.State == nil {
		opts.State = repo
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanService{
		repo:        repo,
		source:      source,
		eventBus:    eb,
		clock:       clk,
		lock:        NewLockManager(opts.Locks, clk, opts.LockTTL),
		checkpoint:  NewCheckpointer(opts.State, clk),
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Locks exposes the lock manager so other services can check for a live scan.
func (s *ScanService) Locks() *LockManager {
	return s.lock
}

// Run executes a scan synchronously. Simulated runs only report the current
// index size. ErrScanInProgress is returned when another run holds the lock.
func (s *ScanService) Run(ctx context.Context, mode domain.ScanMode) (*ScanResult, error) {
	if mode == domain.ScanModeSimulated {
		return s.simulate(ctx)
	}
	acquired, err := s.lock.Acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrScanInProgress
	}
	return s.runLocked(ctx, mode, uuid.New().String())
}

// Start acquires the lock and runs the scan in the background. The returned
// run id identifies the run in history and events.
func (s *ScanService) Start(ctx context.Context, mode domain.ScanMode) (string, error) {
	if mode == domain.ScanModeSimulated {
		return "", fmt.Errorf("%w: simulated scans run synchronously", ErrUnsupportedAction)
	}
	acquired, err := s.lock.Acquire(ctx, mode)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrScanInProgress
	}

	runID := uuid.New().String()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.runLocked(s.baseCtx, mode, runID)
	}()
	return runID, nil
}

// ResumePending restarts an interrupted scan in the background when a
// checkpoint is stored. Runs left in "running" state by a crash are closed first.
func (s *ScanService) ResumePending(ctx context.Context) error {
	if n, err := s.repo.MarkInterruptedScanRuns(ctx); err != nil {
		logger.Warnf("Scan: failed to close interrupted runs: %v", err)
	} else if n > 0 {
		logger.Infof("Scan: marked %d interrupted run(s) as failed", n)
	}

	pending, err := s.checkpoint.Exists(ctx)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	runID, err := s.Start(ctx, domain.ScanModeReal)
	if errors.Is(err, ErrScanInProgress) {
		logger.Infof("Scan: checkpoint found but a scan is already running")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Infof("Scan: resuming interrupted scan as run %s", runID)
	return nil
}

// CurrentRun returns a copy of the run in progress, or nil.
func (s *ScanService) CurrentRun() *db.ScanRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	run := *s.active
	return &run
}

// Shutdown cancels a background run and waits briefly for it to stop. The
// checkpoint is left in place so the next start resumes the run.
func (s *ScanService) Shutdown() {
	logger.Infof("Scanner: initiating graceful shutdown...")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Scanner: all scans stopped")
	case <-time.After(5 * time.Second):
		logger.Infof("Scanner: timeout waiting for scan, checkpoint kept for resumption")
	}
}

func (s *ScanService) simulate(ctx context.Context) (*ScanResult, error) {
	idx, err := s.repo.GetDetectedIndex(ctx)
	if err != nil {
		return nil, err
	}
	lastScan, err := s.repo.GetLastScan(ctx)
	if err != nil {
		return nil, err
	}
	return &ScanResult{
		OK:       true,
		Mode:     domain.ScanModeSimulated,
		Created:  0,
		Total:    len(idx),
		LastScan: lastScan,
	}, nil
}

// runLocked performs a real scan. The caller must have acquired the lock;
// it is released here on every path.
func (s *ScanService) runLocked(ctx context.Context, mode domain.ScanMode, runID string) (*ScanResult, error) {
	defer func() {
		if err := s.lock.Release(context.Background()); err != nil {
			logger.Warnf("Scan %s: failed to release lock (ignored): %v", runID, err)
		}
	}()

	start := s.clock.Now()
	result := &ScanResult{Mode: mode, RunID: runID}
	run := &db.ScanRun{ID: runID, Mode: mode, StartedAt: start.UTC()}

	state, resumed, err := s.checkpoint.LoadOrInit(ctx, mode)
	if err != nil {
		return s.fail(run, result, start, err)
	}
	result.Resumed = resumed
	run.Resumed = resumed
	run.Processed = state.Progress.ProcessedCount

	if err := s.repo.CreateScanRun(ctx, run); err != nil {
		logger.Warnf("Scan %s: failed to record run (continuing): %v", runID, err)
	}
	s.setActive(run)
	defer s.setActive(nil)

	if resumed {
		logger.Infof("Scan %s: resuming %s scan at %d processed pages", runID, mode, state.Progress.ProcessedCount)
	} else {
		logger.Infof("Scan %s: starting %s scan", runID, mode)
	}
	s.publish(domain.ScanStarted, runID, domain.ScanEventData{
		RunID:     runID,
		Mode:      string(mode),
		Processed: int64(state.Progress.ProcessedCount),
		Resumed:   resumed,
	})

	for state.Phase == PhaseProcessing {
		if err := ctx.Err(); err != nil {
			return s.fail(run, result, start, fmt.Errorf("scan interrupted: %w", err))
		}

		created, err := s.processBatch(ctx, state)
		if err != nil {
			return s.fail(run, result, start, err)
		}
		result.Created += created
		run.Processed = state.Progress.ProcessedCount

		if state.Phase != PhaseProcessing {
			break
		}

		if err := s.checkpoint.Save(ctx, state); err != nil {
			return s.fail(run, result, start, fmt.Errorf("save checkpoint: %w", err))
		}
		if err := s.lock.Heartbeat(ctx, mode); err != nil {
			logger.Warnf("Scan %s: heartbeat refresh failed (ignored): %v", runID, err)
		}
		if err := s.repo.UpdateScanRunProgress(ctx, runID, run.Processed); err != nil {
			logger.Debugf("Scan %s: failed to record progress: %v", runID, err)
		}
		s.setActive(run)
		s.publish(domain.ScanProgress, runID, domain.ScanEventData{
			RunID:     runID,
			Mode:      string(mode),
			Processed: int64(run.Processed),
			Detected:  int64(len(state.AllProcessedIDs)),
		})
	}

	detected, total, lastScan, err := s.finalize(ctx, state)
	if err != nil {
		return s.fail(run, result, start, fmt.Errorf("finalize scan: %w", err))
	}
	s.checkpoint.Clear(ctx)

	result.OK = true
	result.Detected = detected
	result.Total = total
	result.LastScan = &lastScan
	result.DurationMs = s.clock.Now().Sub(start).Milliseconds()

	run.Status = db.ScanRunCompleted
	run.Detected = detected
	run.Total = total
	s.finishRun(run)

	logger.Infof("Scan %s: completed: %d pages processed, %d detected, index size %d (%dms)",
		runID, run.Processed, detected, total, result.DurationMs)
	s.publish(domain.ScanCompleted, runID, domain.ScanEventData{
		RunID:      runID,
		Mode:       string(mode),
		Processed:  int64(run.Processed),
		Detected:   int64(detected),
		Total:      int64(total),
		DurationMs: float64(result.DurationMs),
		Resumed:    resumed,
	})
	return result, nil
}

// fail records a failed run. The checkpoint is kept for the next attempt.
func (s *ScanService) fail(run *db.ScanRun, result *ScanResult, start time.Time, err error) (*ScanResult, error) {
	logger.Errorf("Scan %s: failed: %v", run.ID, err)

	result.OK = false
	result.Error = err.Error()
	result.DurationMs = s.clock.Now().Sub(start).Milliseconds()

	run.Status = db.ScanRunFailed
	run.ErrorMessage = err.Error()
	s.finishRun(run)

	s.publish(domain.ScanFailed, run.ID, domain.ScanEventData{
		RunID:      run.ID,
		Mode:       string(run.Mode),
		Processed:  int64(run.Processed),
		DurationMs: float64(result.DurationMs),
		Error:      err.Error(),
		Resumed:    run.Resumed,
	})
	return result, err
}

func (s *ScanService) finishRun(run *db.ScanRun) {
	completed := s.clock.Now().UTC()
	run.CompletedAt = &completed
	if err := s.repo.FinishScanRun(context.Background(), run); err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Warnf("Scan %s: failed to record run result: %v", run.ID, err)
	}
}

// pageLookup holds the remote facts gathered for one page before evaluation.
type pageLookup struct {
	spaceKey    string
	whitelisted bool
	hasChildren *bool
}

// processBatch fetches the batch at the state's cursor, evaluates and stores
// its flagged pages, and advances the state. It returns how many detected
// records were created rather than updated.
func (s *ScanService) processBatch(ctx context.Context, state *ScanState) (int, error) {
	batch, err := s.source.FetchPageBatch(ctx, state.Progress.Cursor, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch page batch: %w", err)
	}
	if len(batch.Items) == 0 {
		state.Phase = PhaseFinalizing
		return 0, nil
	}

	ids := make([]string, len(batch.Items))
	for i, p := range batch.Items {
		ids[i] = p.ID
	}
	existing, err := s.repo.GetDetectedMany(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load existing items: %w", err)
	}

	lookups, err := s.lookupBatch(ctx, state, batch.Items)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	created := 0
	for i, p := range batch.Items {
		look := lookups[i]
		if look.whitelisted {
			continue
		}

		createdAt := now.UTC()
		if p.CreatedAt != nil {
			createdAt = p.CreatedAt.UTC()
		}
		lastUpdated := createdAt
		if p.UpdatedAt != nil {
			lastUpdated = p.UpdatedAt.UTC()
		}

		res := rules.Evaluate(rules.Input{
			Title:       p.Title,
			LastUpdated: lastUpdated,
			HasChildren: look.hasChildren,
		}, &state.Settings, now)
		if !res.Flagged() {
			continue
		}

		item := &domain.DetectedItem{
			ID:          p.ID,
			Title:       p.Title,
			CreatedAt:   createdAt,
			LastUpdated: lastUpdated,
			Flags:       res.Flags,
			ImpactScore: res.ImpactScore,
			Status:      domain.StatusDetected,
		}
		if look.spaceKey != "" {
			key := look.spaceKey
			item.SpaceKey = &key
		}
		prev := existing[p.ID]
		if prev != nil && prev.Status.Decided() {
			item.Status = prev.Status
			item.StatusAt = prev.StatusAt
		}
		if prev == nil {
			created++
		}

		if err := s.repo.UpsertDetected(ctx, item); err != nil {
			return created, fmt.Errorf("store detected item %s: %w", p.ID, err)
		}
		state.AllProcessedIDs = append(state.AllProcessedIDs, p.ID)
	}

	state.Progress.ProcessedCount += len(batch.Items)
	if batch.NextCursor == nil || *batch.NextCursor == "" {
		state.Phase = PhaseFinalizing
	} else {
		next := *batch.NextCursor
		state.Progress.Cursor = &next
	}
	return created, nil
}

// lookupBatch resolves space keys, applies the whitelist and checks for child
// pages with bounded concurrency. Lookup failures resolve to values that never
// whitelist and never flag.
func (s *ScanService) lookupBatch(ctx context.Context, state *ScanState, pages []domain.PageRecord) ([]pageLookup, error) {
	out := make([]pageLookup, len(pages))
	checkChildren := state.Settings.Rules.Orphaned.Enabled

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range pages {
		i, p := i, pages[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			look := &out[i]

			if state.Settings.WhitelistsPage(p.ID) {
				look.whitelisted = true
				return nil
			}
			if p.SpaceID != "" {
				key, err := s.source.ResolveSpaceKey(gctx, p.SpaceID)
				if err != nil {
					logger.Debugf("Scan: space key lookup failed for page %s (space %s): %v", p.ID, p.SpaceID, err)
				} else {
					look.spaceKey = key
				}
			}
			if state.Settings.WhitelistsSpace(look.spaceKey) {
				look.whitelisted = true
				return nil
			}
			if checkChildren {
				has, err := s.source.HasChildren(gctx, p.ID)
				if err != nil {
					logger.Warnf("Scan: child lookup failed for page %s, not flagging as orphaned: %v", p.ID, err)
				} else {
					look.hasChildren = &has
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("page lookups: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("page lookups: %w", err)
	}
	return out, nil
}

// finalize rebuilds the index from this run's ids plus previously indexed
// items that carry an operator decision, and records the scan time.
func (s *ScanService) finalize(ctx context.Context, state *ScanState) (detected, total int, lastScan time.Time, err error) {
	prev, err := s.repo.GetDetectedIndex(ctx)
	if err != nil {
		return 0, 0, time.Time{}, err
	}

	seen := make(map[string]struct{}, len(state.AllProcessedIDs)+len(prev))
	finalIDs := make([]string, 0, len(state.AllProcessedIDs)+len(prev))
	for _, id := range state.AllProcessedIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		finalIDs = append(finalIDs, id)
	}
	detected = len(finalIDs)

	var check []string
	for _, id := range prev {
		if _, ok := seen[id]; !ok {
			check = append(check, id)
		}
	}
	if len(check) > 0 {
		items, err := s.repo.GetDetectedMany(ctx, check)
		if err != nil {
			return 0, 0, time.Time{}, err
		}
		for _, id := range check {
			if _, dup := seen[id]; dup {
				continue
			}
			if item := items[id]; item != nil && item.Status.Decided() {
				seen[id] = struct{}{}
				finalIDs = append(finalIDs, id)
			}
		}
	}

	if err := s.repo.SetDetectedIndex(ctx, finalIDs); err != nil {
		return 0, 0, time.Time{}, err
	}
	lastScan = s.clock.Now().UTC()
	if err := s.repo.SetLastScan(ctx, lastScan); err != nil {
		return 0, 0, time.Time{}, err
	}
	return detected, len(finalIDs), lastScan, nil
}

func (s *ScanService) setActive(run *db.ScanRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run == nil {
		s.active = nil
		return
	}
	cp := *run
	s.active = &cp
}

func (s *ScanService) publish(t domain.EventType, runID string, data domain.ScanEventData) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(domain.Event{
		AggregateType: domain.AggregateScan,
		AggregateID:   runID,
		EventType:     t,
		EventData:     data.Map(),
	}); err != nil {
		logger.Warnf("Scan %s: failed to publish %s: %v", runID, t, err)
	}
}
