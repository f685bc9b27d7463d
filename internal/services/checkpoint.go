package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/settings"
)

// ScanPhase is the position of a run in its state machine.
type ScanPhase string

const (
	PhaseProcessing ScanPhase = "processing"
	PhaseFinalizing ScanPhase = "finalizing"
)

// ScanProgressState is the resumable position of the page walk.
type ScanProgressState struct {
	// Cursor is nil before the first batch.
	Cursor         *string `json:"cursor"`
	ProcessedCount int     `json:"processedCount"`
}

// ScanState is the durable checkpoint of one scan. The settings snapshot is
// taken when the state is created and stays fixed for the whole run, including
// across resumes.
type ScanState struct {
	Phase           ScanPhase           `json:"phase"`
	Progress        ScanProgressState   `json:"progress"`
	AllProcessedIDs []string            `json:"allProcessedIds"`
	Settings        settings.Normalized `json:"settings"`
	StartedAt       time.Time           `json:"startedAt"`
	Mode            domain.ScanMode     `json:"mode,omitempty"`
}

// Checkpointer loads, saves and clears the scan checkpoint.
type Checkpointer struct {
	store StateStore
	clock clock.Clock
}

func NewCheckpointer(store StateStore, clk clock.Clock) *Checkpointer {
	return &Checkpointer{store: store, clock: clk}
}

// Exists reports whether a checkpoint with a phase is stored.
func (c *Checkpointer) Exists(ctx context.Context) (bool, error) {
	state, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	return state != nil, nil
}

// LoadOrInit returns the stored checkpoint, or a fresh state built from the
// current settings when none is stored or the stored one is unusable.
func (c *Checkpointer) LoadOrInit(ctx context.Context, mode domain.ScanMode) (*ScanState, bool, error) {
	state, err := c.load(ctx)
	if err != nil {
		return nil, false, err
	}
	if state != nil {
		if state.AllProcessedIDs == nil {
			state.AllProcessedIDs = []string{}
		}
		return state, true, nil
	}

	raw, err := c.store.GetSettings(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load settings: %w", err)
	}
	return &ScanState{
		Phase:           PhaseProcessing,
		AllProcessedIDs: []string{},
		Settings:        settings.Normalize(raw),
		StartedAt:       c.clock.Now().UTC(),
		Mode:            mode,
	}, false, nil
}

func (c *Checkpointer) load(ctx context.Context) (*ScanState, error) {
	data, err := c.store.LoadScanState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scan state: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var state ScanState
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warnf("Scan: discarding unreadable checkpoint: %v", err)
		return nil, nil
	}
	if state.Phase == "" {
		logger.Warnf("Scan: discarding checkpoint without phase")
		return nil, nil
	}
	return &state, nil
}

// Save persists state.
func (c *Checkpointer) Save(ctx context.Context, state *ScanState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode scan state: %w", err)
	}
	return c.store.SaveScanState(ctx, data)
}

// Clear deletes the checkpoint. Failures are logged and swallowed.
func (c *Checkpointer) Clear(ctx context.Context) {
	if err := c.store.ClearScanState(ctx); err != nil {
		logger.Warnf("Scan: failed to clear checkpoint (ignored): %v", err)
	}
}
