package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/services"
)

// scanRequest is the optional body of the scan triggers.
type scanRequest struct {
	Mode domain.ScanMode `json:"mode"`
}

// bindScanMode reads the requested mode. An empty body means a real scan.
func bindScanMode(c *gin.Context) (domain.ScanMode, error) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", err
		}
	}
	switch req.Mode {
	case "":
		return domain.ScanModeReal, nil
	case domain.ScanModeReal, domain.ScanModeScheduled, domain.ScanModeSimulated:
		return req.Mode, nil
	default:
		return "", errors.New("mode must be real, scheduled or simulated")
	}
}

// triggerScan starts a scan in the background and returns its run id.
// Simulated scans have nothing to run in the background and are answered
// synchronously.
func (s *RESTServer) triggerScan(c *gin.Context) {
	mode, err := bindScanMode(c)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}
	if mode == domain.ScanModeSimulated {
		s.simulateScan(c)
		return
	}

	runID, err := s.scanner.Start(c.Request.Context(), mode)
	if errors.Is(err, services.ErrScanInProgress) {
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	logger.Infof("Scan %s started by %s via API", runID, requestUser(c))
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "runId": runID, "mode": mode})
}

// runScan runs a scan to completion within the request. A failed run
// answers with the structured result and ok false. The scan is detached from
// the request's cancellation so a dropped client cannot abort it midway.
func (s *RESTServer) runScan(c *gin.Context) {
	mode, err := bindScanMode(c)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	result, err := s.scanner.Run(ctx, mode)
	switch {
	case errors.Is(err, services.ErrScanInProgress):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
	case result != nil && !result.OK:
		c.JSON(http.StatusBadGateway, result)
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *RESTServer) simulateScan(c *gin.Context) {
	result, err := s.scanner.Run(c.Request.Context(), domain.ScanModeSimulated)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getScans lists scan history, newest first.
func (s *RESTServer) getScans(c *gin.Context) {
	p := ParsePagination(c, DefaultPaginationConfig())

	runs, total, err := s.repo.ListScanRuns(c.Request.Context(), p.Limit, p.Offset)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       runs,
		"pagination": NewPaginationResponse(p, total),
	})
}

// getCurrentScan reports the run in progress in this process, the stored
// lock and whether a checkpoint is waiting to be resumed.
func (s *RESTServer) getCurrentScan(c *gin.Context) {
	ctx := c.Request.Context()

	lock, err := s.scanner.Locks().Live(ctx)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	state, err := s.repo.LoadScanState(ctx)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":        s.scanner.CurrentRun(),
		"lock":       lock,
		"checkpoint": state != nil,
	})
}

func (s *RESTServer) getSchedule(c *gin.Context) {
	if s.scheduler == nil {
		respondServiceUnavailable(c, "Scheduler")
		return
	}
	c.JSON(http.StatusOK, s.scheduler.Info())
}
