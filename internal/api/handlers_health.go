package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/config"
	"github.com/mescon/contentguardian/internal/confluence"
	"github.com/mescon/contentguardian/internal/logger"
)

// UpstreamStatus reports the state of the Confluence circuit breaker.
type UpstreamStatus interface {
	BreakerState() confluence.BreakerState
}

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// checkDatabaseHealth checks database connectivity and returns status
func (s *RESTServer) checkDatabaseHealth(ctx context.Context) (gin.H, bool) {
	dbHealth := gin.H{"status": "connected"}

	if err := s.repo.Ping(ctx); err != nil {
		dbHealth["status"] = "error"
		dbHealth["error"] = err.Error()
		return dbHealth, false
	}
	if info, err := os.Stat(config.Get().DatabasePath); err == nil {
		dbHealth["size_bytes"] = info.Size()
	}
	return dbHealth, true
}

// handleHealth returns server health status for container orchestration.
// It must answer within 5 seconds and never calls Confluence.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, healthy := s.checkDatabaseHealth(ctx)

	health := gin.H{
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"database":          dbHealth,
		"websocket_clients": s.hub.ClientCount(),
	}

	if s.upstream != nil {
		state := s.upstream.BreakerState()
		health["confluence"] = gin.H{"circuit": state.String()}
		if state == confluence.BreakerOpen {
			healthy = false
		}
	}

	scan := gin.H{"running": false}
	if s.scanner != nil {
		if run := s.scanner.CurrentRun(); run != nil {
			scan["running"] = true
			scan["run_id"] = run.ID
			scan["processed"] = run.Processed
		}
	}
	if healthy {
		if last, err := s.repo.GetLastScan(ctx); err != nil {
			logger.Debugf("Failed to read last scan time: %v", err)
		} else if last != nil {
			scan["last_scan"] = last
		}
	}
	health["scan"] = scan

	health["status"] = "healthy"
	if !healthy {
		health["status"] = "degraded"
	}
	c.JSON(http.StatusOK, health)
}

// handlePing is a liveness check with no dependencies.
func (s *RESTServer) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"name":      "Content Guardian",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
