package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/logger"
)

type resetRequest struct {
	// Confirm is true or the string "RESET".
	Confirm interface{} `json:"confirm"`
	Reason  string      `json:"reason"`
}

func (s *RESTServer) resetDetected(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err, false)
			return
		}
	}

	res, err := s.maintenance.ResetDetected(c.Request.Context(), req.Confirm, req.Reason, requestUser(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": res.Removed})
}

// backupDatabase writes a backup next to the database and returns its name.
func (s *RESTServer) backupDatabase(c *gin.Context) {
	path, err := s.maintenance.Backup()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Backup failed", err)
		return
	}
	logger.Infof("Database backup created by %s: %s", requestUser(c), path)
	c.JSON(http.StatusOK, gin.H{"ok": true, "file": filepath.Base(path)})
}

func (s *RESTServer) testNotifications(c *gin.Context) {
	if s.notifier == nil || !s.notifier.Enabled() {
		respondServiceUnavailable(c, "Notifications")
		return
	}
	if err := s.notifier.SendTest(); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
