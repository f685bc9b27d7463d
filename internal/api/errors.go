package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/services"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgDatabaseError      = "Database error"
	ErrMsgInvalidRequest     = "Invalid request"
	ErrMsgServiceUnavailable = "Service unavailable"
	ErrMsgInternalError      = "Internal server error"
	ErrMsgNoIDsProvided      = "No IDs provided"
	ErrMsgPageNotFound       = "Page"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

// respondDatabaseError handles database errors consistently
func respondDatabaseError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgDatabaseError, err)
}

// respondBadRequest handles bad request errors, optionally exposing the error message
// Use exposeError=true only for validation errors safe to show users
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

// respondNotFound handles not found errors
func respondNotFound(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}

// respondServiceUnavailable handles service unavailable errors
func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}

// respondServiceError maps the service sentinel errors to status codes.
// Their messages are written for users and are exposed as is.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrScanInProgress), errors.Is(err, services.ErrResetWhileScanning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrConfirmationRequired),
		errors.Is(err, services.ErrUnsupportedAction),
		errors.Is(err, services.ErrSettingsRequired),
		errors.Is(err, services.ErrInvalidSchedule):
		respondBadRequest(c, err, true)
	case errors.Is(err, db.ErrNotFound):
		respondNotFound(c, ErrMsgPageNotFound)
	default:
		respondDatabaseError(c, err)
	}
}
