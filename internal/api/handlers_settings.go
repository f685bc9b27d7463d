package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/logger"
)

func (s *RESTServer) getDashboard(c *gin.Context) {
	d, err := s.dashboard.Build(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *RESTServer) getSettings(c *gin.Context) {
	raw, err := s.settings.Get(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": raw})
}

func (s *RESTServer) getEffectiveSettings(c *gin.Context) {
	view, err := s.settings.Effective(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// saveSettings stores the "settings" object of the body verbatim.
func (s *RESTServer) saveSettings(c *gin.Context) {
	var body struct {
		Settings map[string]interface{} `json:"settings"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err, false)
		return
	}

	user := requestUser(c)
	if err := s.settings.Save(c.Request.Context(), body.Settings, user); err != nil {
		respondServiceError(c, err)
		return
	}

	logger.Infof("Settings updated by %s", user)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
