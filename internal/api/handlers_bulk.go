package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/services"
)

type bulkRequest struct {
	PageIDs []string `json:"pageIds"`
	Action  string   `json:"action"`
	Reason  string   `json:"reason"`
}

func bindBulkRequest(c *gin.Context) (bulkRequest, bool) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return req, false
	}
	if len(req.PageIDs) == 0 {
		respondBadRequest(c, errors.New(ErrMsgNoIDsProvided), true)
		return req, false
	}
	if err := services.ValidateAction(req.Action); err != nil {
		respondServiceError(c, err)
		return req, false
	}
	return req, true
}

func (s *RESTServer) bulkDryRun(c *gin.Context) {
	req, ok := bindBulkRequest(c)
	if !ok {
		return
	}

	res, err := s.bulk.DryRun(c.Request.Context(), req.PageIDs, req.Action)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// bulkApply applies the action page by page. Per-page failures are listed
// in the result; the request itself still succeeds.
func (s *RESTServer) bulkApply(c *gin.Context) {
	req, ok := bindBulkRequest(c)
	if !ok {
		return
	}

	res, err := s.bulk.Apply(c.Request.Context(), services.BulkRequest{
		PageIDs: req.PageIDs,
		Action:  req.Action,
		Reason:  req.Reason,
		User:    requestUser(c),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
