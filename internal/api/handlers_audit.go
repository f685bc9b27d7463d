package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *RESTServer) getAudit(c *gin.Context) {
	p := ParsePagination(c, DefaultPaginationConfig())

	page, err := s.audit.List(c.Request.Context(), p.Page, p.Limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      page.Items,
		"total":      page.Total,
		"pagination": NewPaginationResponse(p, page.Total),
	})
}

// exportAudit returns the whole log as CSV, as a download with format=csv.
func (s *RESTServer) exportAudit(c *gin.Context) {
	csv, total, err := s.audit.ExportCSV(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", "attachment; filename=audit-log.csv")
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(csv))
		return
	}
	c.JSON(http.StatusOK, gin.H{"csv": csv, "total": total})
}
