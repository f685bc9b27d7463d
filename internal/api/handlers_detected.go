package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/services"
)

// listParam accepts both repeated (?flags=a&flags=b) and comma-separated
// (?flags=a,b) forms.
func listParam(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func detectedQuery(c *gin.Context) services.DetectedQuery {
	p := ParsePagination(c, DefaultPaginationConfig())
	return services.DetectedQuery{
		Status:    c.Query("status"),
		Flags:     listParam(c, "flags"),
		MinImpact: parseOptionalInt(c.Query("minImpact")),
		Search:    c.Query("search"),
		SortBy:    c.Query("sortBy"),
		SortDir:   c.Query("sortDir"),
		Page:      p.Page,
		PageSize:  p.Limit,
		IDs:       listParam(c, "ids"),
	}
}

func (s *RESTServer) getDetected(c *gin.Context) {
	page, err := s.detected.List(c.Request.Context(), detectedQuery(c))
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *RESTServer) getDetectedItem(c *gin.Context) {
	item, err := s.detected.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondNotFound(c, ErrMsgPageNotFound)
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// exportDetected renders the filtered selection. format=csv and format=html
// download a file; anything else returns both renderings as JSON.
func (s *RESTServer) exportDetected(c *gin.Context) {
	export, err := s.detected.Export(c.Request.Context(), detectedQuery(c))
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	switch c.Query("format") {
	case "csv":
		c.Header("Content-Disposition", "attachment; filename=detected-pages.csv")
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(export.CSV))
	case "html", "xls":
		c.Header("Content-Disposition", "attachment; filename=detected-pages.xls")
		c.Data(http.StatusOK, "application/vnd.ms-excel; charset=utf-8", []byte(export.ExcelHTML))
	default:
		c.JSON(http.StatusOK, export)
	}
}
