// Package api provides the REST API handlers and server for Content Guardian.
// It includes endpoints for triggering scans, reviewing detected pages,
// bulk actions, the audit log, settings and real-time updates via WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/contentguardian/internal/auth"
	"github.com/mescon/contentguardian/internal/config"
	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/metrics"
	"github.com/mescon/contentguardian/internal/notifier"
	"github.com/mescon/contentguardian/internal/services"
)

// userHeader names the caller in audit entries. Requests without it are
// recorded as defaultAPIUser.
const (
	userHeader     = "X-Guardian-User"
	defaultAPIUser = "api"
)

type RESTServer struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *db.Repository
	eventBus    eventbus.Publisher
	scanner     *services.ScanService
	scheduler   *services.SchedulerService
	detected    *services.DetectedService
	bulk        *services.BulkService
	audit       *services.AuditService
	dashboard   *services.DashboardService
	maintenance *services.MaintenanceService
	settings    *services.SettingsService
	notifier    *notifier.Notifier
	metrics     *metrics.MetricsService
	verifier    *auth.Verifier
	upstream    UpstreamStatus
	hub         *WebSocketHub
	apiLimiter  *RateLimiter
	scanLimiter *RateLimiter
	startTime   time.Time
}

// ServerDeps contains all dependencies required for the REST server.
// Metrics, Notifier and Upstream are optional.
type ServerDeps struct {
	Repo        *db.Repository
	EventBus    eventbus.Publisher
	Scanner     *services.ScanService
	Scheduler   *services.SchedulerService
	Detected    *services.DetectedService
	Bulk        *services.BulkService
	Audit       *services.AuditService
	Dashboard   *services.DashboardService
	Maintenance *services.MaintenanceService
	Settings    *services.SettingsService
	Notifier    *notifier.Notifier
	Metrics     *metrics.MetricsService
	Auth        *auth.Verifier
	Upstream    UpstreamStatus
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	r.Use(corsMiddleware(os.Getenv("GUARDIAN_CORS_ORIGIN")))

	verifier := deps.Auth
	if verifier == nil {
		// No key configured: every request is accepted.
		verifier, _ = auth.NewVerifier("")
	}

	s := &RESTServer{
		router:      r,
		repo:        deps.Repo,
		eventBus:    deps.EventBus,
		scanner:     deps.Scanner,
		scheduler:   deps.Scheduler,
		detected:    deps.Detected,
		bulk:        deps.Bulk,
		audit:       deps.Audit,
		dashboard:   deps.Dashboard,
		maintenance: deps.Maintenance,
		settings:    deps.Settings,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		verifier:    verifier,
		upstream:    deps.Upstream,
		hub:         NewWebSocketHub(deps.EventBus),
		apiLimiter:  newAPILimiter(),
		scanLimiter: newScanLimiter(),
		startTime:   time.Now(),
	}

	s.setupRoutes()

	return s
}

// corsMiddleware allows the comma-separated origins in allowed. Without any
// configured origin no CORS header is set and the browser enforces
// same-origin. "*" is meant for development only.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, "+userHeader+", accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *RESTServer) setupRoutes() {
	basePath := config.Get().BasePath

	// Prometheus metrics at root level, not behind the base path, so scrapers
	// need no knowledge of it.
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	var base *gin.RouterGroup
	if basePath == "/" {
		base = s.router.Group("")
	} else {
		base = s.router.Group(basePath)
		s.router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, basePath)
		})
	}

	api := base.Group("/api")
	{
		// Health checks (no authentication required)
		api.GET("/health", s.handleHealth)
		api.GET("/ping", s.handlePing)

		protected := api.Group("")
		protected.Use(s.authMiddleware(), s.apiLimiter.Middleware())
		{
			// Scans
			protected.GET("/scans", s.getScans)
			protected.GET("/scans/current", s.getCurrentScan)
			protected.GET("/scans/schedule", s.getSchedule)
			protected.POST("/scans", s.scanLimiter.Middleware(), s.triggerScan)
			protected.POST("/scans/run", s.scanLimiter.Middleware(), s.runScan)
			protected.POST("/scans/simulate", s.simulateScan)

			// Detected pages
			protected.GET("/detected", s.getDetected)
			protected.GET("/detected/export", s.exportDetected)
			protected.GET("/detected/:id", s.getDetectedItem)

			// Bulk actions
			protected.POST("/bulk/dry-run", s.bulkDryRun)
			protected.POST("/bulk/apply", s.bulkApply)

			// Audit log
			protected.GET("/audit", s.getAudit)
			protected.GET("/audit/export", s.exportAudit)

			protected.GET("/dashboard", s.getDashboard)

			// Settings
			protected.GET("/settings", s.getSettings)
			protected.PUT("/settings", s.saveSettings)
			protected.GET("/settings/effective", s.getEffectiveSettings)

			// Maintenance
			protected.POST("/maintenance/reset", s.resetDetected)
			protected.POST("/maintenance/backup", s.backupDatabase)

			protected.POST("/notifications/test", s.testNotifications)

			// Logs
			protected.GET("/logs/recent", s.handleRecentLogs)
			protected.GET("/logs/download", s.handleDownloadLogs)

			protected.GET("/ws", func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.verifier.Enabled() {
			c.Next()
			return
		}

		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		// Browsers cannot set headers on WebSocket upgrades.
		if token == "" {
			token = c.Query("apikey")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}
		if !s.verifier.Verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		c.Next()
	}
}

// requestUser returns the caller name recorded in audit entries.
func requestUser(c *gin.Context) string {
	if u := strings.TrimSpace(c.GetHeader(userHeader)); u != "" {
		return u
	}
	return defaultAPIUser
}
