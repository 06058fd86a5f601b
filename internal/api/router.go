// Package api wires together all HTTP routes for the compliance backend.
//
// Route grouping philosophy:
//   - Everything under /internal/v1/ is a service-to-service surface: every
//     route requires either a service JWT or a detector token, plus the scope
//     the route names. There is no public, unauthenticated data surface.
//   - /health, /ready, and /version are unauthenticated so orchestrators can
//     probe the process without credentials.
//
// The 401/403 capture middleware sits in front of authentication so rejected
// requests land on the audit chain; successful mutations are self-audited by
// the violation engine and the audit recorder instead, which keeps each action
// recorded exactly once.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/compliance-backend/internal/anchor"
	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/auth"
	"github.com/tradeforge/compliance-backend/internal/config"
	"github.com/tradeforge/compliance-backend/internal/db/repositories"
	"github.com/tradeforge/compliance-backend/internal/jobs"
	"github.com/tradeforge/compliance-backend/internal/middleware"
	"github.com/tradeforge/compliance-backend/internal/telemetry"
	"github.com/tradeforge/compliance-backend/internal/violation"

	// Import anchor sinks to register them
	_ "github.com/tradeforge/compliance-backend/internal/anchor/azure"
	_ "github.com/tradeforge/compliance-backend/internal/anchor/gcs"
	_ "github.com/tradeforge/compliance-backend/internal/anchor/local"
	_ "github.com/tradeforge/compliance-backend/internal/anchor/s3"
)

// BackgroundServices holds references to background jobs and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	integrityChecker *jobs.IntegrityChecker
	anchorJob        *jobs.AnchorJob
	ruleWatcher      *audit.RuleWatcher
	forwarder        audit.Forwarder
	rateLimiters     []*middleware.RateLimiter
	redisClient      *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.integrityChecker != nil {
		bg.integrityChecker.Stop()
	}
	if bg.anchorJob != nil {
		bg.anchorJob.Stop()
	}
	if bg.ruleWatcher != nil {
		bg.ruleWatcher.Stop()
	}
	if bg.forwarder != nil {
		if err := bg.forwarder.Close(); err != nil {
			slog.Warn("audit export close failed", "error", err)
		}
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("redis close failed", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	// Initialize repositories
	chainStore := repositories.NewChainStore(db)
	checkpointStore := repositories.NewCheckpointStore(db)

	// Wrap *sql.DB with sqlx for the violation repository
	sqlxDB := sqlx.NewDb(db, "postgres")
	violationStore := repositories.NewViolationStore(sqlxDB)

	telemetry.StartDBStatsCollector(db)

	// Classifier, with optional hot-reloaded rule file
	classifier := audit.NewClassifier(audit.DefaultRuleSet())
	if cfg.Audit.RuleFile != "" {
		watcher, err := audit.NewRuleWatcher(cfg.Audit.RuleFile, classifier)
		if err != nil {
			log.Fatalf("Failed to load classification rule file: %v", err)
		}
		go watcher.Start(context.Background())
		bg.ruleWatcher = watcher
	}

	// Failure window: Redis when configured so escalation counts are shared
	// across instances, in-process otherwise.
	var failures audit.FailureWindow
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		failures = audit.NewRedisFailureWindow(client, cfg.Audit.FailureWindow)
		bg.redisClient = client
		log.Println("Failure window backed by Redis")
	} else {
		failures = audit.NewMemoryFailureWindow(cfg.Audit.FailureWindow)
	}

	appender := audit.NewAppender(chainStore, audit.WithMaxRetries(cfg.Audit.MaxAppendRetries))

	var recorderOpts []audit.RecorderOption
	if cfg.Audit.Export.Enabled {
		forwarder, err := audit.NewForwarder(exportConfig(cfg))
		if err != nil {
			log.Fatalf("Failed to initialize audit export: %v", err)
		}
		recorderOpts = append(recorderOpts, audit.WithForwarder(forwarder))
		bg.forwarder = forwarder
		log.Println("Audit record export enabled")
	}
	recorder := audit.NewRecorder(classifier, appender, failures, recorderOpts...)
	verifier := audit.NewVerifier(chainStore)
	engine := violation.NewEngine(violationStore, chainStore, recorder)

	// Scheduled integrity verification
	if cfg.Audit.Verification.Enabled {
		checker := jobs.NewIntegrityChecker(verifier, recorder,
			cfg.Audit.Verification.Chains, cfg.Audit.Verification.Interval)
		go checker.Start(context.Background())
		bg.integrityChecker = checker
	}

	// Checkpoint anchoring
	if cfg.Anchor.Enabled {
		sink, err := anchor.NewSink(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize anchor sink: %v", err)
		}
		var signer *anchor.Signer
		if cfg.Anchor.PGP.Enabled {
			signer, err = anchor.NewSigner(cfg.Anchor.PGP.PrivateKeyFile, cfg.Anchor.PGP.Passphrase)
			if err != nil {
				log.Fatalf("Failed to load checkpoint signing key: %v", err)
			}
		}
		anchorJob := jobs.NewAnchorJob(chainStore, checkpointStore, sink, signer,
			cfg.Audit.Verification.Chains, cfg.Anchor.Interval)
		go anchorJob.Start(context.Background())
		bg.anchorJob = anchorJob
		log.Printf("Checkpoint anchoring started (sink: %s)", sink.Name())
	}

	detectors := auth.NewDetectorVerifier(cfg.Security.DetectorTokenHashes)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes anchor sink probe when anchoring is on)
	router.GET("/ready", readinessHandler(db, bg))

	// API version
	router.GET("/version", versionHandler())

	auditHandlers := NewAuditHandlers(recorder, chainStore, verifier, checkpointStore)
	violationHandlers := NewViolationHandlers(engine)

	// Verification walks whole chain ranges; a much tighter budget than the
	// general limiter keeps a misbehaving client from saturating the store.
	verifyLimiter := middleware.NewRateLimiter(middleware.VerifyRateLimitConfig())
	bg.rateLimiters = append(bg.rateLimiters, verifyLimiter)

	internal := router.Group("/internal/v1")
	if cfg.Security.RateLimiting.Enabled {
		rlConfig := middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
			CleanupInterval:   5 * time.Minute,
		}
		if bg.redisClient != nil {
			// With Redis available the limit holds fleet-wide rather than
			// per replica.
			internal.Use(middleware.RedisRateLimitMiddleware(bg.redisClient, rlConfig))
		} else {
			generalLimiter := middleware.NewRateLimiter(rlConfig)
			bg.rateLimiters = append(bg.rateLimiters, generalLimiter)
			internal.Use(middleware.RateLimitMiddleware(generalLimiter))
		}
	}
	if cfg.Audit.SelfAudit {
		internal.Use(middleware.AuditCaptureMiddleware(recorder))
	}
	internal.Use(middleware.AuthMiddleware(detectors))
	{
		auditGroup := internal.Group("/audit")
		{
			auditGroup.POST("/events",
				middleware.RequireScope(auth.ScopeAuditWrite),
				auditHandlers.IngestEventHandler())
			auditGroup.GET("/records",
				middleware.RequireScope(auth.ScopeAuditRead),
				auditHandlers.ListRecordsHandler())
			auditGroup.GET("/records/:id",
				middleware.RequireScope(auth.ScopeAuditRead),
				auditHandlers.GetRecordHandler())
			auditGroup.GET("/checkpoints",
				middleware.RequireScope(auth.ScopeAuditRead),
				auditHandlers.ListCheckpointsHandler())

			verifyGroup := auditGroup.Group("/verify")
			verifyGroup.Use(middleware.RateLimitMiddleware(verifyLimiter))
			verifyGroup.Use(middleware.RequireScope(auth.ScopeAuditVerify))
			{
				verifyGroup.GET("", auditHandlers.VerifyHandler())
				verifyGroup.POST("", auditHandlers.VerifyHandler())
			}
		}

		violationsGroup := internal.Group("/violations")
		{
			violationsGroup.POST("",
				middleware.RequireScope(auth.ScopeViolationsWrite),
				violationHandlers.CreateHandler())
			violationsGroup.GET("",
				middleware.RequireScope(auth.ScopeViolationsRead),
				violationHandlers.ListHandler())
			violationsGroup.GET("/:id",
				middleware.RequireScope(auth.ScopeViolationsRead),
				violationHandlers.GetHandler())
			violationsGroup.POST("/:id/assign",
				middleware.RequireScope(auth.ScopeViolationsWrite),
				violationHandlers.AssignHandler())
			violationsGroup.POST("/:id/escalate",
				middleware.RequireScope(auth.ScopeViolationsWrite),
				violationHandlers.EscalateHandler())
			violationsGroup.POST("/:id/evidence",
				middleware.RequireScope(auth.ScopeViolationsWrite),
				violationHandlers.AddEvidenceHandler())
			violationsGroup.POST("/:id/transition",
				middleware.RequireScope(auth.ScopeViolationsWrite),
				violationHandlers.TransitionHandler())
		}
	}

	return router, bg
}

// exportConfig maps the export config onto the forwarder's own config types.
func exportConfig(cfg *config.Config) audit.ForwarderConfig {
	var fc audit.ForwarderConfig
	if url := cfg.Audit.Export.Webhook.URL; url != "" {
		wc := &audit.WebhookForwarderConfig{
			URL:           url,
			Timeout:       cfg.Audit.Export.Webhook.Timeout,
			BatchSize:     cfg.Audit.Export.Webhook.BatchSize,
			FlushInterval: cfg.Audit.Export.Webhook.FlushInterval,
		}
		if auth := cfg.Audit.Export.Webhook.AuthHeader; auth != "" {
			wc.Headers = map[string]string{"Authorization": auth}
		}
		fc.Webhook = wc
	}
	if path := cfg.Audit.Export.File.Path; path != "" {
		fc.File = &audit.FileForwarderConfig{
			Path:       path,
			MaxSizeMB:  cfg.Audit.Export.File.MaxSizeMB,
			MaxBackups: cfg.Audit.Export.File.MaxBackups,
		}
	}
	return fc
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database connectivity and, when anchoring is enabled, the anchor sink.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service. Unlike the
// liveness probe (/health), a failing readiness gate also covers the audit
// write path's dependencies.
func readinessHandler(db *sql.DB, bg *BackgroundServices) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Check the anchor sink with a known-absent sentinel key. Exists()
		// exercises authentication and network connectivity without creating
		// any state.
		if bg.anchorJob != nil {
			if _, err := bg.anchorJob.Sink().Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["anchor_sink"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "anchor sink not ready",
				})
				return
			}
			checks["anchor_sink"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", strings.Join(cfg.Security.CORS.AllowedMethods, ", "))
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
