// Package main is the entry point for the compliance backend binary. It
// dispatches subcommands via a simple switch on os.Args so the binary's full
// CLI surface is readable in one place without requiring a cobra dependency.
// The serve command runs auto-migration on startup so freshly deployed
// containers never need a separate migration step.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradeforge/compliance-backend/internal/api"
	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/auth"
	"github.com/tradeforge/compliance-backend/internal/config"
	"github.com/tradeforge/compliance-backend/internal/db"
	"github.com/tradeforge/compliance-backend/internal/db/repositories"
	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "verify":
		chainID := audit.DefaultChainID
		if len(os.Args) > 2 {
			chainID = os.Args[2]
		}
		return verifyChain(cfg, chainID)
	case "token":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: %s token <service-id> <scope>[,<scope>...]", os.Args[0])
		}
		return mintServiceToken(cfg, os.Args[2], os.Args[3])
	case "hash-detector-token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s hash-detector-token <token>", os.Args[0])
		}
		return hashDetectorToken(os.Args[2])
	case "version":
		fmt.Printf("Compliance Backend v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, verify, token, hash-detector-token, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate service token secret configuration (fails in production if not set)
	if err := auth.ValidateServiceSecret(cfg.Security.ServiceTokenSecret); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	log.Println("Service token secret validated successfully")

	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	// Run migrations automatically on startup
	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", schemaVersion, dirty)
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the service ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Create router
	router, bgServices := api.NewRouter(cfg, database)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Base URL: %s", cfg.Server.BaseURL)
		log.Println("Server is ready to accept connections")

		var err error
		if cfg.Security.TLS.Enabled {
			log.Printf("TLS enabled: cert=%s, key=%s", cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiter goroutines
	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", schemaVersion, dirty)
	return nil
}

// verifyChain runs a full integrity verification walk from the command line
// and prints the report as JSON. The process exits non-zero when the chain is
// broken so the command can gate CI and cron checks.
func verifyChain(cfg *config.Config, chainID string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	verifier := audit.NewVerifier(repositories.NewChainStore(database))
	report, err := verifier.Verify(context.Background(), chainID, audit.VerifyRange{})
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !report.IsValid {
		return fmt.Errorf("chain %s is broken at %d point(s)", chainID, len(report.BrokenChains))
	}
	log.Printf("Chain %s verified: %d records intact", chainID, report.VerifiedRecords)
	return nil
}

// mintServiceToken prints a service JWT for the given service id and
// comma-separated scope list. Intended for provisioning internal callers and
// for local testing against a running instance.
func mintServiceToken(cfg *config.Config, serviceID, scopeList string) error {
	if err := auth.ValidateServiceSecret(cfg.Security.ServiceTokenSecret); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	scopes := strings.Split(scopeList, ",")
	token, err := auth.GenerateServiceToken(serviceID, "service", scopes, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// hashDetectorToken prints the bcrypt hash of a detector token for use in
// security.detector_token_hashes.
func hashDetectorToken(token string) error {
	hash, err := auth.HashDetectorToken(token)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	fmt.Println(hash)
	return nil
}
