// Package config loads and validates the compliance backend configuration
// using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CMP_ prefix (e.g., CMP_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment
// variables in containerized deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Anchor    AnchorConfig    `mapstructure:"anchor"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used for the failure window
// and distributed rate limiting. When disabled, both fall back to in-process
// implementations.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuditConfig holds audit chain configuration
type AuditConfig struct {
	// RuleFile is an optional YAML classification rule file; empty means the
	// built-in rule table. When set, the file is watched and hot-reloaded.
	RuleFile string `mapstructure:"rule_file"`
	// FailureWindow is the sliding window for counting repeated failures.
	FailureWindow time.Duration `mapstructure:"failure_window"`
	// MaxAppendRetries bounds append retries after lost write races.
	MaxAppendRetries int `mapstructure:"max_append_retries"`
	// SelfAudit toggles recording of API-surface mutations as audit events.
	SelfAudit bool `mapstructure:"self_audit"`
	// Verification configures the scheduled integrity check job.
	Verification VerificationConfig `mapstructure:"verification"`
	// Export configures streaming of committed records to a SIEM or archive.
	Export ExportConfig `mapstructure:"export"`
}

// ExportConfig holds audit record export configuration. Webhook and file
// destinations may be enabled independently; with both set, records fan out
// to each.
type ExportConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Webhook WebhookExportConfig `mapstructure:"webhook"`
	File    FileExportConfig    `mapstructure:"file"`
}

// WebhookExportConfig holds HTTP export configuration
type WebhookExportConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// BatchSize batches records per request; zero sends each individually.
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// AuthHeader is an optional Authorization header value for the collector.
	AuthHeader string `mapstructure:"auth_header"`
}

// FileExportConfig holds newline-delimited JSON export configuration
type FileExportConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// VerificationConfig holds the scheduled integrity check configuration
type VerificationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Chains lists the chain ids to verify; empty means the default chain.
	Chains []string `mapstructure:"chains"`
}

// AnchorConfig holds checkpoint anchoring configuration
type AnchorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Sink selects the checkpoint destination: local, s3, gcs, or azure.
	Sink  string              `mapstructure:"sink"`
	Local LocalSinkConfig     `mapstructure:"local"`
	S3    S3SinkConfig        `mapstructure:"s3"`
	GCS   GCSSinkConfig       `mapstructure:"gcs"`
	Azure AzureSinkConfig     `mapstructure:"azure"`
	PGP   AnchorSigningConfig `mapstructure:"pgp"`
}

// LocalSinkConfig holds local filesystem sink configuration
type LocalSinkConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3SinkConfig holds S3-compatible sink configuration
type S3SinkConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", or "assume_role".
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSSinkConfig holds Google Cloud Storage sink configuration
type GCSSinkConfig struct {
	Bucket string `mapstructure:"bucket"`
	// CredentialsFile is a service account JSON key path; empty uses
	// Application Default Credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint is an optional custom endpoint for emulators.
	Endpoint string `mapstructure:"endpoint"`
}

// AzureSinkConfig holds Azure Blob Storage sink configuration
type AzureSinkConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// AnchorSigningConfig holds OpenPGP signing configuration for checkpoints
type AnchorSigningConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// PrivateKeyFile is an armored OpenPGP private key used to sign
	// checkpoint payloads before they leave the system.
	PrivateKeyFile string `mapstructure:"private_key_file"`
	Passphrase     string `mapstructure:"passphrase"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// ServiceTokenSecret signs and verifies the service JWTs that internal
	// callers present on every request.
	ServiceTokenSecret string `mapstructure:"service_token_secret"`
	// DetectorTokenHashes are bcrypt hashes of the static tokens upstream
	// violation detectors authenticate with.
	DetectorTokenHashes []string `mapstructure:"detector_token_hashes"`
	CORS                CORSConfig         `mapstructure:"cors"`
	RateLimiting        RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS                 TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.address",
		"redis.password",
		"redis.db",

		// Audit
		"audit.rule_file",
		"audit.failure_window",
		"audit.max_append_retries",
		"audit.self_audit",
		"audit.verification.enabled",
		"audit.verification.interval",
		"audit.verification.chains",
		"audit.export.enabled",
		"audit.export.webhook.url",
		"audit.export.webhook.timeout",
		"audit.export.webhook.batch_size",
		"audit.export.webhook.flush_interval",
		"audit.export.webhook.auth_header",
		"audit.export.file.path",
		"audit.export.file.max_size_mb",
		"audit.export.file.max_backups",

		// Anchor
		"anchor.enabled",
		"anchor.interval",
		"anchor.sink",
		"anchor.local.base_path",
		"anchor.s3.endpoint",
		"anchor.s3.region",
		"anchor.s3.bucket",
		"anchor.s3.auth_method",
		"anchor.s3.access_key_id",
		"anchor.s3.secret_access_key",
		"anchor.s3.role_arn",
		"anchor.s3.role_session_name",
		"anchor.s3.external_id",
		"anchor.gcs.bucket",
		"anchor.gcs.credentials_file",
		"anchor.gcs.endpoint",
		"anchor.azure.account_name",
		"anchor.azure.account_key",
		"anchor.azure.container_name",
		"anchor.pgp.enabled",
		"anchor.pgp.private_key_file",
		"anchor.pgp.passphrase",

		// Security
		"security.service_token_secret",
		"security.detector_token_hashes",
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/compliance-backend")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("CMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Security.ServiceTokenSecret = expandEnv(cfg.Security.ServiceTokenSecret)
	cfg.Audit.Export.Webhook.AuthHeader = expandEnv(cfg.Audit.Export.Webhook.AuthHeader)
	cfg.Anchor.S3.SecretAccessKey = expandEnv(cfg.Anchor.S3.SecretAccessKey)
	cfg.Anchor.Azure.AccountKey = expandEnv(cfg.Anchor.Azure.AccountKey)
	cfg.Anchor.PGP.Passphrase = expandEnv(cfg.Anchor.PGP.Passphrase)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "compliance")
	v.SetDefault("database.user", "compliance")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Audit defaults
	v.SetDefault("audit.rule_file", "")
	v.SetDefault("audit.failure_window", "15m")
	v.SetDefault("audit.max_append_retries", 5)
	v.SetDefault("audit.self_audit", true)
	v.SetDefault("audit.verification.enabled", true)
	v.SetDefault("audit.verification.interval", "1h")
	v.SetDefault("audit.verification.chains", []string{})
	v.SetDefault("audit.export.enabled", false)
	v.SetDefault("audit.export.webhook.timeout", "10s")
	v.SetDefault("audit.export.webhook.batch_size", 0)
	v.SetDefault("audit.export.webhook.flush_interval", "5s")
	v.SetDefault("audit.export.file.max_size_mb", 100)
	v.SetDefault("audit.export.file.max_backups", 5)

	// Anchor defaults
	v.SetDefault("anchor.enabled", false)
	v.SetDefault("anchor.interval", "6h")
	v.SetDefault("anchor.sink", "local")
	v.SetDefault("anchor.local.base_path", "./checkpoints")
	v.SetDefault("anchor.pgp.enabled", false)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "compliance-backend")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}

	if c.Audit.FailureWindow <= 0 {
		return fmt.Errorf("audit.failure_window must be positive")
	}
	if c.Audit.MaxAppendRetries < 1 {
		return fmt.Errorf("audit.max_append_retries must be at least 1")
	}
	if c.Audit.Verification.Enabled && c.Audit.Verification.Interval <= 0 {
		return fmt.Errorf("audit.verification.interval must be positive")
	}
	if c.Audit.Export.Enabled && c.Audit.Export.Webhook.URL == "" && c.Audit.Export.File.Path == "" {
		return fmt.Errorf("audit.export requires a webhook url or a file path when enabled")
	}

	if c.Anchor.Enabled {
		switch c.Anchor.Sink {
		case "local":
			if c.Anchor.Local.BasePath == "" {
				return fmt.Errorf("anchor.local.base_path is required when using the local sink")
			}
		case "s3":
			if c.Anchor.S3.Bucket == "" {
				return fmt.Errorf("anchor.s3.bucket is required when using the s3 sink")
			}
			if c.Anchor.S3.Region == "" {
				return fmt.Errorf("anchor.s3.region is required when using the s3 sink")
			}
		case "gcs":
			if c.Anchor.GCS.Bucket == "" {
				return fmt.Errorf("anchor.gcs.bucket is required when using the gcs sink")
			}
		case "azure":
			if c.Anchor.Azure.AccountName == "" || c.Anchor.Azure.AccountKey == "" || c.Anchor.Azure.ContainerName == "" {
				return fmt.Errorf("anchor.azure.account_name, account_key, and container_name are required when using the azure sink")
			}
		default:
			return fmt.Errorf("invalid anchor sink: %s (must be local, s3, gcs, or azure)", c.Anchor.Sink)
		}
		if c.Anchor.PGP.Enabled && c.Anchor.PGP.PrivateKeyFile == "" {
			return fmt.Errorf("anchor.pgp.private_key_file is required when checkpoint signing is enabled")
		}
	}

	if c.Security.ServiceTokenSecret == "" {
		return fmt.Errorf("security.service_token_secret is required")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
