// Package config provides configuration management for the paper outline service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the paper outline service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Fetcher contains PDF retrieval settings.
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	// Extraction contains model client settings for outline extraction and
	// section expansion.
	Extraction ExtractionConfig `mapstructure:"extraction"`
	// Pipeline contains orchestration settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 25).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 5).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// FetcherConfig holds PDF retrieval settings.
type FetcherConfig struct {
	// Timeout is the maximum duration for a single download.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxSizeBytes is the maximum PDF size accepted.
	MaxSizeBytes int64 `mapstructure:"max_size_bytes"`
	// UserAgent is the User-Agent header sent with download requests.
	UserAgent string `mapstructure:"user_agent"`
	// AllowPrivateNetworks permits downloads from private IP ranges.
	// Leave disabled in production to prevent SSRF.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"`
}

// ExtractionConfig holds model client settings.
type ExtractionConfig struct {
	// APIKey is the Gemini API key (loaded from PAPEROUTLINE_EXTRACTION_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Model is the model name used for both extraction stages.
	Model string `mapstructure:"model"`
	// BaseURL is the API base URL (for custom endpoints).
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for a single model call.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum number of retries for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between retries; backoff doubles it per attempt.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// MaxOutputTokens caps the model response size.
	MaxOutputTokens int `mapstructure:"max_output_tokens"`
	// RateLimitRPS is the requests per second limit across all model calls.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	// RateLimitBurst is the burst size for the rate limiter.
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	// MaxConcurrentExpansions bounds the section expansion worker pool.
	MaxConcurrentExpansions int `mapstructure:"max_concurrent_expansions"`
	// PartialFailurePolicy decides the outcome when some expansions fail
	// (persist_partial or fail_run).
	PartialFailurePolicy string `mapstructure:"partial_failure_policy"`
	// DedupPolicy decides how an already-processed PDF URL is treated
	// (none or skip).
	DedupPolicy string `mapstructure:"dedup_policy"`
	// ResumeOnStartup re-enters unfinished runs when the service starts.
	ResumeOnStartup bool `mapstructure:"resume_on_startup"`
	// RunTimeout bounds a single end-to-end run.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// MaxConcurrentRuns bounds how many runs are processed at once.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
	// QueueSize bounds how many accepted runs can wait for a worker.
	QueueSize int `mapstructure:"queue_size"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("PAPEROUTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paper-outline-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Extraction.APIKey = os.Getenv("PAPEROUTLINE_EXTRACTION_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "paperoutline")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "paper_outline_service")
	// Default to "require" for production security. Use PAPEROUTLINE_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Fetcher defaults
	v.SetDefault("fetcher.timeout", "60s")
	v.SetDefault("fetcher.max_size_bytes", 52428800) // 50 MiB
	v.SetDefault("fetcher.user_agent", "paper-outline-service/1.0")
	v.SetDefault("fetcher.allow_private_networks", false)

	// Extraction defaults
	// The API key is loaded exclusively from environment variables (see loadSecrets).
	v.SetDefault("extraction.model", "gemini-2.5-flash")
	v.SetDefault("extraction.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("extraction.timeout", "120s")
	v.SetDefault("extraction.max_retries", 3)
	v.SetDefault("extraction.retry_delay", "2s")
	v.SetDefault("extraction.max_output_tokens", 8192)
	v.SetDefault("extraction.rate_limit_rps", 2.0)
	v.SetDefault("extraction.rate_limit_burst", 4)

	// Pipeline defaults
	v.SetDefault("pipeline.max_concurrent_expansions", 4)
	v.SetDefault("pipeline.partial_failure_policy", string(domain.PolicyPersistPartial))
	v.SetDefault("pipeline.dedup_policy", string(domain.DedupNone))
	v.SetDefault("pipeline.resume_on_startup", true)
	v.SetDefault("pipeline.run_timeout", "30m")
	v.SetDefault("pipeline.max_concurrent_runs", 2)
	v.SetDefault("pipeline.queue_size", 64)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate fetcher config
	if c.Fetcher.MaxSizeBytes <= 0 {
		return fmt.Errorf("fetcher max_size_bytes must be positive")
	}

	// Validate extraction config
	if c.Extraction.APIKey == "" {
		return fmt.Errorf("PAPEROUTLINE_EXTRACTION_API_KEY must be set")
	}
	if c.Extraction.Model == "" {
		return fmt.Errorf("extraction model is required")
	}
	if c.Extraction.MaxRetries < 0 {
		return fmt.Errorf("extraction max_retries must not be negative")
	}
	if c.Extraction.RateLimitRPS <= 0 {
		return fmt.Errorf("extraction rate_limit_rps must be positive")
	}

	// Validate pipeline config
	if c.Pipeline.MaxConcurrentExpansions <= 0 {
		return fmt.Errorf("pipeline max_concurrent_expansions must be positive")
	}
	if !domain.PartialFailurePolicy(c.Pipeline.PartialFailurePolicy).Valid() {
		return fmt.Errorf("invalid partial_failure_policy: %s", c.Pipeline.PartialFailurePolicy)
	}
	if !domain.DedupPolicy(c.Pipeline.DedupPolicy).Valid() {
		return fmt.Errorf("invalid dedup_policy: %s", c.Pipeline.DedupPolicy)
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("pipeline max_concurrent_runs must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue_size must be positive")
	}

	return nil
}
