package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/drogue/internal/downloader"
	"github.com/italolelis/drogue/internal/telemetry"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	StagingDir  string `envconfig:"STAGING_DIR"`
	DBPath      string `envconfig:"DB_PATH" default:"drogue.db"`

	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"3"`
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"24"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"1s"`
	CheckpointBytes    int64         `envconfig:"CHECKPOINT_BYTES" default:"4194304"`
	ChunkSize          int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ReadTimeout        time.Duration `envconfig:"READ_TIMEOUT" default:"60s"`
	ConnectTimeout     time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	BackoffInitial     time.Duration `envconfig:"BACKOFF_INITIAL" default:"1s"`
	BackoffMax         time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
	BackoffMultiplier  float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2"`
	BackoffJitter      float64       `envconfig:"BACKOFF_JITTER" default:"0.2"`
	MaxBytesPerSecond  int64         `envconfig:"MAX_BYTES_PER_SECOND" default:"0"`
	UserAgent          string        `envconfig:"USER_AGENT" default:"drogue"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepOrphanedFor time.Duration `envconfig:"KEEP_ORPHANED_FOR" default:"24h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true" required:"true"`
		Password        string        `split_words:"true" required:"true"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"drogue"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(cfg.DownloadDir, ".drogue")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.DownloadDir == "" {
		errs = append(errs, errors.New("DOWNLOAD_DIR is required"))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL must be at least 1"))
	}

	if c.CheckpointInterval <= 0 || c.CheckpointBytes <= 0 {
		errs = append(errs, errors.New("CHECKPOINT_INTERVAL and CHECKPOINT_BYTES must be positive"))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}

	if c.ReadTimeout <= 0 || c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("READ_TIMEOUT and CONNECT_TIMEOUT must be positive"))
	}

	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, errors.New("BACKOFF_INITIAL must be positive and not above BACKOFF_MAX"))
	}

	if c.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("BACKOFF_MULTIPLIER must be at least 1"))
	}

	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, errors.New("BACKOFF_JITTER must be in [0, 1)"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}

	if c.MaxBytesPerSecond < 0 {
		errs = append(errs, errors.New("MAX_BYTES_PER_SECOND must not be negative"))
	}

	if c.StagingDir != "" && filepath.Clean(c.StagingDir) == filepath.Clean(c.DownloadDir) {
		errs = append(errs, errors.New("STAGING_DIR must differ from DOWNLOAD_DIR"))
	}

	return errors.Join(errs...)
}

// EngineOptions maps the config to the actor options.
func (c *Config) EngineOptions() downloader.Options {
	return downloader.Options{
		DownloadDir:        c.DownloadDir,
		MaxAttempts:        c.MaxAttempts,
		CheckpointInterval: c.CheckpointInterval,
		CheckpointBytes:    c.CheckpointBytes,
		ChunkSize:          c.ChunkSize,
		ReadTimeout:        c.ReadTimeout,
		Backoff: downloader.BackoffOptions{
			Initial:    c.BackoffInitial,
			Max:        c.BackoffMax,
			Multiplier: c.BackoffMultiplier,
			Jitter:     c.BackoffJitter,
		},
	}
}

// ClientOptions maps the config to the HTTP client options.
func (c *Config) ClientOptions() downloader.ClientOptions {
	return downloader.ClientOptions{
		ConnectTimeout:        c.ConnectTimeout,
		ResponseHeaderTimeout: c.ReadTimeout,
		UserAgent:             c.UserAgent,
		MaxBytesPerSecond:     c.MaxBytesPerSecond,
		ChunkSize:             c.ChunkSize,
	}
}

func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: c.Telemetry.ServiceVersion,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
