// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ErrModelDirRequired is returned when MODEL_DIR is not set.
var ErrModelDirRequired = errors.New("config: MODEL_DIR is required")

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Pipeline settings
	ModelDir             string `env:"MODEL_DIR, required" json:"model_dir"`
	RunnerPath           string `env:"RUNNER_PATH, default=wan-runner" json:"runner_path"`
	MaxResidentPipelines int    `env:"MAX_RESIDENT_PIPELINES, default=1" json:"max_resident_pipelines"`
	LoadTimeoutSec       int    `env:"LOAD_TIMEOUT_SEC, default=600" json:"load_timeout_sec"`

	// Execution settings
	ExecutionTimeoutSec int `env:"EXECUTION_TIMEOUT_SEC, default=900" json:"execution_timeout_sec"`

	// Encoding settings
	FFmpegPath string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FrameRate  int    `env:"FRAME_RATE, default=16" json:"frame_rate"`

	// Artifact settings
	OutputDir   string `env:"OUTPUT_DIR, default=/tmp/wan-videos" json:"output_dir"`
	KeepOutputs bool   `env:"KEEP_OUTPUTS, default=false" json:"keep_outputs"`

	// Webhook settings
	WebhookTimeoutSec int `env:"WEBHOOK_TIMEOUT_SEC, default=30" json:"webhook_timeout_sec"`
	WebhookMaxRetries int `env:"WEBHOOK_MAX_RETRIES, default=3" json:"webhook_max_retries"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// LoadTimeout returns the pipeline load timeout as a duration.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSec) * time.Second
}

// ExecutionTimeout returns the generation deadline as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSec) * time.Second
}

// WebhookTimeout returns the per-attempt webhook timeout as a duration.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "MODEL_DIR") {
			return nil, ErrModelDirRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return ErrModelDirRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
