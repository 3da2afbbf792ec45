// Package bootstrap wires the application's dependencies together.
package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wanvideo/wan-inference-api/internal/config"
	"github.com/wanvideo/wan-inference-api/internal/dispatch"
	"github.com/wanvideo/wan-inference-api/internal/executor"
	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/params"
	"github.com/wanvideo/wan-inference-api/internal/pipeline"
	"github.com/wanvideo/wan-inference-api/internal/storage"
	"github.com/wanvideo/wan-inference-api/internal/webhook"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	// Registry is exposed so the caller can evict resident pipelines on
	// shutdown.
	Registry *pipeline.Registry
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	loader := pipeline.NewProcessLoader(cfg.RunnerPath, cfg.ModelDir, cfg.LoadTimeout(), logger)
	registry := pipeline.NewRegistry(loader, logger,
		pipeline.WithMaxResident(cfg.MaxResidentPipelines),
	)

	exec := executor.New(cfg.ExecutionTimeout(), logger)
	encoder := media.NewFFmpegEncoder(cfg.FFmpegPath, "")

	notifier := webhook.NewClient(
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout()}),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries),
	)

	dispatcher := dispatch.New(
		params.NewValidator(),
		registry,
		exec,
		encoder,
		store,
		notifier,
		logger,
		dispatch.WithFrameRate(cfg.FrameRate),
		dispatch.WithKeepOutputs(cfg.KeepOutputs),
	)

	return &Dependencies{
		Dispatcher: dispatcher,
		Registry:   registry,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.OutputDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("output_dir", cfg.OutputDir),
	)
	return localStore, nil
}
