// Package dispatch orchestrates one generation request end to end: validate,
// acquire a pipeline, execute, encode, package and deliver. It owns the
// per-request state machine and the sync-versus-webhook delivery decision.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/executor"
	"github.com/wanvideo/wan-inference-api/internal/job"
	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/metrics"
	"github.com/wanvideo/wan-inference-api/internal/params"
	"github.com/wanvideo/wan-inference-api/internal/pipeline"
	"github.com/wanvideo/wan-inference-api/internal/result"
	"github.com/wanvideo/wan-inference-api/internal/storage"
	"github.com/wanvideo/wan-inference-api/internal/webhook"
)

// Stable error codes for failures past validation (validation codes live in
// the params package).
const (
	CodeModelLoadError    = "MODEL_LOAD_ERROR"
	CodeExecutionTimeout  = "EXECUTION_TIMEOUT"
	CodeGenerationFailure = "GENERATION_FAILURE"
	CodeEncodingError     = "ENCODING_ERROR"
	CodeStorageError      = "STORAGE_ERROR"
	CodeWebhookFailure    = "WEBHOOK_FAILURE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Request is the top-level wire request: the generation input plus delivery
// options.
type Request struct {
	// Input carries the generation parameters.
	Input params.Request `json:"input"`
	// Webhook, when set, switches the request to async delivery: the caller
	// gets an immediate acknowledgment and the envelope is POSTed here.
	Webhook string `json:"webhook,omitempty"`
	// PushToS3 requests publication of the video to object storage; the
	// envelope then carries video_url instead of inline base64.
	PushToS3 bool `json:"push_to_s3,omitempty"`
}

// Dispatcher wires the validation, registry, executor, encoder, packager and
// delivery components together.
type Dispatcher struct {
	validator *params.Validator
	registry  *pipeline.Registry
	executor  *executor.Executor
	encoder   media.Encoder
	store     storage.Storage
	notifier  webhook.Notifier
	logger    *slog.Logger

	frameRate   int
	keepOutputs bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFrameRate sets the output frame rate for encoded videos.
func WithFrameRate(fps int) Option {
	return func(d *Dispatcher) {
		if fps > 0 {
			d.frameRate = fps
		}
	}
}

// WithKeepOutputs keeps a local artifact copy of every generated video.
func WithKeepOutputs(keep bool) Option {
	return func(d *Dispatcher) {
		d.keepOutputs = keep
	}
}

// New creates a Dispatcher. The frame rate defaults to 16, matching the
// model's native export rate.
func New(
	validator *params.Validator,
	registry *pipeline.Registry,
	exec *executor.Executor,
	encoder media.Encoder,
	store storage.Storage,
	notifier webhook.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		validator: validator,
		registry:  registry,
		executor:  exec,
		encoder:   encoder,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		frameRate: 16,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare validates the raw request and returns a job in VALIDATED state.
// On validation failure the returned job is already ERRORED, no pipeline
// handle has been acquired, and the error carries the stable code.
func (d *Dispatcher) Prepare(req Request) (*job.Job, error) {
	j := job.New()
	j.WebhookURL = req.Webhook
	j.PublishResult = req.PushToS3

	cfg, err := d.validator.Validate(req.Input)
	if err != nil {
		code, msg := classify(err)
		_ = j.Fail(code, msg)
		metrics.GenerationsTotal.WithLabelValues(labelMode(j), code).Inc()
		d.logger.Warn("request rejected",
			slog.String("job_id", j.ID),
			slog.String("code", code),
			slog.String("error", msg),
		)
		return j, err
	}

	if err := j.Validate(cfg); err != nil {
		return j, err
	}

	d.logger.Info("request validated",
		slog.String("job_id", j.ID),
		slog.String("mode", string(cfg.Mode)),
		slog.String("resolution", string(cfg.Resolution)),
		slog.Int("num_frames", cfg.NumFrames),
		slog.Int64("seed", cfg.Seed),
		slog.Bool("async", j.WebhookURL != ""),
	)
	return j, nil
}

// Execute runs a validated job through generation and encoding and returns
// the finished envelope. The pipeline handle is always released before
// Execute returns, success or not, and always before any webhook delivery.
func (d *Dispatcher) Execute(ctx context.Context, j *job.Job) (result.Envelope, error) {
	if j.State() != job.StateValidated {
		return d.fail(j, CodeInternalError, fmt.Errorf("dispatch: execute called in state %s", j.State()))
	}

	key := pipeline.Key{Mode: j.Config.Mode, Resolution: j.Config.Resolution}
	h, err := d.registry.Acquire(ctx, key)
	if err != nil {
		code, _ := classify(err)
		return d.fail(j, code, err)
	}

	_ = j.TransitionTo(job.StateExecuting)
	start := time.Now()
	frames, err := d.executor.Run(ctx, j, h)
	elapsed := time.Since(start)

	// The device-holding critical section ends here, before encoding and
	// delivery.
	d.registry.Release(h)

	if err != nil {
		code, _ := classify(err)
		return d.fail(j, code, err)
	}

	metrics.GenerationDuration.
		WithLabelValues(string(j.Config.Mode), string(j.Config.Resolution)).
		Observe(elapsed.Seconds())

	video, err := d.encoder.Encode(ctx, frames, d.frameRate)
	if err != nil {
		return d.fail(j, CodeEncodingError, err)
	}

	env := result.Package(j, video, elapsed)

	if j.PublishResult {
		url, err := d.store.PublishVideo(ctx, j.ID+".mp4", bytes.NewReader(video))
		if err != nil {
			return d.fail(j, CodeStorageError, err)
		}
		env.VideoURL = url
		env.Video = ""
	} else if d.keepOutputs {
		path, err := d.store.SaveVideo(ctx, j.ID+".mp4", bytes.NewReader(video))
		if err != nil {
			d.logger.Warn("keep local artifact",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		} else {
			d.logger.Info("artifact saved",
				slog.String("job_id", j.ID),
				slog.String("path", path),
			)
		}
	}

	_ = j.TransitionTo(job.StateEncoded)
	metrics.GenerationsTotal.WithLabelValues(string(j.Config.Mode), "success").Inc()
	d.logger.Info("generation finished",
		slog.String("job_id", j.ID),
		slog.Duration("generation_time", elapsed),
		slog.Int("video_bytes", len(video)),
	)
	return env, nil
}

// Deliver completes the job: POSTs the envelope to the webhook when one is
// set, otherwise just marks the synchronous job delivered. Error envelopes
// take the same path so async callers always hear back.
func (d *Dispatcher) Deliver(ctx context.Context, j *job.Job, env result.Envelope) error {
	if j.WebhookURL == "" {
		if !j.IsTerminal() {
			_ = j.TransitionTo(job.StateDelivered)
		}
		return nil
	}

	if err := d.notifier.Notify(ctx, j.WebhookURL, env); err != nil {
		d.logger.Error("webhook delivery failed",
			slog.String("job_id", j.ID),
			slog.String("url", j.WebhookURL),
			slog.String("error", err.Error()),
		)
		if !j.IsTerminal() {
			_ = j.Fail(CodeWebhookFailure, err.Error())
		}
		return fmt.Errorf("dispatch: deliver: %w", err)
	}

	if !j.IsTerminal() {
		_ = j.TransitionTo(job.StateDelivered)
	}
	d.logger.Info("envelope delivered",
		slog.String("job_id", j.ID),
		slog.String("url", j.WebhookURL),
	)
	return nil
}

// fail moves the job to ERRORED and returns the matching error envelope.
func (d *Dispatcher) fail(j *job.Job, code string, err error) (result.Envelope, error) {
	msg := err.Error()
	_ = j.Fail(code, msg)
	metrics.GenerationsTotal.WithLabelValues(labelMode(j), code).Inc()
	d.logger.Error("job failed",
		slog.String("job_id", j.ID),
		slog.String("code", code),
		slog.String("error", msg),
	)
	return result.PackageError(j, code, msg), err
}

// classify maps an error to its stable wire code.
func classify(err error) (code, msg string) {
	if ve, ok := params.AsValidationError(err); ok {
		return ve.Code, ve.Message
	}
	switch {
	case errors.Is(err, pipeline.ErrModelLoad):
		return CodeModelLoadError, err.Error()
	case errors.Is(err, executor.ErrExecutionTimeout):
		return CodeExecutionTimeout, err.Error()
	}
	var genErr *executor.GenerationError
	if errors.As(err, &genErr) {
		return CodeGenerationFailure, err.Error()
	}
	return CodeInternalError, err.Error()
}

// labelMode returns the metrics mode label, tolerating unvalidated jobs.
func labelMode(j *job.Job) string {
	if j.Config.Mode == "" {
		return "unknown"
	}
	return string(j.Config.Mode)
}
