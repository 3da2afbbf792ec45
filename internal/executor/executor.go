// Package executor drives a single generation call against a borrowed
// pipeline handle, enforcing the wall-clock execution budget and classifying
// failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wanvideo/wan-inference-api/internal/job"
	"github.com/wanvideo/wan-inference-api/internal/media"
	"github.com/wanvideo/wan-inference-api/internal/pipeline"
)

// ErrExecutionTimeout is returned when a generation call exceeds the
// execution deadline. Cancellation of the underlying compute is best-effort:
// the call is abandoned and the handle poisoned so the registry reloads it
// before the next use.
var ErrExecutionTimeout = errors.New("executor: execution deadline exceeded")

// GenerationError wraps a runtime failure from the pipeline (device errors,
// memory exhaustion). These are never retried within the same job.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("executor: generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Executor runs generation jobs under a deadline.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Executor. A timeout of zero disables the internal deadline
// (the platform's own execution limit still applies through ctx).
func New(timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{timeout: timeout, logger: logger}
}

// Run invokes the pipeline with the job's fully resolved config and returns
// the raw frame sequence. The config's seed drives the pipeline's
// deterministic RNG. On deadline expiry the call is abandoned and the handle
// poisoned; on any pipeline error the failure is classified as a
// GenerationError and the handle is poisoned as well.
func (e *Executor) Run(ctx context.Context, j *job.Job, h *pipeline.Handle) ([]media.Frame, error) {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type outcome struct {
		frames []media.Frame
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		frames, err := h.Generate(runCtx, j.Config)
		done <- outcome{frames: frames, err: err}
	}()

	select {
	case <-runCtx.Done():
		// The pipeline call may still be running; it cannot be confirmed
		// to have stopped, so force a reload before the handle is reused.
		h.MarkBad()
		e.logger.Warn("generation abandoned",
			slog.String("job_id", j.ID),
			slog.String("key", h.Key().String()),
			slog.String("reason", runCtx.Err().Error()),
		)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (budget %s)", ErrExecutionTimeout, e.timeout)
		}
		return nil, &GenerationError{Err: runCtx.Err()}

	case out := <-done:
		if out.err != nil {
			h.MarkBad()
			return nil, &GenerationError{Err: out.err}
		}
		return out.frames, nil
	}
}
