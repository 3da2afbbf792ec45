package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wanvideo/wan-inference-api/internal/dispatch"
	"github.com/wanvideo/wan-inference-api/internal/job"
	"github.com/wanvideo/wan-inference-api/internal/params"
	"github.com/wanvideo/wan-inference-api/internal/result"
)

// Dispatcher is the request orchestration port consumed by the handlers.
// Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Prepare(req dispatch.Request) (*job.Job, error)
	Execute(ctx context.Context, j *job.Job) (result.Envelope, error)
	Deliver(ctx context.Context, j *job.Job, env result.Envelope) error
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	background bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithBackgroundProcessing controls whether webhook jobs run in a background
// goroutine. Disabled in tests to make processing deterministic.
func WithBackgroundProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.background = enabled
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(dispatcher Dispatcher, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		dispatcher: dispatcher,
		logger:     logger,
		background: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Generate handles POST /run requests: the single generation entry point.
// Requests carrying a webhook URL are acknowledged immediately and processed
// asynchronously; all others are answered synchronously with the envelope.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     "invalid JSON body",
			ErrorCode: "INVALID_JSON",
		})
		return
	}

	j, err := h.dispatcher.Prepare(req)
	if err != nil {
		// Validation errors surface immediately, sync or async alike.
		writeJSON(w, statusForCode(j.ErrCode), result.PackageError(j, j.ErrCode, j.ErrMsg))
		return
	}

	if j.WebhookURL != "" {
		run := func(ctx context.Context) {
			env, _ := h.dispatcher.Execute(ctx, j)
			_ = h.dispatcher.Deliver(ctx, j, env)
		}
		if h.background {
			// Detach from the request context so processing survives the
			// caller disconnecting after the ack.
			go run(context.WithoutCancel(r.Context()))
		} else {
			run(r.Context())
		}
		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			ID:     j.ID,
			Status: string(job.StateValidated),
		})
		return
	}

	env, err := h.dispatcher.Execute(r.Context(), j)
	if err != nil {
		writeJSON(w, statusForCode(j.ErrCode), env)
		return
	}
	_ = h.dispatcher.Deliver(r.Context(), j, env)
	writeJSON(w, http.StatusOK, env)
}

// statusForCode maps stable error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case params.CodeMissingField,
		params.CodeInvalidMode,
		params.CodeInvalidImage,
		params.CodeInvalidFrameCount,
		params.CodeInvalidResolution,
		params.CodeInvalidParameter:
		return http.StatusBadRequest
	case dispatch.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}
