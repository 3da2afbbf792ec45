// Package server provides the HTTP surface for the inference API: handlers,
// middleware and routes. Wire DTOs live here, separated from domain types.
package server

// AcceptedResponse acknowledges an async (webhook) request.
type AcceptedResponse struct {
	// ID is the job identifier, echoed in the webhook envelope.
	ID string `json:"id"`
	// Status is the job state at acknowledgment time.
	Status string `json:"status"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

// ErrorResponse is the error shape for requests that never became jobs
// (malformed JSON and similar transport-level failures).
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// ErrorCode is the stable code for programmatic handling.
	ErrorCode string `json:"error_code"`
}
