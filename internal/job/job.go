// Package job provides the per-request execution context and its state
// machine. A Job lives for exactly one request: it is created on arrival and
// discarded once its response is delivered or its webhook fires; it is never
// persisted.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wanvideo/wan-inference-api/internal/params"
)

// State represents the current phase of a request.
type State string

const (
	// StateReceived is the initial state before validation.
	StateReceived State = "RECEIVED"
	// StateValidated means the config is fully resolved.
	StateValidated State = "VALIDATED"
	// StateExecuting means a pipeline handle is held and generation runs.
	StateExecuting State = "EXECUTING"
	// StateEncoded means frames were muxed and the envelope is built.
	StateEncoded State = "ENCODED"
	// StateDelivered is the success terminal: response returned or webhook fired.
	StateDelivered State = "DELIVERED"
	// StateErrored is the failure terminal, reachable from any state.
	StateErrored State = "ERRORED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("job: invalid state transition")

// validTransitions defines which state transitions are allowed.
// ERRORED is reachable from every non-terminal state.
var validTransitions = map[State][]State{
	StateReceived:  {StateValidated, StateErrored},
	StateValidated: {StateExecuting, StateErrored},
	StateExecuting: {StateEncoded, StateErrored},
	StateEncoded:   {StateDelivered, StateErrored},
	StateDelivered: {},
	StateErrored:   {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one request's execution context.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Config is the resolved generation config, set when the job is validated.
	Config params.GenerationConfig
	// WebhookURL is the async delivery target; empty means synchronous.
	WebhookURL string
	// PublishResult requests upload of the finished video to object storage.
	PublishResult bool

	state State
	// ErrCode and ErrMsg describe the failure when the job errored.
	ErrCode string
	ErrMsg  string

	// CreatedAt is when the request arrived.
	CreatedAt time.Time
	// StartedAt is when execution (generation) began.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a Job in RECEIVED state with a fresh ID.
func New() *Job {
	return &Job{
		ID:        uuid.NewString(),
		state:     StateReceived,
		CreatedAt: time.Now(),
	}
}

// TransitionTo attempts to move the job into the given state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(state State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.state, state) {
		return ErrInvalidTransition
	}
	j.state = state

	now := time.Now()
	switch state {
	case StateExecuting:
		j.StartedAt = now
	case StateDelivered, StateErrored:
		j.CompletedAt = now
	}
	return nil
}

// Validate records the resolved config and moves to VALIDATED.
func (j *Job) Validate(cfg params.GenerationConfig) error {
	j.mu.Lock()
	j.Config = cfg
	j.mu.Unlock()
	return j.TransitionTo(StateValidated)
}

// Fail moves the job to the ERRORED terminal with a stable code and message.
// It succeeds from any non-terminal state.
func (j *Job) Fail(code, msg string) error {
	j.mu.Lock()
	j.ErrCode = code
	j.ErrMsg = msg
	j.mu.Unlock()
	return j.TransitionTo(StateErrored)
}

// State returns the current state (thread-safe).
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// IsTerminal returns true once the job is DELIVERED or ERRORED.
func (j *Job) IsTerminal() bool {
	s := j.State()
	return s == StateDelivered || s == StateErrored
}
