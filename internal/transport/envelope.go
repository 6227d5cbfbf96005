package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/fleet-orchestrator/internal/lifecycle"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
	"github.com/t77yq/fleet-orchestrator/internal/recovery"
	"github.com/t77yq/fleet-orchestrator/internal/resource"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
)

// Code classifies a failed action for clients
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeUnknownAction  Code = "unknown_action"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeUnavailable    Code = "unavailable"
	CodeInternal       Code = "internal"
)

// Envelope is the reply to every action, over NATS and HTTP alike
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  Code            `json:"code,omitempty"`
}

// ActionHandler executes a wire action. *orchestrator.Orchestrator implements it.
type ActionHandler interface {
	HandleRaw(ctx context.Context, action string, payload []byte) (any, error)
}

// NewEnvelope wraps an action outcome
func NewEnvelope(data any, err error) Envelope {
	if err != nil {
		return Envelope{OK: false, Error: err.Error(), Code: Classify(err)}
	}
	raw, merr := json.Marshal(data)
	if merr != nil {
		return Envelope{OK: false, Error: fmt.Sprintf("failed to encode response: %v", merr), Code: CodeInternal}
	}
	return Envelope{OK: true, Data: raw}
}

// Classify maps a handler error to a client-facing code
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orchestrator.ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, scheduler.ErrInvalidPriority),
		errors.Is(err, resource.ErrInvalidRequest),
		errors.Is(err, recovery.ErrInvalidTier):
		return CodeInvalidRequest
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, scheduler.ErrTaskNotActive),
		errors.Is(err, resource.ErrUnknownResource),
		errors.Is(err, orchestrator.ErrUnknownAgent),
		errors.Is(err, recovery.ErrUnknownTarget),
		errors.Is(err, lifecycle.ErrUnknownProcess):
		return CodeNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, resource.ErrDuplicateAllocation),
		errors.Is(err, recovery.ErrRecoveryInProgress),
		errors.Is(err, lifecycle.ErrRestartCooldown):
		return CodeConflict
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeUnavailable
	}
	return CodeInternal
}
