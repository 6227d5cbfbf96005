package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Action names an operation of the external contract
type Action string

const (
	ActionRegisterAgent     Action = "register_agent"
	ActionAllocateResources Action = "allocate_resources"
	ActionReleaseResources  Action = "release_resources"
	ActionScheduleTask      Action = "schedule_task"
	ActionCompleteTask      Action = "complete_task"
	ActionCancelTask        Action = "cancel_task"
	ActionGetResourceStatus Action = "get_resource_status"
	ActionGetQueueStatus    Action = "get_queue_status"
	ActionReportHealth      Action = "report_health"
	ActionTriggerRecovery   Action = "trigger_recovery"
	ActionGetAlerts         Action = "get_alerts"
)

// Request is one typed action request. The set is closed to this package.
type Request interface {
	Action() Action
	isRequest()
}

// RegisterAgentRequest registers a worker agent
type RegisterAgentRequest struct {
	Name           string `json:"name" validate:"required"`
	Endpoint       string `json:"endpoint"`
	HealthEndpoint string `json:"health_endpoint"`
}

// AllocateResourcesRequest reserves resources outside of task scheduling
type AllocateResourcesRequest struct {
	AllocationID string             `json:"allocation_id" validate:"required"`
	Resources    map[string]float64 `json:"resources" validate:"required,min=1,dive,gt=0"`
	Priority     model.TaskPriority `json:"priority" validate:"min=1,max=4"`
	Owner        string             `json:"owner,omitempty"`
	TTL          Duration           `json:"ttl,omitempty"`
}

// ReleaseResourcesRequest frees an allocation
type ReleaseResourcesRequest struct {
	AllocationID string `json:"allocation_id"`
}

// ScheduleTaskRequest submits a task descriptor
type ScheduleTaskRequest struct {
	model.Task
}

// CompleteTaskRequest reports the outcome of a dispatched task
type CompleteTaskRequest struct {
	TaskID  string `json:"task_id" validate:"required"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CancelTaskRequest cancels a queued or active task
type CancelTaskRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

// GetResourceStatusRequest reads pool and VRAM status
type GetResourceStatusRequest struct{}

// GetQueueStatusRequest reads queue depth and outcome totals
type GetQueueStatusRequest struct{}

// ReportHealthRequest carries an agent's self-reported status and metric samples
type ReportHealthRequest struct {
	AgentName string             `json:"agent_name" validate:"required"`
	Status    model.HealthStatus `json:"status" validate:"omitempty,oneof=healthy degraded unhealthy"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp,omitempty"`
}

// TriggerRecoveryRequest runs a recovery tier for an agent. Tier 0 means tier 1.
type TriggerRecoveryRequest struct {
	AgentName string             `json:"agent_name"`
	Tier      model.RecoveryTier `json:"tier" validate:"min=0,max=4"`
}

// GetAlertsRequest lists the active predictive alerts
type GetAlertsRequest struct{}

func (RegisterAgentRequest) Action() Action     { return ActionRegisterAgent }
func (AllocateResourcesRequest) Action() Action { return ActionAllocateResources }
func (ReleaseResourcesRequest) Action() Action  { return ActionReleaseResources }
func (ScheduleTaskRequest) Action() Action      { return ActionScheduleTask }
func (CompleteTaskRequest) Action() Action      { return ActionCompleteTask }
func (CancelTaskRequest) Action() Action        { return ActionCancelTask }
func (GetResourceStatusRequest) Action() Action { return ActionGetResourceStatus }
func (GetQueueStatusRequest) Action() Action    { return ActionGetQueueStatus }
func (ReportHealthRequest) Action() Action      { return ActionReportHealth }
func (TriggerRecoveryRequest) Action() Action   { return ActionTriggerRecovery }
func (GetAlertsRequest) Action() Action         { return ActionGetAlerts }

func (RegisterAgentRequest) isRequest()     {}
func (AllocateResourcesRequest) isRequest() {}
func (ReleaseResourcesRequest) isRequest()  {}
func (ScheduleTaskRequest) isRequest()      {}
func (CompleteTaskRequest) isRequest()      {}
func (CancelTaskRequest) isRequest()        {}
func (GetResourceStatusRequest) isRequest() {}
func (GetQueueStatusRequest) isRequest()    {}
func (ReportHealthRequest) isRequest()      {}
func (TriggerRecoveryRequest) isRequest()   {}
func (GetAlertsRequest) isRequest()         {}

// Ack acknowledges an action with no other result
type Ack struct {
	Acknowledged bool `json:"acknowledged"`
}

// AllocateResponse reports whether an allocation was granted
type AllocateResponse struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// ScheduleResponse reports whether a task was accepted
type ScheduleResponse struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason,omitempty"`
}

// RecoveryResponse reports the outcome of a triggered recovery
type RecoveryResponse struct {
	Success bool                  `json:"success"`
	Result  *model.RecoveryResult `json:"result,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

// Duration decodes from a Go duration string or a number of seconds
type Duration time.Duration

// UnmarshalJSON decodes "30s" or 30
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

var decoders = map[Action]func() Request{
	ActionRegisterAgent:     func() Request { return &RegisterAgentRequest{} },
	ActionAllocateResources: func() Request { return &AllocateResourcesRequest{} },
	ActionReleaseResources:  func() Request { return &ReleaseResourcesRequest{} },
	ActionScheduleTask:      func() Request { return &ScheduleTaskRequest{} },
	ActionCompleteTask:      func() Request { return &CompleteTaskRequest{} },
	ActionCancelTask:        func() Request { return &CancelTaskRequest{} },
	ActionGetResourceStatus: func() Request { return &GetResourceStatusRequest{} },
	ActionGetQueueStatus:    func() Request { return &GetQueueStatusRequest{} },
	ActionReportHealth:      func() Request { return &ReportHealthRequest{} },
	ActionTriggerRecovery:   func() Request { return &TriggerRecoveryRequest{} },
	ActionGetAlerts:         func() Request { return &GetAlertsRequest{} },
}

// Actions returns every action name, sorted
func Actions() []Action {
	out := make([]Action, 0, len(decoders))
	for a := range decoders {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodeRequest maps a wire action name and JSON payload to a typed request.
// An empty payload decodes to the zero request.
func DecodeRequest(action string, payload []byte) (Request, error) {
	newRequest, ok := decoders[Action(action)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	req := newRequest()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, action, err)
		}
	}

	// Handle switches on value types
	switch r := req.(type) {
	case *RegisterAgentRequest:
		return *r, nil
	case *AllocateResourcesRequest:
		return *r, nil
	case *ReleaseResourcesRequest:
		return *r, nil
	case *ScheduleTaskRequest:
		return *r, nil
	case *CompleteTaskRequest:
		return *r, nil
	case *CancelTaskRequest:
		return *r, nil
	case *GetResourceStatusRequest:
		return *r, nil
	case *GetQueueStatusRequest:
		return *r, nil
	case *ReportHealthRequest:
		return *r, nil
	case *TriggerRecoveryRequest:
		return *r, nil
	case *GetAlertsRequest:
		return *r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// validateRequest runs struct validation for request types that carry tags
func validateRequest(v *validator.Validate, req Request) error {
	if err := v.Struct(req); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Action(), err)
	}
	return nil
}
