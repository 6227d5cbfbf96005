// Package telemetry exposes control-plane metrics behind a small capability
// interface so components never check whether a metrics backend is present.
package telemetry

import "github.com/t77yq/fleet-orchestrator/internal/model"

// Recorder receives metric events from the control plane
type Recorder interface {
	AllocationAttempt(granted bool, reason string)
	ResourceUtilization(kind string, utilization float64)
	QueueDepth(priority string, depth int)
	TaskFinished(taskType string, status string)
	BreakerState(taskType string, state model.BreakerState)
	FailureProbability(agent string, probability float64)
	ActiveAlerts(severity model.AlertSeverity, count int)
	RecoveryAttempt(tier model.RecoveryTier, success bool)
}

// Nop discards every event
type Nop struct{}

func (Nop) AllocationAttempt(bool, string)           {}
func (Nop) ResourceUtilization(string, float64)      {}
func (Nop) QueueDepth(string, int)                   {}
func (Nop) TaskFinished(string, string)              {}
func (Nop) BreakerState(string, model.BreakerState)  {}
func (Nop) FailureProbability(string, float64)       {}
func (Nop) ActiveAlerts(model.AlertSeverity, int)    {}
func (Nop) RecoveryAttempt(model.RecoveryTier, bool) {}
