package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeFailurePrediction AlertType = "failure_prediction"
)

// PredictiveAlert warns that an agent is likely to fail soon. Alerts are recomputed
// on every analysis cycle and never persisted.
type PredictiveAlert struct {
	ID                 string        `json:"id"`
	Agent              string        `json:"agent"`
	Type               AlertType     `json:"type"`
	Severity           AlertSeverity `json:"severity"`
	PredictedFailureAt time.Time     `json:"predicted_failure_at"`
	Confidence         float64       `json:"confidence"`
	RecommendedActions []string      `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}
