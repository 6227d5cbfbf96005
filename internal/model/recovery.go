package model

import "time"

// RecoveryTier is one of four escalating remediation strategies
type RecoveryTier int

const (
	TierRestart         RecoveryTier = 1
	TierClearAndRestart RecoveryTier = 2
	TierDependencyAware RecoveryTier = 3
	TierFleetRestart    RecoveryTier = 4
)

// Valid reports whether t names a known tier
func (t RecoveryTier) Valid() bool {
	return t >= TierRestart && t <= TierFleetRestart
}

// RecoveryResult records the outcome of one recovery attempt
type RecoveryResult struct {
	Agent      string       `json:"agent"`
	Tier       RecoveryTier `json:"tier"`
	Success    bool         `json:"success"`
	Steps      []string     `json:"steps"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
