package lifecycle

import (
	"context"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Handle identifies one running instance of a managed process
type Handle struct {
	ID        string
	StartedAt time.Time
}

// Runtime spawns and terminates managed processes of one kind
type Runtime interface {
	// Check verifies the spawn artifact exists
	Check(ctx context.Context, cfg model.ProcessConfig) error
	// Start launches a new instance
	Start(ctx context.Context, cfg model.ProcessConfig) (Handle, error)
	// Stop terminates gracefully and forces termination after grace
	Stop(ctx context.Context, cfg model.ProcessConfig, h Handle, grace time.Duration) error
	// Alive reports whether the instance is still running
	Alive(ctx context.Context, cfg model.ProcessConfig, h Handle) bool
}
