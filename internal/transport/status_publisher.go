package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/monitor"
)

// StatusSubject carries every broadcast status snapshot
const StatusSubject = "orchestrator.status"

// StatusPublisher relays broadcaster snapshots to NATS
type StatusPublisher struct {
	logger      *zap.Logger
	nc          *nats.Conn
	broadcaster *monitor.Broadcaster
}

// NewStatusPublisher creates a new status publisher
func NewStatusPublisher(nc *nats.Conn, broadcaster *monitor.Broadcaster, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		logger:      logger.Named("status-publisher"),
		nc:          nc,
		broadcaster: broadcaster,
	}
}

// Run publishes snapshots until ctx is done or the broadcaster closes
func (p *StatusPublisher) Run(ctx context.Context) error {
	snapshots, cancel, err := p.broadcaster.Subscribe(0)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status broadcasts: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			data, err := json.Marshal(snap)
			if err != nil {
				p.logger.Error("Failed to marshal status snapshot", zap.Error(err))
				continue
			}
			if err := p.nc.Publish(StatusSubject, data); err != nil {
				p.logger.Warn("Failed to publish status snapshot", zap.Error(err))
			}
		}
	}
}
