package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// ActionSubjectPrefix is followed by the action name, e.g. orchestrator.action.schedule_task
	ActionSubjectPrefix = "orchestrator.action."
	defaultQueueGroup   = "orchestrator"
)

// ActionServerConfig defines the request/reply endpoint
type ActionServerConfig struct {
	QueueGroup     string        `mapstructure:"queue_group"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultActionServerConfig returns the default endpoint configuration
func DefaultActionServerConfig() ActionServerConfig {
	return ActionServerConfig{
		QueueGroup:     defaultQueueGroup,
		Workers:        8,
		QueueSize:      256,
		RequestTimeout: 10 * time.Second,
	}
}

// ActionServer answers action requests on NATS with a bounded worker pool
type ActionServer struct {
	logger  *zap.Logger
	nc      *nats.Conn
	handler ActionHandler
	config  ActionServerConfig

	sub    *nats.Subscription
	jobs   chan *nats.Msg
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewActionServer creates a new action server
func NewActionServer(nc *nats.Conn, handler ActionHandler, config ActionServerConfig, logger *zap.Logger) *ActionServer {
	defaults := DefaultActionServerConfig()
	if config.QueueGroup == "" {
		config.QueueGroup = defaults.QueueGroup
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	return &ActionServer{
		logger:  logger.Named("action-server"),
		nc:      nc,
		handler: handler,
		config:  config,
		jobs:    make(chan *nats.Msg, config.QueueSize),
	}
}

// Start subscribes to every action subject and starts the workers
func (s *ActionServer) Start(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(ActionSubjectPrefix+"*", s.config.QueueGroup, s.enqueue)
	if err != nil {
		return fmt.Errorf("failed to subscribe to actions: %w", err)
	}
	s.sub = sub

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.logger.Info("Action server started",
		zap.String("subject", ActionSubjectPrefix+"*"),
		zap.String("queue_group", s.config.QueueGroup),
		zap.Int("workers", s.config.Workers))
	return nil
}

// Stop unsubscribes and waits for in-flight requests
func (s *ActionServer) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Action server stopped")
}

// enqueue runs on the subscription goroutine and never blocks it
func (s *ActionServer) enqueue(msg *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.reply(msg, NewEnvelope(nil, ErrStopped))
		return
	}

	select {
	case s.jobs <- msg:
	default:
		s.logger.Warn("Action rejected", zap.String("subject", msg.Subject), zap.String("reason", "busy"))
		s.reply(msg, NewEnvelope(nil, ErrBusy))
	}
}

func (s *ActionServer) worker(ctx context.Context) {
	defer s.wg.Done()
	for msg := range s.jobs {
		s.serve(ctx, msg)
	}
}

func (s *ActionServer) serve(ctx context.Context, msg *nats.Msg) {
	action := strings.TrimPrefix(msg.Subject, ActionSubjectPrefix)

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	data, err := s.handler.HandleRaw(reqCtx, action, msg.Data)
	envelope := NewEnvelope(data, err)

	s.logger.Debug("Action served",
		zap.String("action", action),
		zap.Bool("ok", envelope.OK),
		zap.String("code", string(envelope.Code)),
		zap.Duration("took", time.Since(start)))

	s.reply(msg, envelope)
}

func (s *ActionServer) reply(msg *nats.Msg, envelope Envelope) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Client sends actions to an orchestrator over NATS
type Client struct {
	nc *nats.Conn
}

// NewClient creates a new action client
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Call sends one action and returns the reply envelope. A failed action is
// reported in the envelope, not as an error.
func (c *Client) Call(ctx context.Context, action string, payload any) (Envelope, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	msg, err := c.nc.RequestWithContext(ctx, ActionSubjectPrefix+action, data)
	if err != nil {
		return Envelope{}, fmt.Errorf("action %s: %w", action, err)
	}

	var envelope Envelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return envelope, nil
}
