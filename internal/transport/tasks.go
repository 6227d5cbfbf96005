package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
)

const (
	TaskStreamName      = "TASKS"
	TaskDispatchSubject = "task.dispatch"
	TaskResultSubject   = "task.result"
	streamMaxAge        = 24 * time.Hour
	resultsConsumer     = "orchestrator-results"
	operationTimeout    = 30 * time.Second
)

// SetupTaskStream creates the task stream if it does not exist yet
func SetupTaskStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       TaskStreamName,
		Subjects:   []string{"task.*"},
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		MaxMsgs:    -1,
		Duplicates: time.Minute,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", TaskStreamName))
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", TaskStreamName, err)
	}

	logger.Info("Stream ready", zap.String("stream", TaskStreamName))
	return nil
}

// TaskDispatcher publishes dispatched tasks for external executors
type TaskDispatcher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

var _ orchestrator.Dispatcher = (*TaskDispatcher)(nil)

// NewTaskDispatcher creates a new task dispatcher
func NewTaskDispatcher(js nats.JetStreamContext, logger *zap.Logger) *TaskDispatcher {
	return &TaskDispatcher{
		logger: logger.Named("task-dispatcher"),
		js:     js,
	}
}

// Dispatch publishes a task on task.dispatch. The task id is the message id,
// so a retried publish the stream already stored is deduplicated.
func (d *TaskDispatcher) Dispatch(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	ack, err := d.js.Publish(TaskDispatchSubject, data, nats.MsgId(task.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", task.ID, err)
	}

	d.logger.Debug("Task published",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// ResultConsumer feeds task results published by executors back as complete_task
type ResultConsumer struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	handler ActionHandler
	sub     *nats.Subscription
}

// NewResultConsumer creates a new result consumer
func NewResultConsumer(js nats.JetStreamContext, handler ActionHandler, logger *zap.Logger) *ResultConsumer {
	return &ResultConsumer{
		logger:  logger.Named("result-consumer"),
		js:      js,
		handler: handler,
	}
}

// Start subscribes to task.result with a durable queue consumer
func (c *ResultConsumer) Start(ctx context.Context) error {
	sub, err := c.js.QueueSubscribe(
		TaskResultSubject,
		resultsConsumer,
		func(msg *nats.Msg) { c.handle(ctx, msg) },
		nats.Durable(resultsConsumer),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task results: %w", err)
	}
	c.sub = sub

	c.logger.Info("Result consumer started", zap.String("subject", TaskResultSubject))
	return nil
}

// Stop unsubscribes, keeping the durable consumer on the server
func (c *ResultConsumer) Stop() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Drain(); err != nil {
		c.logger.Warn("Failed to drain result subscription", zap.Error(err))
	}
}

func (c *ResultConsumer) handle(ctx context.Context, msg *nats.Msg) {
	var result model.TaskResult
	if err := json.Unmarshal(msg.Data, &result); err != nil || result.TaskID == "" {
		// Redelivery cannot fix a malformed result
		c.logger.Error("Dropping malformed task result", zap.Error(err))
		c.ack(msg)
		return
	}

	_, err := c.handler.HandleRaw(ctx, string(orchestrator.ActionCompleteTask), msg.Data)
	switch Classify(err) {
	case "":
		c.logger.Debug("Task result applied",
			zap.String("task_id", result.TaskID),
			zap.Bool("success", result.Success))
	case CodeUnavailable, CodeInternal:
		c.logger.Warn("Task result not applied, will retry",
			zap.String("task_id", result.TaskID),
			zap.Error(err))
		if nerr := msg.Nak(); nerr != nil {
			c.logger.Error("Failed to nak task result", zap.Error(nerr))
		}
		return
	default:
		c.logger.Warn("Task result rejected",
			zap.String("task_id", result.TaskID),
			zap.Error(err))
	}
	c.ack(msg)
}

func (c *ResultConsumer) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Error("Failed to acknowledge task result", zap.Error(err))
	}
}
