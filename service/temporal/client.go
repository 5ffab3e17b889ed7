package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is the production Scheduler and the entry point for on-demand
// audits.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) auditAction(input AuditInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "audit-custody",
		Workflow:  AuditCustodyWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []any{input},
	}
}

// UpsertAuditSchedule creates the audit schedule, or updates the interval
// and input of an existing one.
func (c *Client) UpsertAuditSchedule(ctx context.Context, interval time.Duration, input AuditInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, AuditScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("audit schedule not found, creating", "error", err)

		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: AuditScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: c.auditAction(input),
			Memo: map[string]any{
				"created_by": "sargo",
			},
		})
		if err != nil {
			c.logger.Error("failed to create audit schedule", "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", AuditScheduleID, err)
		}
		c.logger.Info("audit schedule created", "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			in.Description.Schedule.Action = c.auditAction(input)
			return &client.ScheduleUpdate{Schedule: &in.Description.Schedule}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update audit schedule", "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", AuditScheduleID, err)
	}
	c.logger.Info("audit schedule updated", "interval", interval)
	return nil
}

// DeleteAuditSchedule deletes the audit schedule.
func (c *Client) DeleteAuditSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, AuditScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete audit schedule", "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", AuditScheduleID, err)
	}
	c.logger.Info("audit schedule deleted")
	return nil
}

// RunAudit starts an audit immediately and waits for its result.
func (c *Client) RunAudit(ctx context.Context, input AuditInput) (*AuditResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("audit-custody-manual-%d", time.Now().UnixNano()),
		TaskQueue: c.taskQueue,
	}, AuditCustodyWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start audit workflow: %w", err)
	}
	c.logger.Info("audit workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	var result AuditResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("audit workflow failed: %w", err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...any) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...any) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...any) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...any) {
	l.logger.Error(msg, keyvals...)
}
