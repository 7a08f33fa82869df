// Package engine wraps the Temporal client behind the small surface the HTTP
// handlers need: start, signal, query, cancel, terminate, and status. The
// workflow id always equals the case id, so one case maps to one execution
// chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/sahab-io/rasid/internal/model"
)

// Sentinel errors the HTTP layer maps to status codes.
var (
	ErrNotFound       = errors.New("engine: workflow not found")
	ErrAlreadyStarted = errors.New("engine: workflow already running")
)

// Config locates the Temporal cluster.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string
}

// Engine is the workflow-engine client.
type Engine struct {
	temporal  client.Client
	taskQueue string
	logger    *slog.Logger
}

// Dial connects to the cluster. The returned Engine must be Closed.
func Dial(cfg Config, logger *slog.Logger) (*Engine, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", cfg.Address, err)
	}
	return &Engine{temporal: c, taskQueue: cfg.TaskQueue, logger: logger}, nil
}

// NewWithClient wraps an existing Temporal client. Used by tests and by the
// worker binary, which already holds a connection.
func NewWithClient(c client.Client, taskQueue string, logger *slog.Logger) *Engine {
	return &Engine{temporal: c, taskQueue: taskQueue, logger: logger}
}

func (e *Engine) Close() {
	e.temporal.Close()
}

// Client exposes the underlying connection for worker registration.
func (e *Engine) Client() client.Client {
	return e.temporal
}

// Start launches the named workflow with workflowID as its id and returns the
// run id. A second start for a still-running id reports ErrAlreadyStarted.
func (e *Engine) Start(ctx context.Context, workflowID, workflowName string, input any) (string, error) {
	run, err := e.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: e.taskQueue,
	}, workflowName, input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return "", ErrAlreadyStarted
		}
		return "", fmt.Errorf("engine: start %s: %w", workflowID, err)
	}
	e.logger.Info("workflow started", "workflow_id", workflowID, "run_id", run.GetRunID())
	return run.GetRunID(), nil
}

// Signal delivers a named signal to the current run.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	err := e.temporal.SignalWorkflow(ctx, workflowID, "", name, payload)
	if err != nil {
		return mapNotFound(err, fmt.Errorf("engine: signal %s to %s: %w", name, workflowID, err))
	}
	return nil
}

// Query runs a named query against the current run and decodes the result
// into out.
func (e *Engine) Query(ctx context.Context, workflowID, name string, out any) error {
	val, err := e.temporal.QueryWorkflow(ctx, workflowID, "", name)
	if err != nil {
		return mapNotFound(err, fmt.Errorf("engine: query %s on %s: %w", name, workflowID, err))
	}
	if err := val.Get(out); err != nil {
		return fmt.Errorf("engine: decode query result: %w", err)
	}
	return nil
}

// Cancel requests cooperative cancellation; the workflow runs its
// compensation path before closing.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	err := e.temporal.CancelWorkflow(ctx, workflowID, "")
	if err != nil {
		return mapNotFound(err, fmt.Errorf("engine: cancel %s: %w", workflowID, err))
	}
	e.logger.Info("workflow cancel requested", "workflow_id", workflowID)
	return nil
}

// Terminate kills the run without compensation. Operator escape hatch only.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) error {
	err := e.temporal.TerminateWorkflow(ctx, workflowID, "", reason)
	if err != nil {
		return mapNotFound(err, fmt.Errorf("engine: terminate %s: %w", workflowID, err))
	}
	e.logger.Warn("workflow terminated", "workflow_id", workflowID, "reason", reason)
	return nil
}

// Status reports the engine-level view of the current run.
func (e *Engine) Status(ctx context.Context, workflowID string) (*model.WorkflowStatusResponse, error) {
	resp, err := e.temporal.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, mapNotFound(err, fmt.Errorf("engine: describe %s: %w", workflowID, err))
	}

	info := resp.GetWorkflowExecutionInfo()
	out := &model.WorkflowStatusResponse{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     statusName(info.GetStatus()),
	}
	if st := info.GetStartTime(); st != nil {
		out.StartTime = st.AsTime()
	}
	if ct := info.GetCloseTime(); ct != nil {
		t := ct.AsTime()
		out.CloseTime = &t
	}
	return out, nil
}

// Healthy reports whether the cluster answers within the deadline.
func (e *Engine) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := e.temporal.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err == nil
}

// statusName maps the engine enum to the API's uppercase vocabulary, e.g.
// "Running" to "RUNNING" and "TimedOut" to "TIMED_OUT".
func statusName(s enums.WorkflowExecutionStatus) string {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "RUNNING"
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "COMPLETED"
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "FAILED"
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "CANCELLED"
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "TERMINATED"
	case enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "RUNNING"
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "TIMED_OUT"
	default:
		return strings.ToUpper(s.String())
	}
}

func mapNotFound(err, wrapped error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	return wrapped
}
