// Package runner coordinates user-initiated runs: duplicate prevention,
// force override of a stuck execution, and cancellation of the pending
// scheduler job before the pipeline takes over.
package runner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
)

const overrideMessage = "Execution overridden by manual force run"

type TaskStore interface {
	GetByID(ctx context.Context, id string) (task.Task, error)
}

type ExecutionStore interface {
	FindInFlight(ctx context.Context, taskID string) (*execution.Execution, error)
	MarkFailed(ctx context.Context, id string, errMsg string) error
	LastRetryCount(ctx context.Context, taskID string) (int, error)
	CreatePending(ctx context.Context, taskID string, retryCount int) (execution.Execution, bool, error)
}

type Jobs interface {
	Remove(taskID string)
}

type Executor interface {
	ExecuteManual(ctx context.Context, e execution.Execution, meta execution.Meta) error
}

type Coordinator struct {
	tasks        TaskStore
	executions   ExecutionStore
	jobs         Jobs
	orchestrator Executor
	log          *slog.Logger
}

func New(tasks TaskStore, executions ExecutionStore, jobs Jobs, orchestrator Executor, log *slog.Logger) *Coordinator {
	return &Coordinator{
		tasks:        tasks,
		executions:   executions,
		jobs:         jobs,
		orchestrator: orchestrator,
		log:          log,
	}
}

// StartTaskExecution kicks off a manual run. Without force, an in-flight
// execution rejects the request with ErrAlreadyRunning; with force, the
// stuck row is failed and replaced. suppress turns the run into a preview
// that skips all notifications.
func (c *Coordinator) StartTaskExecution(ctx context.Context, taskID string, force, suppress bool) (execution.Execution, error) {
	// 404 early on unknown tasks before touching executions
	t, err := c.tasks.GetByID(ctx, taskID)
	if err != nil {
		return execution.Execution{}, err
	}

	inflight, err := c.executions.FindInFlight(ctx, taskID)
	if err != nil {
		return execution.Execution{}, err
	}

	if inflight != nil {
		if !force {
			return execution.Execution{}, execution.ErrAlreadyRunning
		}

		if err := c.executions.MarkFailed(ctx, inflight.ID, overrideMessage); err != nil &&
			!errors.Is(err, execution.ErrAlreadyFinalized) {
			return execution.Execution{}, err
		}

		c.log.WarnContext(ctx, "force run overrode in-flight execution",
			"task_id", taskID, "overridden_execution_id", inflight.ID)
	}

	retryCount, err := c.executions.LastRetryCount(ctx, taskID)
	if err != nil {
		return execution.Execution{}, err
	}

	// Best effort: a pending one-shot must not fire on top of this run.
	// Losing this race is caught by the in-flight check on the other side.
	// Cron jobs stay put: nothing reinstalls them after a manual run, and a
	// scheduled trigger that collides with this run skips itself anyway.
	if t.Schedule == nil || *t.Schedule == "" {
		c.jobs.Remove(taskID)
	}

	e, isFirst, err := c.executions.CreatePending(ctx, taskID, retryCount)
	if err != nil {
		return execution.Execution{}, err
	}

	meta := execution.Meta{
		IsFirstExecution:      isFirst,
		SuppressNotifications: suppress,
	}

	if err := c.orchestrator.ExecuteManual(ctx, e, meta); err != nil {
		return e, err
	}

	return e, nil
}
