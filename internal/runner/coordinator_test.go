package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTasks struct {
	getFn func(ctx context.Context, id string) (task.Task, error)
}

func (f *fakeTasks) GetByID(ctx context.Context, id string) (task.Task, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return task.Task{ID: id, State: task.StateActive}, nil
}

type fakeExecutions struct {
	inflight   *execution.Execution
	retryCount int

	failed  map[string]string
	created []int // retry counts passed to CreatePending
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{failed: make(map[string]string)}
}

func (f *fakeExecutions) FindInFlight(ctx context.Context, taskID string) (*execution.Execution, error) {
	return f.inflight, nil
}

func (f *fakeExecutions) MarkFailed(ctx context.Context, id string, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeExecutions) LastRetryCount(ctx context.Context, taskID string) (int, error) {
	return f.retryCount, nil
}

func (f *fakeExecutions) CreatePending(ctx context.Context, taskID string, retryCount int) (execution.Execution, bool, error) {
	f.created = append(f.created, retryCount)
	return execution.New(taskID, retryCount), false, nil
}

type fakeJobs struct {
	removed []string
}

func (f *fakeJobs) Remove(taskID string) {
	f.removed = append(f.removed, taskID)
}

type fakeExecutor struct {
	calls []execution.Meta
	err   error
}

func (f *fakeExecutor) ExecuteManual(ctx context.Context, e execution.Execution, meta execution.Meta) error {
	f.calls = append(f.calls, meta)
	return f.err
}

func TestStartTaskExecutionRejectsDuplicate(t *testing.T) {
	inflight := execution.New("task-1", 0)

	executions := newFakeExecutions()
	executions.inflight = &inflight

	executor := &fakeExecutor{}
	c := runner.New(&fakeTasks{}, executions, &fakeJobs{}, executor, testLogger())

	_, err := c.StartTaskExecution(context.Background(), "task-1", false, false)

	if !errors.Is(err, execution.ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
	if len(executions.created) != 0 || len(executor.calls) != 0 {
		t.Fatal("rejected run still created an execution")
	}
	if len(executions.failed) != 0 {
		t.Fatal("non-force run failed the in-flight execution")
	}
}

func TestStartTaskExecutionForceOverridesStuckRun(t *testing.T) {
	stuck := execution.New("task-1", 0)
	stuck.Status = execution.StatusRunning

	executions := newFakeExecutions()
	executions.inflight = &stuck
	executions.retryCount = 2

	jobs := &fakeJobs{}
	executor := &fakeExecutor{}
	c := runner.New(&fakeTasks{}, executions, jobs, executor, testLogger())

	e, err := c.StartTaskExecution(context.Background(), "task-1", true, false)
	if err != nil {
		t.Fatalf("force run: %v", err)
	}

	if msg := executions.failed[stuck.ID]; msg != "Execution overridden by manual force run" {
		t.Fatalf("override message = %q", msg)
	}
	if len(executions.created) != 1 || executions.created[0] != 2 {
		t.Fatalf("created = %v, want one row inheriting retry_count 2", executions.created)
	}
	if len(jobs.removed) != 1 {
		t.Fatal("pending scheduler job not cancelled")
	}
	if len(executor.calls) != 1 {
		t.Fatal("pipeline not invoked")
	}
	if e.TaskID != "task-1" {
		t.Fatalf("returned execution for %q", e.TaskID)
	}
}

func TestStartTaskExecutionKeepsCronJob(t *testing.T) {
	expr := "0 9 * * *"
	tasks := &fakeTasks{getFn: func(ctx context.Context, id string) (task.Task, error) {
		return task.Task{ID: id, State: task.StateActive, Schedule: &expr}, nil
	}}
	executions := newFakeExecutions()
	jobs := &fakeJobs{}
	executor := &fakeExecutor{}
	c := runner.New(tasks, executions, jobs, executor, testLogger())

	if _, err := c.StartTaskExecution(context.Background(), "task-1", false, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	// the recurring job is the task's only trigger; removing it would stop
	// monitoring until the next restart
	if len(jobs.removed) != 0 {
		t.Fatalf("removed = %v, cron job must survive a manual run", jobs.removed)
	}
	if len(executor.calls) != 1 {
		t.Fatal("pipeline not invoked")
	}
}

func TestStartTaskExecutionSuppressFlagPropagates(t *testing.T) {
	executions := newFakeExecutions()
	executor := &fakeExecutor{}
	c := runner.New(&fakeTasks{}, executions, &fakeJobs{}, executor, testLogger())

	if _, err := c.StartTaskExecution(context.Background(), "task-1", false, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(executor.calls) != 1 || !executor.calls[0].SuppressNotifications {
		t.Fatalf("suppress flag lost: %+v", executor.calls)
	}
}

func TestStartTaskExecutionUnknownTask(t *testing.T) {
	tasks := &fakeTasks{getFn: func(ctx context.Context, id string) (task.Task, error) {
		return task.Task{}, task.ErrTaskNotFound
	}}
	executions := newFakeExecutions()
	c := runner.New(tasks, executions, &fakeJobs{}, &fakeExecutor{}, testLogger())

	_, err := c.StartTaskExecution(context.Background(), "nope", false, false)

	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}
	if len(executions.created) != 0 {
		t.Fatal("created an execution for a missing task")
	}
}
