// Package orchestrator runs the per-execution pipeline: prompt -> agent ->
// persist -> notify -> reschedule or complete. Scheduled runs enter through
// ExecuteScheduled (fired by the scheduler), manual runs through
// ExecuteManual (fired by the run coordinator on an existing pending row).
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/torale/torale/internal/agent"
	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/observability"
	"github.com/torale/torale/internal/scheduler"
)

const (
	// agent failures reschedule the task this far out so it stays alive
	retryDelay = time.Hour

	// agent next_run values beyond this horizon are replaced with the fallback
	maxReschedule = 30 * 24 * time.Hour

	fallbackDelay = 24 * time.Hour

	flagNotificationFailed = "notification_failed"
	flagRescheduleFailed   = "reschedule_failed"

	triggerScheduled = "scheduled"
	triggerManual    = "manual"
)

type TaskStore interface {
	GetByID(ctx context.Context, id string) (task.Task, error)
	Rename(ctx context.Context, id, placeholder, name string) error
	SetNextRun(ctx context.Context, id string, nextRun *time.Time) error
}

type ExecutionStore interface {
	CreatePending(ctx context.Context, taskID string, retryCount int) (execution.Execution, bool, error)
	MarkRunning(ctx context.Context, id string) error
	FinalizeSuccess(ctx context.Context, up execution.SuccessUpdate) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ListRecentCompleted(ctx context.Context, taskID string, limit int) ([]execution.Execution, error)
	MergeResultFlag(ctx context.Context, id string, flag string) error
}

type Agent interface {
	Run(ctx context.Context, prompt string) (agent.Response, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, t task.Task, e execution.Execution, meta execution.Meta, notificationText string) (anyFailed bool)
}

// Completer moves tasks to their terminal state; *lifecycle.Machine
// implements it.
type Completer interface {
	Transition(ctx context.Context, taskID string, to task.State) (task.Task, error)
}

type Jobs interface {
	ScheduleNext(taskID, userID, taskName string, runAt time.Time) error
}

type Orchestrator struct {
	tasks      TaskStore
	executions ExecutionStore
	agent      Agent
	notifier   Notifier
	machine    Completer
	jobs       Jobs
	log        *slog.Logger
	prom       *observability.Prom
}

func New(tasks TaskStore, executions ExecutionStore, ag Agent, notifier Notifier, machine Completer, jobs Jobs, log *slog.Logger, prom *observability.Prom) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		executions: executions,
		agent:      ag,
		notifier:   notifier,
		machine:    machine,
		jobs:       jobs,
		log:        log,
		prom:       prom,
	}
}

// ExecuteScheduled is bound into the scheduler's RunFunc: it allocates a
// fresh execution row and runs the pipeline. ctx is the process lifetime
// context, so shutdown aborts an in-flight agent wait. Errors end up on the
// execution row and in the log; the scheduler has nowhere to put a return
// value.
func (o *Orchestrator) ExecuteScheduled(ctx context.Context, taskID, userID, taskName string) {
	retryCount, err := o.nextRetryCount(ctx, taskID)
	if err != nil {
		o.log.ErrorContext(ctx, "cannot determine retry count, starting at 0",
			"task_id", taskID, "err", err)
		retryCount = 0
	}

	e, isFirst, err := o.executions.CreatePending(ctx, taskID, retryCount)

	if err != nil {
		if errors.Is(err, execution.ErrAlreadyRunning) {
			// a manual run beat us to it; this trigger is simply skipped
			o.log.InfoContext(ctx, "scheduled trigger skipped, execution in flight", "task_id", taskID)
			return
		}
		o.log.ErrorContext(ctx, "failed to create scheduled execution",
			"task_id", taskID, "err", err)
		return
	}

	meta := execution.Meta{IsFirstExecution: isFirst}

	if err := o.run(ctx, triggerScheduled, e, meta); err != nil {
		o.log.ErrorContext(ctx, "scheduled execution failed",
			"task_id", taskID, "execution_id", e.ID, "user_id", userID,
			"task_name", taskName, "err", err)
	}
}

// ExecuteManual runs the pipeline on an execution row the coordinator
// already created. meta.SuppressNotifications turns the run into a preview.
func (o *Orchestrator) ExecuteManual(ctx context.Context, e execution.Execution, meta execution.Meta) error {
	return o.run(ctx, triggerManual, e, meta)
}

// nextRetryCount continues the failure streak: a retry after a failed
// execution carries retry_count+1, a run after a success starts back at 0.
func (o *Orchestrator) nextRetryCount(ctx context.Context, taskID string) (int, error) {
	recent, err := o.executions.ListRecentCompleted(ctx, taskID, 1)
	if err != nil {
		return 0, err
	}
	if len(recent) == 0 || recent[0].Status != execution.StatusFailed {
		return 0, nil
	}
	return recent[0].RetryCount + 1, nil
}

func (o *Orchestrator) run(ctx context.Context, trigger string, e execution.Execution, meta execution.Meta) error {
	start := time.Now()
	result := "failed"

	if o.prom != nil {
		o.prom.ExecutionsInFlight.Inc()
		defer func() {
			o.prom.ExecutionsInFlight.Dec()
			o.prom.ExecutionResults.WithLabelValues(trigger, result).Inc()
			o.prom.ExecutionDuration.WithLabelValues(trigger, result).Observe(time.Since(start).Seconds())
		}()
	}

	if err := o.executions.MarkRunning(ctx, e.ID); err != nil {
		if errors.Is(err, execution.ErrAlreadyFinalized) {
			// overridden by a force run or reaped; nothing left to do
			o.log.WarnContext(ctx, "execution finalized before it started",
				"task_id", e.TaskID, "execution_id", e.ID)
			return nil
		}
		return err
	}

	t, err := o.tasks.GetByID(ctx, e.TaskID)
	if err != nil {
		o.fail(ctx, e, "task no longer exists: "+err.Error())
		return err
	}

	history, err := o.executions.ListRecentCompleted(ctx, t.ID, historyDepth)
	if err != nil {
		// history is an enrichment, not a precondition
		o.log.WarnContext(ctx, "could not load execution history",
			"task_id", t.ID, "err", err)
		history = nil
	}

	resp, err := o.agent.Run(ctx, BuildPrompt(t, history))
	if err != nil {
		o.fail(ctx, e, err.Error())
		o.scheduleRetry(ctx, t)
		return err
	}

	o.autoName(ctx, t.ID, t.Name, resp.Topic)

	nextRun := o.resolveNextRun(ctx, t, resp.NextRun)

	changeSummary := resp.Evidence
	if resp.Notification != nil && *resp.Notification != "" {
		changeSummary = *resp.Notification
	}

	up := execution.SuccessUpdate{
		ExecutionID:      e.ID,
		TaskID:           t.ID,
		Notification:     resp.Notification,
		ChangeSummary:    changeSummary,
		GroundingSources: resp.Sources,
		Result:           resp.Raw,
		Evidence:         resp.Evidence,
		NextRun:          nextRun,
	}

	if err := o.executions.FinalizeSuccess(ctx, up); err != nil {
		if errors.Is(err, execution.ErrAlreadyFinalized) {
			o.log.WarnContext(ctx, "execution overridden during agent call",
				"task_id", t.ID, "execution_id", e.ID)
			return nil
		}
		return err
	}

	result = "success"

	e.Status = execution.StatusSuccess
	e.Notification = resp.Notification
	e.ChangeSummary = &changeSummary
	e.GroundingSources = resp.Sources
	e.Result = resp.Raw

	// The dispatcher also owns the first-execution welcome email, so it is
	// reached whenever this is the first run, not only when the condition
	// fired.
	notificationText := ""
	if resp.Notification != nil {
		notificationText = *resp.Notification
	}

	if !meta.SuppressNotifications && (notificationText != "" || meta.IsFirstExecution) {
		if anyFailed := o.notifier.Dispatch(ctx, t, e, meta, notificationText); anyFailed {
			if ferr := o.executions.MergeResultFlag(ctx, e.ID, flagNotificationFailed); ferr != nil {
				o.log.ErrorContext(ctx, "could not flag failed notification",
					"execution_id", e.ID, "err", ferr)
			}
		}
	}

	// Job registration stays outside the finalize transaction.
	o.settle(ctx, t, e, resp.NextRun, nextRun)

	return nil
}

// settle completes the task or registers its next run, after the success
// transaction committed. Cron tasks keep their recurring job regardless of
// what the agent returned.
func (o *Orchestrator) settle(ctx context.Context, t task.Task, e execution.Execution, agentNextRun, resolved *time.Time) {
	if t.Schedule != nil && *t.Schedule != "" {
		return
	}

	if agentNextRun == nil {
		if _, err := o.machine.Transition(ctx, t.ID, task.StateCompleted); err != nil {
			o.log.ErrorContext(ctx, "could not complete finished task",
				"task_id", t.ID, "execution_id", e.ID, "err", err)
		}
		return
	}

	if err := o.jobs.ScheduleNext(t.ID, t.UserID, t.Name, *resolved); err != nil {
		o.log.ErrorContext(ctx, "could not schedule next run",
			"task_id", t.ID, "execution_id", e.ID, "next_run", *resolved, "err", err)
		if ferr := o.executions.MergeResultFlag(ctx, e.ID, flagRescheduleFailed); ferr != nil {
			o.log.ErrorContext(ctx, "could not flag failed reschedule",
				"execution_id", e.ID, "err", ferr)
		}
	}
}

// resolveNextRun decides what goes into tasks.next_run. Cron tasks follow
// their expression; otherwise the agent's value is taken when it is
// strictly in the future and within the horizon, else the 24h fallback.
// nil means the task is done.
func (o *Orchestrator) resolveNextRun(ctx context.Context, t task.Task, agentNextRun *time.Time) *time.Time {
	now := time.Now().UTC()

	if t.Schedule != nil && *t.Schedule != "" {
		next, err := scheduler.NextCronAfter(*t.Schedule, now)
		if err != nil {
			o.log.ErrorContext(ctx, "task has invalid cron schedule",
				"task_id", t.ID, "schedule", *t.Schedule, "err", err)
			fallback := now.Add(fallbackDelay)
			return &fallback
		}
		return &next
	}

	if agentNextRun == nil {
		return nil
	}

	n := agentNextRun.UTC()
	if !n.After(now) || n.After(now.Add(maxReschedule)) {
		o.log.WarnContext(ctx, "agent next_run outside accepted window, using fallback",
			"task_id", t.ID, "agent_next_run", n)
		n = now.Add(fallbackDelay)
	}
	return &n
}

// fail finalizes the row as failed. An already-terminal row is left alone.
func (o *Orchestrator) fail(ctx context.Context, e execution.Execution, msg string) {
	if err := o.executions.MarkFailed(ctx, e.ID, msg); err != nil && !errors.Is(err, execution.ErrAlreadyFinalized) {
		o.log.ErrorContext(ctx, "could not mark execution failed",
			"execution_id", e.ID, "err", err)
	}
}

// scheduleRetry keeps a task alive after an agent failure: one retry an
// hour out, persisted so reconciliation sees it too.
func (o *Orchestrator) scheduleRetry(ctx context.Context, t task.Task) {
	if t.Schedule != nil && *t.Schedule != "" {
		// cron fires again on its own
		return
	}

	runAt := time.Now().UTC().Add(retryDelay)

	if err := o.tasks.SetNextRun(ctx, t.ID, &runAt); err != nil {
		o.log.ErrorContext(ctx, "could not persist retry time",
			"task_id", t.ID, "err", err)
	}

	if err := o.jobs.ScheduleNext(t.ID, t.UserID, t.Name, runAt); err != nil {
		o.log.ErrorContext(ctx, "could not schedule retry",
			"task_id", t.ID, "run_at", runAt, "err", err)
	}
}

// autoName renames placeholder-named tasks from the agent's topic. Losing
// the race against a user rename is fine, the WHERE clause protects them.
func (o *Orchestrator) autoName(ctx context.Context, taskID, currentName, topic string) {
	if currentName != task.DefaultName || topic == "" {
		return
	}

	if err := o.tasks.Rename(ctx, taskID, task.DefaultName, topic); err != nil {
		o.log.WarnContext(ctx, "could not auto-name task",
			"task_id", taskID, "topic", topic, "err", err)
	}
}
