// Package lifecycle implements the task state machine. Every state change
// in the system funnels through Machine.Transition so the transition table,
// the compare-and-swap write and the scheduler side effect stay in one
// place.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/torale/torale/internal/domain/task"
)

type TaskStore interface {
	GetByID(ctx context.Context, id string) (task.Task, error)
	UpdateStateCAS(ctx context.Context, id string, from, to task.State) error
}

// Jobs is the scheduler surface the machine drives. *scheduler.TaskJobs
// implements it.
type Jobs interface {
	Pause(taskID string) error
	ResumeOrCreate(taskID, userID, taskName string, fallback time.Time) error
	ResumeOrCreateCron(taskID, userID, taskName, expr string) error
	Remove(taskID string)
}

type Machine struct {
	tasks TaskStore
	jobs  Jobs
	log   *slog.Logger
}

func NewMachine(tasks TaskStore, jobs Jobs, log *slog.Logger) *Machine {
	return &Machine{tasks: tasks, jobs: jobs, log: log}
}

// Transition moves a task to the target state and applies the scheduler
// side effect. A same-state request returns the task unchanged. If the
// scheduler refuses the side effect the database write is rolled back so
// the stored state keeps matching the registry.
func (m *Machine) Transition(ctx context.Context, taskID string, to task.State) (task.Task, error) {
	t, err := m.tasks.GetByID(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}

	if t.State == to {
		return t, nil
	}

	if !task.CanTransition(t.State, to) {
		return task.Task{}, &task.InvalidTransitionError{From: t.State, To: to}
	}

	if err := m.tasks.UpdateStateCAS(ctx, taskID, t.State, to); err != nil {
		if errors.Is(err, task.ErrConcurrentTransition) {
			// the row moved underneath us; distinguish from deletion
			if _, getErr := m.tasks.GetByID(ctx, taskID); errors.Is(getErr, task.ErrTaskNotFound) {
				return task.Task{}, task.ErrTaskNotFound
			}
		}
		return task.Task{}, err
	}

	if err := m.applySideEffect(t, to); err != nil {
		m.rollback(ctx, taskID, t.State, to, err)
		return task.Task{}, fmt.Errorf("scheduler update for transition %s -> %s: %w", t.State, to, err)
	}

	t.State = to
	t.StateChangedAt = time.Now().UTC()
	return t, nil
}

func (m *Machine) applySideEffect(t task.Task, to task.State) error {
	switch to {
	case task.StateActive:
		if t.Schedule != nil && *t.Schedule != "" {
			return m.jobs.ResumeOrCreateCron(t.ID, t.UserID, t.Name, *t.Schedule)
		}
		fallback := time.Now().UTC().Add(24 * time.Hour)
		if t.NextRun != nil && t.NextRun.After(time.Now().UTC()) {
			fallback = t.NextRun.UTC()
		}
		return m.jobs.ResumeOrCreate(t.ID, t.UserID, t.Name, fallback)
	case task.StatePaused:
		return m.jobs.Pause(t.ID)
	case task.StateCompleted:
		m.jobs.Remove(t.ID)
		return nil
	default:
		return fmt.Errorf("unknown target state %q", to)
	}
}

// rollback undoes the CAS after a scheduler failure. If the rollback itself
// fails the database and the registry disagree until the next
// reconciliation pass; that is logged loudly rather than hidden.
func (m *Machine) rollback(ctx context.Context, taskID string, from, to task.State, cause error) {
	if err := m.tasks.UpdateStateCAS(ctx, taskID, to, from); err != nil {
		m.log.ErrorContext(ctx, "state rollback failed after scheduler error; registry and database diverge until reconciliation",
			"task_id", taskID, "stored_state", to, "wanted_state", from,
			"scheduler_err", cause, "rollback_err", err)
		return
	}

	m.log.WarnContext(ctx, "rolled back task state after scheduler error",
		"task_id", taskID, "from", from, "to", to, "err", cause)
}
