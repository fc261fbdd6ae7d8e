package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/torale/torale/internal/domain/task"
)

type TaskLister interface {
	ListAll(ctx context.Context) ([]task.Task, error)
}

// Reconciler brings the in-memory job registry into agreement with the
// tasks table. It runs once at startup, before anything is served, and is
// idempotent: a second pass over an unchanged database changes nothing.
type Reconciler struct {
	tasks TaskLister
	reg   Registry
	run   RunFunc
	log   *slog.Logger
}

func NewReconciler(tasks TaskLister, reg Registry, run RunFunc, log *slog.Logger) *Reconciler {
	return &Reconciler{tasks: tasks, reg: reg, run: run, log: log}
}

func (r *Reconciler) Reconcile(ctx context.Context) error {
	all, err := r.tasks.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: load tasks: %w", err)
	}

	known := make(map[string]bool, len(all))

	for i := range all {
		t := all[i]
		known[TaskJobName(t.ID)] = true

		if err := r.reconcileTask(t); err != nil {
			// one broken task must not abort the pass
			r.log.ErrorContext(ctx, "failed to reconcile task",
				"task_id", t.ID, "state", t.State, "err", err)
		}
	}

	// drop jobs whose task no longer exists
	for _, name := range r.reg.Names() {
		if !strings.HasPrefix(name, "task-") {
			continue
		}
		if !known[name] {
			r.log.WarnContext(ctx, "removing orphaned scheduler job", "job", name)
			r.reg.Remove(name)
		}
	}

	r.log.InfoContext(ctx, "scheduler reconciliation complete", "tasks", len(all))
	return nil
}

func (r *Reconciler) reconcileTask(t task.Task) error {
	name := TaskJobName(t.ID)

	switch t.State {
	case task.StateActive:
		if !r.reg.Has(name) {
			return r.install(t)
		}
		if r.reg.IsPaused(name) {
			return r.reg.Resume(name)
		}
		return nil

	case task.StatePaused:
		if !r.reg.Has(name) {
			if err := r.install(t); err != nil {
				return err
			}
			return r.reg.Pause(name)
		}
		if !r.reg.IsPaused(name) {
			return r.reg.Pause(name)
		}
		return nil

	case task.StateCompleted:
		if r.reg.Has(name) {
			r.reg.Remove(name)
		}
		return nil

	default:
		return fmt.Errorf("unknown task state %q", t.State)
	}
}

// install registers the task's job: cron when the task has a bare cron
// schedule, otherwise a one-shot at next_run (or 24h out as a fallback).
func (r *Reconciler) install(t task.Task) error {
	taskID, userID, taskName := t.ID, t.UserID, t.Name
	fn := func() { r.run(taskID, userID, taskName) }

	if t.Schedule != nil && *t.Schedule != "" {
		return r.reg.UpsertCron(TaskJobName(t.ID), *t.Schedule, fn)
	}

	runAt := time.Now().UTC().Add(24 * time.Hour)
	if t.NextRun != nil && t.NextRun.After(time.Now().UTC()) {
		runAt = t.NextRun.UTC()
	}

	return r.reg.UpsertOneShot(TaskJobName(t.ID), runAt, fn)
}
