package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/lifecycle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTaskStore struct {
	getFn func(ctx context.Context, id string) (task.Task, error)
	casFn func(ctx context.Context, id string, from, to task.State) error

	casCalls []casCall
}

type casCall struct {
	from, to task.State
}

func (f *fakeTaskStore) GetByID(ctx context.Context, id string) (task.Task, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return task.Task{}, nil
}

func (f *fakeTaskStore) UpdateStateCAS(ctx context.Context, id string, from, to task.State) error {
	f.casCalls = append(f.casCalls, casCall{from, to})
	if f.casFn != nil {
		return f.casFn(ctx, id, from, to)
	}
	return nil
}

type fakeJobs struct {
	pauseFn  func(taskID string) error
	resumeFn func(taskID, userID, taskName string, fallback time.Time) error

	paused      []string
	resumed     []string
	cronResumed []string
	removed     []string
}

func (f *fakeJobs) Pause(taskID string) error {
	f.paused = append(f.paused, taskID)
	if f.pauseFn != nil {
		return f.pauseFn(taskID)
	}
	return nil
}

func (f *fakeJobs) ResumeOrCreate(taskID, userID, taskName string, fallback time.Time) error {
	f.resumed = append(f.resumed, taskID)
	if f.resumeFn != nil {
		return f.resumeFn(taskID, userID, taskName, fallback)
	}
	return nil
}

func (f *fakeJobs) ResumeOrCreateCron(taskID, userID, taskName, expr string) error {
	f.cronResumed = append(f.cronResumed, taskID)
	return nil
}

func (f *fakeJobs) Remove(taskID string) {
	f.removed = append(f.removed, taskID)
}

func fixedTask(state task.State) task.Task {
	return task.Task{
		ID:     "task-1",
		UserID: "user-1",
		Name:   "watcher",
		State:  state,
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    task.State
		to      task.State
		allowed bool
	}{
		{"active_to_paused", task.StateActive, task.StatePaused, true},
		{"active_to_completed", task.StateActive, task.StateCompleted, true},
		{"paused_to_active", task.StatePaused, task.StateActive, true},
		{"completed_to_active", task.StateCompleted, task.StateActive, true},
		{"paused_to_completed", task.StatePaused, task.StateCompleted, false},
		{"completed_to_paused", task.StateCompleted, task.StatePaused, false},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			store := &fakeTaskStore{
				getFn: func(ctx context.Context, id string) (task.Task, error) {
					return fixedTask(tt.from), nil
				},
			}
			jobs := &fakeJobs{}
			m := lifecycle.NewMachine(store, jobs, testLogger())

			got, err := m.Transition(context.Background(), "task-1", tt.to)

			if tt.allowed {
				if err != nil {
					t.Fatalf("transition: %v", err)
				}
				if got.State != tt.to {
					t.Fatalf("state = %s, want %s", got.State, tt.to)
				}
				return
			}

			var invalid *task.InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("want InvalidTransitionError, got %v", err)
			}
			if len(store.casCalls) != 0 {
				t.Fatal("rejected transition must not touch the database")
			}
		})
	}
}

func TestSameStateTransitionIsNoOp(t *testing.T) {
	store := &fakeTaskStore{
		getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StateActive), nil
		},
	}
	jobs := &fakeJobs{}
	m := lifecycle.NewMachine(store, jobs, testLogger())

	got, err := m.Transition(context.Background(), "task-1", task.StateActive)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.State != task.StateActive {
		t.Fatalf("state = %s", got.State)
	}
	if len(store.casCalls) != 0 || len(jobs.paused)+len(jobs.resumed)+len(jobs.removed) != 0 {
		t.Fatal("same-state transition must have no side effects")
	}
}

func TestTransitionSideEffects(t *testing.T) {
	t.Run("pause", func(t *testing.T) {
		store := &fakeTaskStore{getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StateActive), nil
		}}
		jobs := &fakeJobs{}
		m := lifecycle.NewMachine(store, jobs, testLogger())

		if _, err := m.Transition(context.Background(), "task-1", task.StatePaused); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if len(jobs.paused) != 1 {
			t.Fatal("expected scheduler pause")
		}
	})

	t.Run("complete_removes_job", func(t *testing.T) {
		store := &fakeTaskStore{getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StateActive), nil
		}}
		jobs := &fakeJobs{}
		m := lifecycle.NewMachine(store, jobs, testLogger())

		if _, err := m.Transition(context.Background(), "task-1", task.StateCompleted); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if len(jobs.removed) != 1 {
			t.Fatal("expected scheduler job removal")
		}
	})

	t.Run("resume_on_activate", func(t *testing.T) {
		store := &fakeTaskStore{getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StatePaused), nil
		}}
		jobs := &fakeJobs{}
		m := lifecycle.NewMachine(store, jobs, testLogger())

		if _, err := m.Transition(context.Background(), "task-1", task.StateActive); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if len(jobs.resumed) != 1 {
			t.Fatal("expected scheduler resume")
		}
	})

	t.Run("cron_task_resumes_as_cron", func(t *testing.T) {
		expr := "0 9 * * *"
		store := &fakeTaskStore{getFn: func(ctx context.Context, id string) (task.Task, error) {
			ft := fixedTask(task.StatePaused)
			ft.Schedule = &expr
			return ft, nil
		}}
		jobs := &fakeJobs{}
		m := lifecycle.NewMachine(store, jobs, testLogger())

		if _, err := m.Transition(context.Background(), "task-1", task.StateActive); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if len(jobs.cronResumed) != 1 {
			t.Fatal("expected cron resume")
		}
		if len(jobs.resumed) != 0 {
			t.Fatal("cron task must not get a one-shot job")
		}
	})
}

func TestTransitionRollsBackOnSchedulerFailure(t *testing.T) {
	store := &fakeTaskStore{
		getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StateActive), nil
		},
	}
	jobs := &fakeJobs{
		pauseFn: func(taskID string) error { return errors.New("registry unavailable") },
	}
	m := lifecycle.NewMachine(store, jobs, testLogger())

	_, err := m.Transition(context.Background(), "task-1", task.StatePaused)
	if err == nil {
		t.Fatal("expected error from scheduler failure")
	}

	if len(store.casCalls) != 2 {
		t.Fatalf("cas calls = %d, want forward + rollback", len(store.casCalls))
	}
	rollback := store.casCalls[1]
	if rollback.from != task.StatePaused || rollback.to != task.StateActive {
		t.Fatalf("rollback was %s -> %s", rollback.from, rollback.to)
	}
}

func TestTransitionConcurrentModification(t *testing.T) {
	store := &fakeTaskStore{
		getFn: func(ctx context.Context, id string) (task.Task, error) {
			return fixedTask(task.StateActive), nil
		},
		casFn: func(ctx context.Context, id string, from, to task.State) error {
			return task.ErrConcurrentTransition
		},
	}
	m := lifecycle.NewMachine(store, &fakeJobs{}, testLogger())

	_, err := m.Transition(context.Background(), "task-1", task.StatePaused)
	if !errors.Is(err, task.ErrConcurrentTransition) {
		t.Fatalf("want ErrConcurrentTransition, got %v", err)
	}
}
