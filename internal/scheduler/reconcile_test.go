package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/torale/torale/internal/domain/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry is an in-memory Registry tracking job presence and paused
// state without any real timers.
type fakeRegistry struct {
	jobs   map[string]bool // name -> paused
	runAts map[string]time.Time
	crons  map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		jobs:   make(map[string]bool),
		runAts: make(map[string]time.Time),
		crons:  make(map[string]string),
	}
}

func (r *fakeRegistry) UpsertOneShot(name string, runAt time.Time, fn func()) error {
	r.jobs[name] = false
	r.runAts[name] = runAt
	return nil
}

func (r *fakeRegistry) UpsertCron(name string, expr string, fn func()) error {
	if err := ValidateCron(expr); err != nil {
		return err
	}
	r.jobs[name] = false
	r.crons[name] = expr
	return nil
}

func (r *fakeRegistry) Remove(name string) {
	delete(r.jobs, name)
	delete(r.runAts, name)
	delete(r.crons, name)
}

func (r *fakeRegistry) Pause(name string) error {
	if _, ok := r.jobs[name]; !ok {
		return ErrJobNotFound
	}
	r.jobs[name] = true
	return nil
}

func (r *fakeRegistry) Resume(name string) error {
	if _, ok := r.jobs[name]; !ok {
		return ErrJobNotFound
	}
	r.jobs[name] = false
	return nil
}

func (r *fakeRegistry) Has(name string) bool {
	_, ok := r.jobs[name]
	return ok
}

func (r *fakeRegistry) IsPaused(name string) bool {
	paused, ok := r.jobs[name]
	return ok && paused
}

func (r *fakeRegistry) Names() []string {
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type staticLister struct {
	tasks []task.Task
}

func (l *staticLister) ListAll(ctx context.Context) ([]task.Task, error) {
	return l.tasks, nil
}

func noopRun(taskID, userID, taskName string) {}

func makeTask(id string, state task.State) task.Task {
	return task.Task{ID: id, UserID: "user-1", Name: "t-" + id, State: state}
}

func TestReconcileInstallsAndRemovesJobs(t *testing.T) {
	future := time.Now().UTC().Add(2 * time.Hour)

	active := makeTask("a", task.StateActive)
	active.NextRun = &future

	paused := makeTask("p", task.StatePaused)
	completed := makeTask("c", task.StateCompleted)

	reg := newFakeRegistry()
	// pre-existing jobs: one for the completed task, one orphan
	_ = reg.UpsertOneShot(TaskJobName("c"), future, noopRun2)
	_ = reg.UpsertOneShot(TaskJobName("gone"), future, noopRun2)

	lister := &staticLister{tasks: []task.Task{active, paused, completed}}
	r := NewReconciler(lister, reg, noopRun, testLogger())

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if !reg.Has(TaskJobName("a")) || reg.IsPaused(TaskJobName("a")) {
		t.Error("active task should have a running job")
	}
	if got := reg.runAts[TaskJobName("a")]; !got.Equal(future) {
		t.Errorf("active job runs at %v, want persisted next_run %v", got, future)
	}

	if !reg.Has(TaskJobName("p")) || !reg.IsPaused(TaskJobName("p")) {
		t.Error("paused task should have a paused job")
	}

	if reg.Has(TaskJobName("c")) {
		t.Error("completed task's job should be removed")
	}
	if reg.Has(TaskJobName("gone")) {
		t.Error("orphaned job should be removed")
	}
}

func noopRun2() {}

func TestReconcileResumesAndPauses(t *testing.T) {
	active := makeTask("a", task.StateActive)
	paused := makeTask("p", task.StatePaused)

	reg := newFakeRegistry()
	// active but paused -> must resume
	_ = reg.UpsertOneShot(TaskJobName("a"), time.Now().Add(time.Hour), noopRun2)
	_ = reg.Pause(TaskJobName("a"))
	// paused but running -> must pause
	_ = reg.UpsertOneShot(TaskJobName("p"), time.Now().Add(time.Hour), noopRun2)

	lister := &staticLister{tasks: []task.Task{active, paused}}
	r := NewReconciler(lister, reg, noopRun, testLogger())

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if reg.IsPaused(TaskJobName("a")) {
		t.Error("active task's job still paused")
	}
	if !reg.IsPaused(TaskJobName("p")) {
		t.Error("paused task's job still running")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	active := makeTask("a", task.StateActive)
	active.NextRun = &future
	paused := makeTask("p", task.StatePaused)

	reg := newFakeRegistry()
	lister := &staticLister{tasks: []task.Task{active, paused}}
	r := NewReconciler(lister, reg, noopRun, testLogger())

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	first := map[string]bool{}
	for _, name := range reg.Names() {
		first[name] = reg.IsPaused(name)
	}

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if len(reg.Names()) != len(first) {
		t.Fatalf("second pass changed job count: %v", reg.Names())
	}
	for _, name := range reg.Names() {
		if reg.IsPaused(name) != first[name] {
			t.Errorf("second pass changed paused state of %s", name)
		}
	}
}

func TestReconcileUsesCronForScheduledTasks(t *testing.T) {
	expr := "0 9 * * *"
	cronTask := makeTask("cr", task.StateActive)
	cronTask.Schedule = &expr

	reg := newFakeRegistry()
	lister := &staticLister{tasks: []task.Task{cronTask}}
	r := NewReconciler(lister, reg, noopRun, testLogger())

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := reg.crons[TaskJobName("cr")]; got != expr {
		t.Fatalf("cron expr = %q, want %q", got, expr)
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron("0 9 * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := ValidateCron("not a cron"); err == nil {
		t.Fatal("garbage expression accepted")
	}
	// 6-field (seconds) expressions are not standard
	if err := ValidateCron("0 0 9 * * *"); err == nil {
		t.Fatal("6-field expression accepted")
	}
}

func TestNextCronAfter(t *testing.T) {
	// daily at 09:00 UTC, asked just after midnight
	from := time.Date(2024, 2, 10, 0, 30, 0, 0, time.UTC)

	next, err := NextCronAfter("0 9 * * *", from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	want := time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// asked after today's fire time it rolls to tomorrow
	next, err = NextCronAfter("0 9 * * *", want.Add(time.Minute))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !next.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("next = %v, want next day", next)
	}
}
