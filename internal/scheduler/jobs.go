package scheduler

import (
	"errors"
	"time"
)

// RunFunc executes one scheduled run of a task. The scheduler fires it in
// a job goroutine; the function owns its own context and error handling.
type RunFunc func(taskID, userID, taskName string)

// Registry is the job-registry surface the reconciler and the state machine
// need. *Scheduler implements it; tests use an in-memory fake.
type Registry interface {
	UpsertOneShot(name string, runAt time.Time, fn func()) error
	UpsertCron(name string, expr string, fn func()) error
	Remove(name string)
	Pause(name string) error
	Resume(name string) error
	Has(name string) bool
	IsPaused(name string) bool
	Names() []string
}

// TaskJobs binds the registry to the run closure so callers deal in task
// identities instead of job names and closures.
type TaskJobs struct {
	reg Registry
	run RunFunc
}

func NewTaskJobs(reg Registry, run RunFunc) *TaskJobs {
	return &TaskJobs{reg: reg, run: run}
}

// ScheduleNext installs (or replaces) the task's one-shot job.
func (j *TaskJobs) ScheduleNext(taskID, userID, taskName string, runAt time.Time) error {
	return j.reg.UpsertOneShot(TaskJobName(taskID), runAt, func() {
		j.run(taskID, userID, taskName)
	})
}

// ScheduleCron installs (or replaces) the task's recurring cron job.
func (j *TaskJobs) ScheduleCron(taskID, userID, taskName, expr string) error {
	return j.reg.UpsertCron(TaskJobName(taskID), expr, func() {
		j.run(taskID, userID, taskName)
	})
}

func (j *TaskJobs) Pause(taskID string) error {
	err := j.reg.Pause(TaskJobName(taskID))
	if errors.Is(err, ErrJobNotFound) {
		// nothing scheduled; pausing is still satisfied
		return nil
	}
	return err
}

// ResumeOrCreate resumes a paused job, or installs a fresh one-shot when
// the registry has nothing for the task (e.g. after a restart).
func (j *TaskJobs) ResumeOrCreate(taskID, userID, taskName string, fallback time.Time) error {
	err := j.reg.Resume(TaskJobName(taskID))
	if errors.Is(err, ErrJobNotFound) {
		return j.ScheduleNext(taskID, userID, taskName, fallback)
	}
	return err
}

// ResumeOrCreateCron is ResumeOrCreate for cron-scheduled tasks: a missing
// job is reinstalled from the cron expression, not as a one-shot.
func (j *TaskJobs) ResumeOrCreateCron(taskID, userID, taskName, expr string) error {
	err := j.reg.Resume(TaskJobName(taskID))
	if errors.Is(err, ErrJobNotFound) {
		return j.ScheduleCron(taskID, userID, taskName, expr)
	}
	return err
}

func (j *TaskJobs) Remove(taskID string) {
	j.reg.Remove(TaskJobName(taskID))
}
