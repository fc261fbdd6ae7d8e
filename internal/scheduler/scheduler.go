// Package scheduler owns the durable job registry: one job per task, keyed
// "task-<task_id>", plus the system jobs (stale-execution reaper, webhook
// retry sweep). Jobs are held in-memory and rebuilt from the tasks table by
// the startup reconciliation pass, so nothing here needs its own store.
//
// Two trigger kinds exist: one-shot jobs for agent-driven rescheduling (the
// primary mode) and cron jobs for tasks with a bare cron schedule. gocron
// has no native pause, so pausing keeps the job's spec in the registry and
// removes it from gocron; resuming re-adds it.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"github.com/torale/torale/internal/observability"
)

const (
	ReapJobName  = "reap-stale-executions"
	SweepJobName = "webhook-retry-job"
)

// TaskJobName formats the registry key for a task's job.
func TaskJobName(taskID string) string {
	return "task-" + taskID
}

var ErrJobNotFound = errors.New("scheduler job not found")

type jobKind int

const (
	kindOneShot jobKind = iota
	kindCron
	kindInterval
)

type jobSpec struct {
	kind   jobKind
	runAt  time.Time
	expr   string
	every  time.Duration
	fn     func()
	paused bool
}

type Scheduler struct {
	cron gocron.Scheduler
	log  *slog.Logger
	prom *observability.Prom

	mu   sync.Mutex
	jobs map[string]*jobSpec
}

func New(log *slog.Logger, prom *observability.Prom) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron: s,
		log:  log,
		prom: prom,
		jobs: make(map[string]*jobSpec),
	}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// ValidateCron rejects anything that is not a standard 5-field expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextCronAfter computes the next fire time of a 5-field UTC cron
// expression strictly after t.
func NextCronAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.UTC()), nil
}

// UpsertOneShot registers (or replaces) a single-shot job. A run time in
// the past fires immediately.
func (s *Scheduler) UpsertOneShot(name string, runAt time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)

	spec := &jobSpec{kind: kindOneShot, runAt: runAt.UTC(), fn: fn}

	if err := s.installLocked(name, spec); err != nil {
		return err
	}

	s.jobs[name] = spec
	s.updateGauge()
	return nil
}

// UpsertCron registers (or replaces) a recurring job from a 5-field cron
// expression, evaluated in UTC.
func (s *Scheduler) UpsertCron(name string, expr string, fn func()) error {
	if err := ValidateCron(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)

	spec := &jobSpec{kind: kindCron, expr: expr, fn: fn}

	if err := s.installLocked(name, spec); err != nil {
		return err
	}

	s.jobs[name] = spec
	s.updateGauge()
	return nil
}

// RunEvery registers a fixed-interval system job (reaper, retry sweep).
func (s *Scheduler) RunEvery(name string, every time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)

	spec := &jobSpec{kind: kindInterval, every: every, fn: fn}

	if err := s.installLocked(name, spec); err != nil {
		return err
	}

	s.jobs[name] = spec
	s.updateGauge()
	return nil
}

// Remove drops the job entirely. Removing an unknown name is a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	delete(s.jobs, name)
	s.updateGauge()
}

// Pause keeps the job's spec but stops it from firing.
func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if spec.paused {
		return nil
	}

	s.removeLocked(name)
	spec.paused = true
	return nil
}

// Resume re-installs a paused job. A one-shot whose time already passed is
// pushed out 24h, same as the reconciliation fallback.
func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if !spec.paused {
		return nil
	}

	if spec.kind == kindOneShot && !spec.runAt.After(time.Now().UTC()) {
		spec.runAt = time.Now().UTC().Add(24 * time.Hour)
	}

	if err := s.installLocked(name, spec); err != nil {
		return err
	}

	spec.paused = false
	return nil
}

func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[name]
	return ok
}

func (s *Scheduler) IsPaused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.jobs[name]
	return ok && spec.paused
}

// Names returns every registered job name, paused included.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// installLocked adds the spec to gocron under the name tag. Singleton mode
// coalesces duplicate triggers: at most one running invocation per job.
func (s *Scheduler) installLocked(name string, spec *jobSpec) error {
	var def gocron.JobDefinition

	switch spec.kind {
	case kindOneShot:
		runAt := spec.runAt
		if !runAt.After(time.Now().UTC()) {
			// gocron rejects past start times; fire as soon as possible
			runAt = time.Now().UTC().Add(time.Second)
		}
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(runAt))
	case kindCron:
		def = gocron.CronJob(spec.expr, false)
	case kindInterval:
		def = gocron.DurationJob(spec.every)
	}

	_, err := s.cron.NewJob(
		def,
		gocron.NewTask(spec.fn),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) removeLocked(name string) {
	s.cron.RemoveByTags(name)
}

func (s *Scheduler) updateGauge() {
	if s.prom != nil {
		s.prom.ScheduledJobs.Set(float64(len(s.jobs)))
	}
}
