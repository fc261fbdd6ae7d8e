package scheduler

import (
	"context"
	"log/slog"
	"time"
)

type StaleReaperStore interface {
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reaper fails executions stuck in running beyond the grace period. It is
// the only recovery path when an orchestrator dies mid-run.
type Reaper struct {
	executions StaleReaperStore
	log        *slog.Logger
	grace      time.Duration
}

func NewReaper(executions StaleReaperStore, log *slog.Logger, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = 30 * time.Minute
	}

	return &Reaper{executions: executions, log: log, grace: grace}
}

func (r *Reaper) Run(ctx context.Context) {
	reaped, err := r.executions.ReapStale(ctx, r.grace)

	if err != nil {
		r.log.ErrorContext(ctx, "stale execution reap failed", "err", err)
		return
	}

	if reaped > 0 {
		r.log.WarnContext(ctx, "reaped stale executions", "count", reaped, "grace", r.grace)
	}
}
