package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/domain/task"
)

type DueDeliveryStore interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]notification.Delivery, error)
}

type TaskGetter interface {
	GetByID(ctx context.Context, id string) (task.Task, error)
}

type Redeliverer interface {
	Redeliver(ctx context.Context, d notification.Delivery, secret string) error
}

// WebhookSweep re-delivers webhook attempts whose retry is due. Each pass
// advances every due delivery by exactly one attempt.
type WebhookSweep struct {
	deliveries DueDeliveryStore
	tasks      TaskGetter
	sender     Redeliverer
	log        *slog.Logger

	batch int
}

func NewWebhookSweep(deliveries DueDeliveryStore, tasks TaskGetter, sender Redeliverer, log *slog.Logger) *WebhookSweep {
	return &WebhookSweep{
		deliveries: deliveries,
		tasks:      tasks,
		sender:     sender,
		log:        log,
		batch:      100,
	}
}

func (w *WebhookSweep) Run(ctx context.Context) {
	due, err := w.deliveries.DueRetries(ctx, time.Now().UTC(), w.batch)

	if err != nil {
		w.log.ErrorContext(ctx, "webhook retry sweep query failed", "err", err)
		return
	}

	for _, d := range due {
		t, err := w.tasks.GetByID(ctx, d.TaskID)

		if err != nil {
			// task deleted underneath a pending retry; nothing to sign with
			w.log.WarnContext(ctx, "skipping webhook retry, task gone",
				"task_id", d.TaskID, "execution_id", d.ExecutionID, "err", err)
			continue
		}

		if t.WebhookSecret == nil {
			w.log.WarnContext(ctx, "skipping webhook retry, secret removed",
				"task_id", d.TaskID, "execution_id", d.ExecutionID)
			continue
		}

		if err := w.sender.Redeliver(ctx, d, *t.WebhookSecret); err != nil {
			w.log.WarnContext(ctx, "webhook redelivery exhausted",
				"task_id", d.TaskID, "execution_id", d.ExecutionID,
				"attempt", d.AttemptNumber+1, "err", err)
		}
	}

	if len(due) > 0 {
		w.log.InfoContext(ctx, "webhook retry sweep processed", "count", len(due))
	}
}
