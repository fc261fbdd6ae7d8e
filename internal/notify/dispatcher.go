package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/observability"
)

type EmailChannel interface {
	SendConditionMet(ctx context.Context, t task.Task, e execution.Execution, notificationText string) error
	SendWelcome(ctx context.Context, t task.Task, e execution.Execution) error
}

type WebhookChannel interface {
	Send(ctx context.Context, t task.Task, e execution.Execution, changeSummary string) error
}

// Dispatcher fans a notification out across the task's declared channels.
// A failure in one channel never blocks the other; the caller merges a
// notification_failed flag into the execution result when any channel fails.
type Dispatcher struct {
	email   EmailChannel
	webhook WebhookChannel
	log     *slog.Logger
	prom    *observability.Prom
}

func NewDispatcher(email EmailChannel, webhook WebhookChannel, log *slog.Logger, prom *observability.Prom) *Dispatcher {
	return &Dispatcher{
		email:   email,
		webhook: webhook,
		log:     log,
		prom:    prom,
	}
}

func (d *Dispatcher) observe(channel, result string) {
	if d.prom != nil {
		d.prom.NotificationResults.WithLabelValues(channel, result).Inc()
	}
}

// Dispatch sends the notification over every declared channel and reports
// whether any delivery failed. Spam-capped emails count as skipped, not
// failed: the execution result stays clean. An empty notificationText means
// the condition did not fire; only the first-execution welcome goes out.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task, e execution.Execution, meta execution.Meta, notificationText string) (anyFailed bool) {
	// Welcome goes out before the first condition-met notification; both
	// ride on the same execution so ordering is trivial here.
	if meta.IsFirstExecution && t.HasChannel(task.ChannelEmail) {
		if err := d.email.SendWelcome(ctx, t, e); err != nil {
			d.log.WarnContext(ctx, "welcome email failed",
				"task_id", t.ID, "execution_id", e.ID, "err", err)
		}
	}

	if notificationText == "" {
		return false
	}

	if t.HasChannel(task.ChannelEmail) {
		err := d.email.SendConditionMet(ctx, t, e, notificationText)

		switch {
		case err == nil:
			d.observe("email", "success")
		case errors.Is(err, ErrSpamLimitExceeded):
			d.observe("email", "skipped")
			d.log.WarnContext(ctx, "email skipped by spam cap",
				"task_id", t.ID, "execution_id", e.ID, "err", err)
		default:
			d.observe("email", "failed")
			d.log.ErrorContext(ctx, "email notification failed",
				"task_id", t.ID, "execution_id", e.ID, "err", err)
			anyFailed = true
		}
	}

	if t.HasChannel(task.ChannelWebhook) {
		if err := d.webhook.Send(ctx, t, e, notificationText); err != nil {
			d.observe("webhook", "failed")
			d.log.ErrorContext(ctx, "webhook notification failed",
				"task_id", t.ID, "execution_id", e.ID, "err", err)
			anyFailed = true
		} else {
			d.observe("webhook", "success")
		}
	}

	return anyFailed
}
