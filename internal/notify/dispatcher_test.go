package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/notify"
)

type fakeEmailChannel struct {
	conditionErr error
	welcomeErr   error

	calls []string // "welcome" / "condition"
}

func (f *fakeEmailChannel) SendConditionMet(ctx context.Context, t task.Task, e execution.Execution, text string) error {
	f.calls = append(f.calls, "condition")
	return f.conditionErr
}

func (f *fakeEmailChannel) SendWelcome(ctx context.Context, t task.Task, e execution.Execution) error {
	f.calls = append(f.calls, "welcome")
	return f.welcomeErr
}

type fakeWebhookChannel struct {
	err   error
	calls int
}

func (f *fakeWebhookChannel) Send(ctx context.Context, t task.Task, e execution.Execution, changeSummary string) error {
	f.calls++
	return f.err
}

func bothChannelsTask() task.Task {
	url := "https://example.com/hook"
	secret := "whsec_1"
	return task.Task{
		ID:                   "task-1",
		UserID:               "user-1",
		NotificationChannels: []task.Channel{task.ChannelEmail, task.ChannelWebhook},
		WebhookURL:           &url,
		WebhookSecret:        &secret,
	}
}

func TestDispatchWelcomePrecedesFirstNotification(t *testing.T) {
	email := &fakeEmailChannel{}
	webhook := &fakeWebhookChannel{}
	d := notify.NewDispatcher(email, webhook, testLogger(), nil)

	failed := d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(),
		execution.Meta{IsFirstExecution: true}, "text")

	if failed {
		t.Fatal("unexpected failure")
	}
	if len(email.calls) != 2 || email.calls[0] != "welcome" || email.calls[1] != "condition" {
		t.Fatalf("email calls = %v, want welcome before condition", email.calls)
	}
}

func TestDispatchWelcomeAloneWhenConditionNotMet(t *testing.T) {
	email := &fakeEmailChannel{}
	webhook := &fakeWebhookChannel{}
	d := notify.NewDispatcher(email, webhook, testLogger(), nil)

	// first execution, condition not met: empty notification text
	failed := d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(),
		execution.Meta{IsFirstExecution: true}, "")

	if failed {
		t.Fatal("unexpected failure")
	}
	if len(email.calls) != 1 || email.calls[0] != "welcome" {
		t.Fatalf("email calls = %v, want only the welcome", email.calls)
	}
	if webhook.calls != 0 {
		t.Fatal("webhook fired without a notification")
	}
}

func TestDispatchNoWelcomeOnLaterRuns(t *testing.T) {
	email := &fakeEmailChannel{}
	d := notify.NewDispatcher(email, &fakeWebhookChannel{}, testLogger(), nil)

	d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(), execution.Meta{}, "text")

	if len(email.calls) != 1 || email.calls[0] != "condition" {
		t.Fatalf("email calls = %v", email.calls)
	}
}

func TestDispatchChannelIsolation(t *testing.T) {
	email := &fakeEmailChannel{conditionErr: errors.New("smtp down")}
	webhook := &fakeWebhookChannel{}
	d := notify.NewDispatcher(email, webhook, testLogger(), nil)

	failed := d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(), execution.Meta{}, "text")

	if !failed {
		t.Fatal("email failure not reported")
	}
	if webhook.calls != 1 {
		t.Fatal("webhook skipped because email failed")
	}
}

func TestDispatchSpamCapIsNotAFailure(t *testing.T) {
	email := &fakeEmailChannel{conditionErr: notify.ErrSpamLimitExceeded}
	d := notify.NewDispatcher(email, &fakeWebhookChannel{}, testLogger(), nil)

	failed := d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(), execution.Meta{}, "text")

	if failed {
		t.Fatal("spam-capped send counted as failure")
	}
}

func TestDispatchWelcomeFailureIsNonFatal(t *testing.T) {
	email := &fakeEmailChannel{welcomeErr: errors.New("template missing")}
	d := notify.NewDispatcher(email, &fakeWebhookChannel{}, testLogger(), nil)

	failed := d.Dispatch(context.Background(), bothChannelsTask(), doneExecution(),
		execution.Meta{IsFirstExecution: true}, "text")

	if failed {
		t.Fatal("welcome failure must not fail the dispatch")
	}
}

func TestDispatchRespectsDeclaredChannels(t *testing.T) {
	email := &fakeEmailChannel{}
	webhook := &fakeWebhookChannel{}
	d := notify.NewDispatcher(email, webhook, testLogger(), nil)

	emailOnly := task.Task{
		ID:                   "task-1",
		NotificationChannels: []task.Channel{task.ChannelEmail},
	}
	d.Dispatch(context.Background(), emailOnly, doneExecution(), execution.Meta{}, "text")

	if webhook.calls != 0 {
		t.Fatal("webhook fired without being declared")
	}
	if len(email.calls) != 1 {
		t.Fatalf("email calls = %v", email.calls)
	}
}
