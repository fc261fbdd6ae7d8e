package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/domain/user"
	"github.com/torale/torale/internal/notify"
)

type fakeProvider struct {
	triggers []string // recipients, in order
	err      error
}

func (f *fakeProvider) Trigger(ctx context.Context, workflowID, recipient string, payload map[string]any) (string, error) {
	f.triggers = append(f.triggers, recipient)
	if f.err != nil {
		return "", f.err
	}
	return "tx-1", nil
}

type fakeSends struct {
	rows    []notification.Send
	countFn func(recipient string, since time.Time) (int, error)
}

func (f *fakeSends) Insert(ctx context.Context, s notification.Send) (notification.Send, error) {
	f.rows = append(f.rows, s)
	return s, nil
}

func (f *fakeSends) CountSuccessSince(ctx context.Context, recipient string, since time.Time) (int, error) {
	if f.countFn != nil {
		return f.countFn(recipient, since)
	}
	return 0, nil
}

type fakeUsers struct {
	u user.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (user.User, error) {
	return f.u, nil
}

func emailTask(notificationEmail *string) task.Task {
	return task.Task{
		ID:                   "task-1",
		UserID:               "user-1",
		Name:                 "watcher",
		SearchQuery:          "q",
		NotificationChannels: []task.Channel{task.ChannelEmail},
		NotificationEmail:    notificationEmail,
	}
}

func primaryUser() user.User {
	return user.User{
		ID:                         "user-1",
		Email:                      "primary@example.com",
		VerifiedNotificationEmails: []string{"alerts@example.com"},
	}
}

func TestSendConditionMetUsesVerifiedAddress(t *testing.T) {
	provider := &fakeProvider{}
	sends := &fakeSends{}
	alerts := "alerts@example.com"

	m := notify.NewMailer(provider, sends, &fakeUsers{u: primaryUser()}, testLogger(), notify.MailerConfig{})

	err := m.SendConditionMet(context.Background(), emailTask(&alerts), doneExecution(), "it happened")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(provider.triggers) != 1 || provider.triggers[0] != "alerts@example.com" {
		t.Fatalf("triggers = %v", provider.triggers)
	}
	if len(sends.rows) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(sends.rows))
	}
	row := sends.rows[0]
	if row.Status != notification.SendSuccess {
		t.Errorf("status = %s", row.Status)
	}
	if row.NotificationType != notification.TypeConditionMet {
		t.Errorf("type = %s", row.NotificationType)
	}
}

func TestUnverifiedAddressFallsBackToPrimary(t *testing.T) {
	provider := &fakeProvider{}
	sends := &fakeSends{}
	stranger := "stranger@example.com"

	m := notify.NewMailer(provider, sends, &fakeUsers{u: primaryUser()}, testLogger(), notify.MailerConfig{})

	err := m.SendConditionMet(context.Background(), emailTask(&stranger), doneExecution(), "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(provider.triggers) != 1 || provider.triggers[0] != "primary@example.com" {
		t.Fatalf("triggers = %v, want primary fallback", provider.triggers)
	}
}

func TestSpamCapBlocksSend(t *testing.T) {
	provider := &fakeProvider{}
	sends := &fakeSends{
		countFn: func(recipient string, since time.Time) (int, error) {
			if time.Since(since) > 2*time.Hour {
				return 100, nil // daily window is full
			}
			return 0, nil
		},
	}

	m := notify.NewMailer(provider, sends, &fakeUsers{u: primaryUser()}, testLogger(), notify.MailerConfig{})

	err := m.SendConditionMet(context.Background(), emailTask(nil), doneExecution(), "x")

	if !errors.Is(err, notify.ErrSpamLimitExceeded) {
		t.Fatalf("want ErrSpamLimitExceeded, got %v", err)
	}
	if len(provider.triggers) != 0 {
		t.Fatal("provider called despite spam cap")
	}
	// the capped attempt still leaves an audit row
	if len(sends.rows) != 1 || sends.rows[0].Status != notification.SendFailed {
		t.Fatalf("audit rows = %+v", sends.rows)
	}
}

func TestHourlySpamCap(t *testing.T) {
	provider := &fakeProvider{}
	sends := &fakeSends{
		countFn: func(recipient string, since time.Time) (int, error) {
			if time.Since(since) < 2*time.Hour {
				return 10, nil // hourly window is full
			}
			return 50, nil // daily still has room
		},
	}

	m := notify.NewMailer(provider, sends, &fakeUsers{u: primaryUser()}, testLogger(), notify.MailerConfig{})

	err := m.SendConditionMet(context.Background(), emailTask(nil), doneExecution(), "x")
	if !errors.Is(err, notify.ErrSpamLimitExceeded) {
		t.Fatalf("want ErrSpamLimitExceeded, got %v", err)
	}
}

func TestProviderFailureRecordsFailedSend(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provider down")}
	sends := &fakeSends{}

	m := notify.NewMailer(provider, sends, &fakeUsers{u: primaryUser()}, testLogger(), notify.MailerConfig{})

	err := m.SendConditionMet(context.Background(), emailTask(nil), doneExecution(), "x")
	if err == nil {
		t.Fatal("expected provider error")
	}

	if len(sends.rows) != 1 || sends.rows[0].Status != notification.SendFailed {
		t.Fatalf("audit rows = %+v", sends.rows)
	}
	if sends.rows[0].ErrorMessage == nil {
		t.Fatal("failed row missing error message")
	}
}
