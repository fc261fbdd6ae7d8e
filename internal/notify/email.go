package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/domain/user"
)

var ErrSpamLimitExceeded = errors.New("spam limit exceeded for recipient")

type SendsStore interface {
	Insert(ctx context.Context, s notification.Send) (notification.Send, error)
	CountSuccessSince(ctx context.Context, recipient string, since time.Time) (int, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

// Mailer sends condition-met and welcome emails through the provider,
// enforcing recipient verification and per-recipient spam caps, and
// appending one notification_sends audit row per attempt.
type Mailer struct {
	provider Provider
	sends    SendsStore
	users    UserStore
	log      *slog.Logger

	dailyLimit  int
	hourlyLimit int
}

type MailerConfig struct {
	DailyLimit  int // default 100 per recipient per 24h
	HourlyLimit int // default 10 per recipient per 1h
}

func NewMailer(provider Provider, sends SendsStore, users UserStore, log *slog.Logger, cfg MailerConfig) *Mailer {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 100
	}
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = 10
	}

	return &Mailer{
		provider:    provider,
		sends:       sends,
		users:       users,
		log:         log,
		dailyLimit:  cfg.DailyLimit,
		hourlyLimit: cfg.HourlyLimit,
	}
}

// SendConditionMet delivers the notification text to the task's recipient.
func (m *Mailer) SendConditionMet(ctx context.Context, t task.Task, e execution.Execution, notificationText string) error {
	payload := map[string]any{
		"task_name":         t.Name,
		"search_query":      t.SearchQuery,
		"notification_text": notificationText,
		"grounding_sources": e.GroundingSources,
		"task_id":           t.ID,
		"execution_id":      e.ID,
	}

	return m.send(ctx, t, e, notification.TypeConditionMet, WorkflowConditionMet, payload)
}

// SendWelcome fires once, on the task's first execution.
func (m *Mailer) SendWelcome(ctx context.Context, t task.Task, e execution.Execution) error {
	payload := map[string]any{
		"task_name":    t.Name,
		"search_query": t.SearchQuery,
		"task_id":      t.ID,
	}

	return m.send(ctx, t, e, notification.TypeWelcome, WorkflowWelcome, payload)
}

// SendVerificationCode delivers a verification code; it bypasses spam caps
// (issuance is rate limited upstream) and writes no audit row, since there
// is no execution to attribute it to.
func (m *Mailer) SendVerificationCode(ctx context.Context, email, code string) error {
	_, err := m.provider.Trigger(ctx, WorkflowVerifyEmail, email, map[string]any{"code": code})
	return err
}

func (m *Mailer) send(ctx context.Context, t task.Task, e execution.Execution, sendType, workflowID string, payload map[string]any) error {
	recipient, err := m.resolveRecipient(ctx, t)
	if err != nil {
		return err
	}

	record := notification.Send{
		UserID:           t.UserID,
		TaskID:           t.ID,
		ExecutionID:      e.ID,
		RecipientEmail:   recipient,
		NotificationType: sendType,
	}

	if err := m.checkSpam(ctx, recipient); err != nil {
		msg := err.Error()
		record.Status = notification.SendFailed
		record.ErrorMessage = &msg
		if _, insErr := m.sends.Insert(ctx, record); insErr != nil {
			m.log.ErrorContext(ctx, "failed to record spam-capped send", "err", insErr)
		}
		return err
	}

	txID, sendErr := m.provider.Trigger(ctx, workflowID, recipient, payload)

	if sendErr != nil {
		msg := sendErr.Error()
		record.Status = notification.SendFailed
		record.ErrorMessage = &msg
		if _, insErr := m.sends.Insert(ctx, record); insErr != nil {
			m.log.ErrorContext(ctx, "failed to record failed send", "err", insErr)
		}
		return fmt.Errorf("email provider trigger: %w", sendErr)
	}

	record.Status = notification.SendSuccess
	if _, insErr := m.sends.Insert(ctx, record); insErr != nil {
		// the email went out; losing the audit row is log-worthy but not fatal
		m.log.ErrorContext(ctx, "failed to record successful send", "err", insErr)
	}

	m.log.InfoContext(ctx, "email sent",
		"type", sendType, "recipient", recipient,
		"task_id", t.ID, "execution_id", e.ID, "transaction_id", txID)
	return nil
}

// resolveRecipient picks the task's notification email if it is still in
// the user's verified set, otherwise falls back to the primary address.
func (m *Mailer) resolveRecipient(ctx context.Context, t task.Task) (string, error) {
	u, err := m.users.GetByID(ctx, t.UserID)
	if err != nil {
		return "", fmt.Errorf("load user %s: %w", t.UserID, err)
	}

	if t.NotificationEmail == nil || *t.NotificationEmail == "" || *t.NotificationEmail == u.Email {
		return u.Email, nil
	}

	if u.IsVerifiedEmail(*t.NotificationEmail) {
		return *t.NotificationEmail, nil
	}

	m.log.WarnContext(ctx, "notification email not verified, falling back to primary",
		"task_id", t.ID, "requested", *t.NotificationEmail, "fallback", u.Email)
	return u.Email, nil
}

func (m *Mailer) checkSpam(ctx context.Context, recipient string) error {
	now := time.Now().UTC()

	daily, err := m.sends.CountSuccessSince(ctx, recipient, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if daily >= m.dailyLimit {
		return fmt.Errorf("%w: %d sends in 24h", ErrSpamLimitExceeded, daily)
	}

	hourly, err := m.sends.CountSuccessSince(ctx, recipient, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	if hourly >= m.hourlyLimit {
		return fmt.Errorf("%w: %d sends in 1h", ErrSpamLimitExceeded, hourly)
	}

	return nil
}
