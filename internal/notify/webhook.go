package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/notification"
	"github.com/torale/torale/internal/domain/task"
)

// webhookEvent is the body POSTed to the user's endpoint.
type webhookEvent struct {
	Event     string           `json:"event"`
	Task      webhookTask      `json:"task"`
	Execution webhookExecution `json:"execution"`
	Timestamp string           `json:"timestamp"`
}

type webhookTask struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	SearchQuery          string `json:"search_query"`
	ConditionDescription string `json:"condition_description"`
}

type webhookExecution struct {
	ID               string                      `json:"id"`
	Status           string                      `json:"status"`
	ConditionMet     bool                        `json:"condition_met"`
	ChangeSummary    string                      `json:"change_summary"`
	GroundingSources []execution.GroundingSource `json:"grounding_sources"`
}

const eventConditionMet = "task.condition_met"

type DeliveryStore interface {
	Insert(ctx context.Context, d notification.Delivery) (notification.Delivery, error)
}

// WebhookSender delivers signed webhooks and records one delivery row per
// attempt. Retries are not performed inline: a failed attempt schedules a
// next_retry_at and the sweep picks it up later.
type WebhookSender struct {
	http       *http.Client
	deliveries DeliveryStore
	log        *slog.Logger

	maxAttempts int
	retryBase   time.Duration
}

type WebhookConfig struct {
	RequestTimeout time.Duration // default 10s
	MaxAttempts    int           // default 5
	RetryBase      time.Duration // default 1m; delays base*2^(attempt-1)
}

func NewWebhookSender(deliveries DeliveryStore, log *slog.Logger, cfg WebhookConfig) *WebhookSender {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}

	return &WebhookSender{
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		deliveries:  deliveries,
		log:         log,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
	}
}

// Send builds, signs and delivers the condition-met event (attempt 1).
func (s *WebhookSender) Send(ctx context.Context, t task.Task, e execution.Execution, changeSummary string) error {
	if t.WebhookURL == nil || t.WebhookSecret == nil {
		return fmt.Errorf("task %s has no webhook configured", t.ID)
	}

	event := webhookEvent{
		Event: eventConditionMet,
		Task: webhookTask{
			ID:                   t.ID,
			Name:                 t.Name,
			SearchQuery:          t.SearchQuery,
			ConditionDescription: t.ConditionDescription,
		},
		Execution: webhookExecution{
			ID:               e.ID,
			Status:           string(e.Status),
			ConditionMet:     true,
			ChangeSummary:    changeSummary,
			GroundingSources: e.GroundingSources,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return s.attempt(ctx, t.ID, e.ID, *t.WebhookURL, *t.WebhookSecret, payload, 1)
}

// Redeliver retries a previously failed delivery using the stored payload.
// Called by the retry sweep; the attempt number advances by one.
func (s *WebhookSender) Redeliver(ctx context.Context, d notification.Delivery, secret string) error {
	return s.attempt(ctx, d.TaskID, d.ExecutionID, d.WebhookURL, secret, d.Payload, d.AttemptNumber+1)
}

func (s *WebhookSender) attempt(ctx context.Context, taskID, executionID, url, secret string, payload []byte, attempt int) error {
	now := time.Now().UTC()

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return err
	}

	signature, err := Sign(secret, payload, now.Unix())
	if err != nil {
		return err
	}

	deliveryID := uuid.NewString()

	record := notification.Delivery{
		ID:            deliveryID,
		TaskID:        taskID,
		ExecutionID:   executionID,
		WebhookURL:    url,
		Payload:       json.RawMessage(canonical),
		Signature:     signature,
		AttemptNumber: attempt,
	}

	status, sendErr := s.post(ctx, url, canonical, signature, deliveryID)
	if status != 0 {
		record.HTTPStatus = &status
	}

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		record.DeliveredAt = &now

	case attempt >= s.maxAttempts:
		failMsg := statusOrErr(status, sendErr)
		record.ErrorMessage = &failMsg
		record.FailedAt = &now

	default:
		failMsg := statusOrErr(status, sendErr)
		record.ErrorMessage = &failMsg
		retryAt := now.Add(s.retryBase * (1 << (attempt - 1)))
		record.NextRetryAt = &retryAt
	}

	if _, err := s.deliveries.Insert(ctx, record); err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}

	switch {
	case record.DeliveredAt != nil:
		s.log.InfoContext(ctx, "webhook delivered",
			"task_id", taskID, "execution_id", executionID, "attempt", attempt)
	case record.FailedAt != nil:
		s.log.WarnContext(ctx, "webhook delivery exhausted",
			"task_id", taskID, "execution_id", executionID, "attempt", attempt, "err", *record.ErrorMessage)
		return fmt.Errorf("webhook delivery failed after %d attempts: %s", attempt, *record.ErrorMessage)
	default:
		s.log.WarnContext(ctx, "webhook delivery failed, retry scheduled",
			"task_id", taskID, "execution_id", executionID, "attempt", attempt,
			"next_retry_at", record.NextRetryAt, "err", *record.ErrorMessage)
	}

	return nil
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte, signature, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Torale-Signature", signature)
	req.Header.Set("X-Torale-Event", eventConditionMet)
	req.Header.Set("X-Torale-Delivery-ID", deliveryID)

	resp, err := s.http.Do(req)

	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}

	return resp.StatusCode, nil
}

func statusOrErr(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http %d", status)
}
