package notification

import (
	"encoding/json"
	"errors"
	"time"
)

type SendStatus string

const (
	SendSuccess SendStatus = "success"
	SendFailed  SendStatus = "failed"
	SendSkipped SendStatus = "skipped"
)

// Send is one email attempt, append-only. Rows survive task deletion so
// spam accounting keeps working.
type Send struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	TaskID           string     `json:"taskId"`
	ExecutionID      string     `json:"executionId"`
	RecipientEmail   string     `json:"recipientEmail"`
	NotificationType string     `json:"notificationType"` // condition_met | welcome
	Status           SendStatus `json:"status"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

const (
	TypeConditionMet = "condition_met"
	TypeWelcome      = "welcome"
)

var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// Delivery is one webhook attempt. Exactly one of DeliveredAt, FailedAt,
// NextRetryAt is set once the attempt has been resolved.
type Delivery struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	ExecutionID   string          `json:"executionId"`
	WebhookURL    string          `json:"webhookUrl"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	HTTPStatus    *int            `json:"httpStatus,omitempty"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	AttemptNumber int             `json:"attemptNumber"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty"`
	NextRetryAt   *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
