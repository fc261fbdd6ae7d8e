package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

func (s State) IsValid() bool {
	switch s {
	case StateActive, StatePaused, StateCompleted:
		return true
	default:
		return false
	}
}

type NotifyBehavior string

const (
	NotifyOnce       NotifyBehavior = "once"
	NotifyAlways     NotifyBehavior = "always"
	NotifyTrackState NotifyBehavior = "track_state"
)

func (b NotifyBehavior) IsValid() bool {
	switch b {
	case NotifyOnce, NotifyAlways, NotifyTrackState:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// DefaultName is the placeholder given to tasks created without a name.
// The orchestrator renames such tasks from the agent's topic.
const DefaultName = "New Monitor"

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrConcurrentTransition = errors.New("task state changed concurrently")
)

// InvalidTransitionError reports a state change outside the allowed table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition %s -> %s", e.From, e.To)
}

// CanTransition is the single source of truth for the state table.
// Same-state transitions are always allowed (no-op for callers).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}

	switch from {
	case StateActive:
		return to == StatePaused || to == StateCompleted
	case StatePaused:
		return to == StateActive
	case StateCompleted:
		return to == StateActive
	default:
		return false
	}
}

type Task struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"userId"`
	Name                 string          `json:"name"`
	SearchQuery          string          `json:"searchQuery"`
	ConditionDescription string          `json:"conditionDescription"`
	Schedule             *string         `json:"schedule,omitempty"` // 5-field cron, UTC; nil = next-run driven
	State                State           `json:"state"`
	StateChangedAt       time.Time       `json:"stateChangedAt"`
	NotifyBehavior       NotifyBehavior  `json:"notifyBehavior"`
	NotificationChannels []Channel       `json:"notificationChannels"`
	NotificationEmail    *string         `json:"notificationEmail,omitempty"`
	WebhookURL           *string         `json:"webhookUrl,omitempty"`
	WebhookSecret        *string         `json:"webhookSecret,omitempty"`
	LastExecutionID      *string         `json:"lastExecutionId,omitempty"`
	LastKnownState       json.RawMessage `json:"lastKnownState,omitempty"`
	NextRun              *time.Time      `json:"nextRun,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

type CreateRequest struct {
	UserID               string
	Name                 string
	SearchQuery          string
	ConditionDescription string
	Schedule             *string
	NotifyBehavior       NotifyBehavior
	NotificationChannels []Channel
	NotificationEmail    *string
	WebhookURL           *string
	WebhookSecret        *string
}

func New(req CreateRequest) Task {
	now := time.Now().UTC()

	name := req.Name
	if name == "" {
		name = DefaultName
	}

	behavior := req.NotifyBehavior
	if behavior == "" {
		behavior = NotifyOnce
	}

	return Task{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		Name:                 name,
		SearchQuery:          req.SearchQuery,
		ConditionDescription: req.ConditionDescription,
		Schedule:             req.Schedule,
		State:                StateActive,
		StateChangedAt:       now,
		NotifyBehavior:       behavior,
		NotificationChannels: req.NotificationChannels,
		NotificationEmail:    req.NotificationEmail,
		WebhookURL:           req.WebhookURL,
		WebhookSecret:        req.WebhookSecret,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (t Task) HasChannel(ch Channel) bool {
	for _, c := range t.NotificationChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Validate enforces the channel invariants: email needs a recipient,
// webhook needs an https URL and a secret.
func (t Task) Validate() error {
	if !t.State.IsValid() {
		return fmt.Errorf("invalid state %q", t.State)
	}
	if !t.NotifyBehavior.IsValid() {
		return fmt.Errorf("invalid notify behavior %q", t.NotifyBehavior)
	}

	for _, ch := range t.NotificationChannels {
		switch ch {
		case ChannelEmail, ChannelWebhook:
		default:
			return fmt.Errorf("unknown notification channel %q", ch)
		}
	}

	if t.HasChannel(ChannelWebhook) {
		if t.WebhookURL == nil || *t.WebhookURL == "" {
			return errors.New("webhook channel requires webhook_url")
		}
		u, err := url.Parse(*t.WebhookURL)
		if err != nil || !strings.EqualFold(u.Scheme, "https") {
			return errors.New("webhook_url must be https")
		}
		if t.WebhookSecret == nil || *t.WebhookSecret == "" {
			return errors.New("webhook channel requires webhook_secret")
		}
	}

	return nil
}
