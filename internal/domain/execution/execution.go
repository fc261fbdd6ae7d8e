package execution

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrAlreadyRunning means a pending or running execution exists for the task.
	ErrAlreadyRunning = errors.New("execution already running for task")
	// ErrAlreadyFinalized is returned by finalize on a terminal row; callers
	// treat it as a no-op (a force-run may have failed the row underneath us).
	ErrAlreadyFinalized = errors.New("execution already finalized")
)

// GroundingSource is one citation returned by the agent.
type GroundingSource struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type Execution struct {
	ID               string            `json:"id"`
	TaskID           string            `json:"taskId"`
	Status           Status            `json:"status"`
	StartedAt        time.Time         `json:"startedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	ErrorMessage     *string           `json:"errorMessage,omitempty"`
	Notification     *string           `json:"notification,omitempty"`
	ChangeSummary    *string           `json:"changeSummary,omitempty"`
	GroundingSources []GroundingSource `json:"groundingSources,omitempty"`
	RetryCount       int               `json:"retryCount"`
}

// Meta carries per-run facts decided when the execution row is created,
// not inferred later at send time.
type Meta struct {
	IsFirstExecution      bool
	SuppressNotifications bool
}

func New(taskID string, retryCount int) Execution {
	return Execution{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Status:     StatusPending,
		StartedAt:  time.Now().UTC(),
		RetryCount: retryCount,
	}
}

// SuccessUpdate is everything written when an execution finishes cleanly.
// The repo applies it together with the task-side patches in one transaction.
type SuccessUpdate struct {
	ExecutionID      string
	TaskID           string
	Notification     *string
	ChangeSummary    string
	GroundingSources []GroundingSource
	Result           json.RawMessage
	Evidence         string
	NextRun          *time.Time
}
