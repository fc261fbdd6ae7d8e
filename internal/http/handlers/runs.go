package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/torale/torale/internal/domain/execution"
	"github.com/torale/torale/internal/domain/task"
)

type RunStarter interface {
	StartTaskExecution(ctx context.Context, taskID string, force, suppress bool) (execution.Execution, error)
}

type RunsHandler struct {
	runner RunStarter
}

func NewRunsHandler(runner RunStarter) *RunsHandler {
	return &RunsHandler{runner: runner}
}

type startRunRequest struct {
	Force                 bool `json:"force"`
	SuppressNotifications bool `json:"suppress_notifications"`
}

// StartRun triggers a manual execution for the task. The call blocks until
// the pipeline finishes; previews set suppress_notifications.
func (h *RunsHandler) StartRun(ctx *gin.Context) {
	taskID := ctx.Param("id")

	var req startRunRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			RespondBadRequest(ctx, "malformed request body", err.Error())
			return
		}
	}

	e, err := h.runner.StartTaskExecution(ctx.Request.Context(), taskID, req.Force, req.SuppressNotifications)

	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			RespondNotFound(ctx, "task not found")
		case errors.Is(err, execution.ErrAlreadyRunning):
			RespondConflict(ctx, "execution_already_running", "an execution is already in flight for this task")
		default:
			// the execution row carries the failure detail
			RespondError(ctx, http.StatusBadGateway, "execution_failed", err.Error(), nil)
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"execution": e})
}
