package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/torale/torale/internal/domain/task"
	"github.com/torale/torale/internal/notify"
)

type SecretSetter interface {
	SetWebhookSecret(ctx context.Context, id, secret string) error
}

type SecretsHandler struct {
	tasks SecretSetter
}

func NewSecretsHandler(tasks SecretSetter) *SecretsHandler {
	return &SecretsHandler{tasks: tasks}
}

// RotateWebhookSecret replaces the task's signing secret and returns the new
// value once. Deliveries already recorded keep verifying against whatever
// secret signed them at send time, so rotation only affects future attempts.
func (h *SecretsHandler) RotateWebhookSecret(ctx *gin.Context) {
	taskID := ctx.Param("id")

	secret, err := notify.NewSecret()
	if err != nil {
		RespondInternal(ctx, "could not generate secret")
		return
	}

	if err := h.tasks.SetWebhookSecret(ctx.Request.Context(), taskID, secret); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "task not found or webhook channel not configured")
			return
		}
		RespondInternal(ctx, "could not rotate secret")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"webhook_secret": secret})
}
