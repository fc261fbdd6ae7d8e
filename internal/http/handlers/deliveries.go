package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/torale/torale/internal/domain/notification"
)

type DeliveryStore interface {
	LatestForExecution(ctx context.Context, executionID string) (notification.Delivery, error)
}

type DeliveriesHandler struct {
	deliveries DeliveryStore
}

func NewDeliveriesHandler(deliveries DeliveryStore) *DeliveriesHandler {
	return &DeliveriesHandler{deliveries: deliveries}
}

// LatestDelivery returns the newest webhook attempt for an execution, the
// first place to look when a user reports missing webhooks.
func (h *DeliveriesHandler) LatestDelivery(ctx *gin.Context) {
	executionID := ctx.Param("id")

	d, err := h.deliveries.LatestForExecution(ctx.Request.Context(), executionID)
	if err != nil {
		if errors.Is(err, notification.ErrDeliveryNotFound) {
			RespondNotFound(ctx, "no webhook deliveries for this execution")
			return
		}
		RespondInternal(ctx, "could not load delivery")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"delivery": d})
}
