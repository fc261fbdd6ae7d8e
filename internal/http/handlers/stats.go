package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/torale/torale/internal/domain/task"
)

type StatsTaskStore interface {
	CountByState(ctx context.Context) (map[task.State]int, error)
}

type StatsExecutionStore interface {
	CountTotals(ctx context.Context) (total int, running int, err error)
}

type StatsUserStore interface {
	CountUsers(ctx context.Context) (int, error)
}

type StatsHandler struct {
	tasks      StatsTaskStore
	executions StatsExecutionStore
	users      StatsUserStore
	maxUsers   int
}

func NewStatsHandler(tasks StatsTaskStore, executions StatsExecutionStore, users StatsUserStore, maxUsers int) *StatsHandler {
	return &StatsHandler{tasks: tasks, executions: executions, users: users, maxUsers: maxUsers}
}

func (h *StatsHandler) Stats(ctx *gin.Context) {
	byState, err := h.tasks.CountByState(ctx.Request.Context())
	if err != nil {
		RespondInternal(ctx, "could not count tasks")
		return
	}

	total, running, err := h.executions.CountTotals(ctx.Request.Context())
	if err != nil {
		RespondInternal(ctx, "could not count executions")
		return
	}

	userCount, err := h.users.CountUsers(ctx.Request.Context())
	if err != nil {
		RespondInternal(ctx, "could not count users")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"tasks": gin.H{
			"active":    byState[task.StateActive],
			"paused":    byState[task.StatePaused],
			"completed": byState[task.StateCompleted],
		},
		"executions": gin.H{
			"total":   total,
			"running": running,
		},
		"users": gin.H{
			"count":    userCount,
			"capacity": h.maxUsers,
		},
	})
}
