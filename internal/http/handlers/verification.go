package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/torale/torale/internal/verification"
)

type VerificationService interface {
	RequestCode(ctx context.Context, userID, email string) error
	ConfirmCode(ctx context.Context, userID, email, code string) error
}

type VerificationHandler struct {
	svc VerificationService
}

func NewVerificationHandler(svc VerificationService) *VerificationHandler {
	return &VerificationHandler{svc: svc}
}

type requestCodeRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	Email  string `json:"email" binding:"required,email"`
}

type confirmCodeRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	Email  string `json:"email" binding:"required,email"`
	Code   string `json:"code" binding:"required,len=6,numeric"`
}

func (h *VerificationHandler) RequestCode(ctx *gin.Context) {
	var req requestCodeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(ctx, "malformed request body", err.Error())
		return
	}

	err := h.svc.RequestCode(ctx.Request.Context(), req.UserID, req.Email)

	if err != nil {
		if errors.Is(err, verification.ErrRateLimited) {
			RespondTooManyRequests(ctx, "too many verification codes requested for this address")
			return
		}
		RespondInternal(ctx, "could not issue verification code")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "code_sent"})
}

func (h *VerificationHandler) ConfirmCode(ctx *gin.Context) {
	var req confirmCodeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(ctx, "malformed request body", err.Error())
		return
	}

	err := h.svc.ConfirmCode(ctx.Request.Context(), req.UserID, req.Email, req.Code)

	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": "verified"})
	case errors.Is(err, verification.ErrCodeNotFound):
		RespondNotFound(ctx, "no active verification code for this address")
	case errors.Is(err, verification.ErrCodeExpired):
		RespondError(ctx, http.StatusGone, "code_expired", "verification code expired, request a new one", nil)
	case errors.Is(err, verification.ErrCodeMismatch):
		RespondBadRequest(ctx, "verification code does not match", nil)
	case errors.Is(err, verification.ErrTooManyAttempts):
		RespondTooManyRequests(ctx, "too many failed attempts, request a new code")
	default:
		RespondInternal(ctx, "could not confirm verification code")
	}
}
