package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vitalink/backend/internal/respond"
	"github.com/vitalink/backend/internal/services"
)

type Resetter interface {
	RequestReset(ctx context.Context, identifier string) (*services.ResetRequested, error)
	ConfirmReset(ctx context.Context, identifier, code, newPassword string) error
}

// ResetHandler serves the password reset flow.
type ResetHandler struct {
	Credentials Resetter
	Logger      *slog.Logger
}

func (h *ResetHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /api/reset/request ---

type resetRequest struct {
	EmailOrPhone string `json:"emailOrPhone"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Username     string `json:"username"`
}

func (h *ResetHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	id := firstNonEmpty(req.EmailOrPhone, req.Email, req.Phone, req.Username)
	if id == "" {
		respond.Error(w, r, h.log(), respond.Invalid("email or phone is required"))
		return
	}
	out, err := h.Credentials.RequestReset(r.Context(), id)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"message":   "Reset code sent to " + out.SentTo,
		"sentTo":    out.SentTo,
		"expiresAt": out.ExpiresAt,
		"expiresIn": out.ExpiresIn,
	})
}

// --- POST /api/reset/confirm ---

type confirmResetRequest struct {
	EmailOrPhone string `json:"emailOrPhone"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Code         string `json:"code"`
	Token        string `json:"token"`
	NewPassword  string `json:"newPassword" validate:"required"`
}

func (h *ResetHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	id := firstNonEmpty(req.EmailOrPhone, req.Email, req.Phone)
	code := firstNonEmpty(req.Code, req.Token)
	if id == "" || code == "" {
		respond.Error(w, r, h.log(), respond.Invalid("email and code are required"))
		return
	}
	if err := h.Credentials.ConfirmReset(r.Context(), id, code, req.NewPassword); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{"message": "Password reset successful"})
}
