package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/respond"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Success   bool            `json:"success"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Account   *models.Account `json:"account"`
}

// Authenticator proves identity from an email and password.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*models.Account, error)
}

type Handler struct {
	svc   Service
	authn Authenticator
	log   *slog.Logger
}

func NewHandler(svc Service, authn Authenticator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, authn: authn, log: log}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	acc, err := h.authn.Authenticate(r.Context(), strings.TrimSpace(req.Email), req.Password)
	metrics.LoginsTotal.WithLabelValues(loginResult(err)).Inc()
	if err != nil {
		h.log.Info("login rejected", "reason", err.Error(), "request_id", r.Header.Get(respond.RequestIDHeader))
		respond.Error(w, r, h.log, err)
		return
	}
	token, exp, err := h.svc.IssueToken(acc.ID, acc.Role)
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, LoginResponse{Success: true, Token: token, ExpiresAt: exp, Account: acc})
}

func loginResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrNotFound):
		return "unknown_account"
	case errors.Is(err, models.ErrBadCredential):
		return "bad_credential"
	case errors.Is(err, models.ErrDisabled):
		return "disabled"
	}
	return "error"
}
