package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/notify"
	"github.com/vitalink/backend/internal/respond"
)

type Devices interface {
	Register(ctx context.Context, accountID uuid.UUID, token, platform string) (*models.Device, error)
	NotifyLinkedUsers(ctx context.Context, agent *models.Account, body string) (*notify.PushResult, error)
}

// DeviceHandler serves device registration and agent-to-client pushes.
type DeviceHandler struct {
	Devices Devices
	Logger  *slog.Logger
}

func (h *DeviceHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /api/devices/register ---

type registerDeviceRequest struct {
	DeviceToken string `json:"deviceToken"`
	Token       string `json:"token"`
	Platform    string `json:"platform" validate:"max=20"`
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	var req registerDeviceRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	d, err := h.Devices.Register(r.Context(), acc.ID, firstNonEmpty(req.DeviceToken, req.Token), req.Platform)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"message":  "Device registered",
		"platform": d.Platform,
	})
}

// --- POST /api/notifications/send ---

type sendNotificationRequest struct {
	Body string `json:"body" validate:"max=500"`
}

func (h *DeviceHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	var req sendNotificationRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(w, r, &req); err != nil {
			respond.Error(w, r, h.log(), err)
			return
		}
	}
	res, err := h.Devices.NotifyLinkedUsers(r.Context(), acc, req.Body)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	h.log().Info("agent notification sent", "agent_id", acc.ID, "sent", res.SuccessCount, "failed", res.FailureCount)
	respond.OK(w, http.StatusOK, map[string]any{
		"message":      "Notification sent",
		"successCount": res.SuccessCount,
		"failureCount": res.FailureCount,
	})
}
