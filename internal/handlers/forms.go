package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/respond"
	"github.com/vitalink/backend/internal/services"
)

type Forms interface {
	SendBlank(ctx context.Context, agent *models.Account, formType, recipient string) error
	SendSigned(ctx context.Context, user *models.Account, forms services.SignedForms) (*models.Account, error)
}

// FormHandler emails authorization forms: agents send blank forms to clients,
// clients send their signed forms back to the linked agent.
type FormHandler struct {
	Forms  Forms
	Logger *slog.Logger
}

func (h *FormHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /api/forms/send ---

type signedForm struct {
	SignedAt *time.Time `json:"signedAt"`
}

type sendFormRequest struct {
	// Agent mode.
	FormType  string `json:"formType" validate:"max=20"`
	Recipient string `json:"recipient" validate:"omitempty,email"`

	// Client mode. Medication and doctor entries are only counted.
	HIPAA   *signedForm       `json:"hipaa"`
	SOA     *signedForm       `json:"soa"`
	Meds    []json.RawMessage `json:"meds" validate:"max=500"`
	Doctors []json.RawMessage `json:"doctors" validate:"max=500"`
}

func (h *FormHandler) Send(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	var req sendFormRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}

	if acc.IsAgent() {
		if err := h.Forms.SendBlank(r.Context(), acc, req.FormType, req.Recipient); err != nil {
			respond.Error(w, r, h.log(), err)
			return
		}
		respond.OK(w, http.StatusOK, map[string]any{"message": "Form sent"})
		return
	}

	agent, err := h.Forms.SendSigned(r.Context(), acc, services.SignedForms{
		HIPAASignedAt: req.HIPAA.at(),
		SOASignedAt:   req.SOA.at(),
		Medications:   len(req.Meds),
		Doctors:       len(req.Doctors),
	})
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"message": "Documents sent",
		"agentId": agent.ID,
	})
}

func (f *signedForm) at() *time.Time {
	if f == nil {
		return nil
	}
	return f.SignedAt
}
