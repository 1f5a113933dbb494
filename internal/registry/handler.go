package registry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/respond"
)

const defaultBatchCount = 10

type IssueUnlockRequest struct {
	Prefix string `json:"prefix" validate:"omitempty,alphanum,max=12"`
	Length int    `json:"length" validate:"omitempty,min=6,max=24"`
}

// PromoBatchRequest is decoded in two passes: MaxUses is kept raw so an absent
// field (default 1) can be told apart from an explicit null (unlimited).
type PromoBatchRequest struct {
	AgentID *uuid.UUID      `json:"agentId"`
	Prefix  string          `json:"prefix" validate:"omitempty,alphanum,max=12"`
	Count   int             `json:"count" validate:"omitempty,min=1"`
	MaxUses json.RawMessage `json:"maxUses"`
}

type PurchaseBatchRequest struct {
	Count int `json:"count" validate:"omitempty,min=1"`
}

type CodeRequest struct {
	Code string `json:"code" validate:"required"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// IssueUnlock creates an inactive agent placeholder and its unlock code.
func (h *Handler) IssueUnlock(w http.ResponseWriter, r *http.Request) {
	var req IssueUnlockRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(w, r, &req); err != nil {
			respond.Error(w, r, h.log, err)
			return
		}
	}
	out, err := h.svc.IssueUnlockCode(r.Context(), IssueUnlockParams{
		Prefix: req.Prefix,
		Length: req.Length,
		Actor:  middleware.ActorFromCtx(r.Context()),
	})
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	h.log.Info("unlock code issued", "agent_id", out.Agent.ID, "code", out.Code.Code)
	respond.OK(w, http.StatusCreated, map[string]any{
		"agentId": out.Agent.ID,
		"code":    out.Code.Code,
	})
}

func (h *Handler) IssuePromoBatch(w http.ResponseWriter, r *http.Request) {
	var req PromoBatchRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	maxUses, err := parseMaxUses(req.MaxUses)
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	count := req.Count
	if count == 0 {
		count = defaultBatchCount
	}
	codes, err := h.svc.IssuePromoBatch(r.Context(), PromoBatchParams{
		AgentID: req.AgentID,
		Prefix:  req.Prefix,
		Count:   count,
		MaxUses: maxUses,
		Actor:   middleware.ActorFromCtx(r.Context()),
	})
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusCreated, map[string]any{
		"count":   len(codes),
		"maxUses": maxUses,
		"codes":   codeStrings(codes),
	})
}

func (h *Handler) IssuePurchaseBatch(w http.ResponseWriter, r *http.Request) {
	var req PurchaseBatchRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	count := req.Count
	if count == 0 {
		count = defaultBatchCount
	}
	codes, err := h.svc.IssuePurchaseCodes(r.Context(), count, middleware.ActorFromCtx(r.Context()))
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusCreated, map[string]any{
		"count": len(codes),
		"codes": codeStrings(codes),
	})
}

func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	c, err := h.svc.Disable(r.Context(), req.Code, middleware.ActorFromCtx(r.Context()))
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{"code": c})
}

// Lookup returns the stored code record.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	c, err := h.svc.Lookup(r.Context(), req.Code)
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"code":      c,
		"state":     c.State(),
		"remaining": c.Remaining(),
	})
}

// Verify previews redeemability without consuming a use.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	v, err := h.svc.Verify(r.Context(), req.Code)
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{"verification": v, "valid": v.Valid})
}

func parseMaxUses(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 {
		one := 1
		return &one, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
		return nil, respond.Invalid("maxUses must be a positive integer or null")
	}
	return &n, nil
}

func codeStrings(codes []*models.Code) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Code
	}
	return out
}
