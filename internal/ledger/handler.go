package ledger

import (
	"log/slog"
	"net/http"

	"github.com/vitalink/backend/internal/respond"
)

type Handler struct {
	svc   Service
	audit func(r *http.Request)
	log   *slog.Logger
}

// NewHandler builds the usage report handler. onRead, if set, is called for every
// successful report request (admin auditing).
func NewHandler(svc Service, onRead func(r *http.Request), log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, audit: onRead, log: log}
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Report(r.Context())
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	if h.audit != nil {
		h.audit(r)
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"generatedAt": rep.GeneratedAt,
		"monthStart":  rep.MonthStart,
		"lifetime":    rep.Lifetime,
		"monthly":     rep.Monthly,
	})
}
