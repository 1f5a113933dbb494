package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vitalink/backend/internal/extraction"
	"github.com/vitalink/backend/internal/respond"
)

type Extractor interface {
	Extract(ctx context.Context, doc extraction.Document, img extraction.Image) (*extraction.Result, error)
}

// ExtractHandler serves document photo extraction.
type ExtractHandler struct {
	Extractor Extractor
	Logger    *slog.Logger
}

func (h *ExtractHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

type extractRequest struct {
	ImageURL    string `json:"imageUrl"`
	ImageBase64 string `json:"imageBase64"`
}

// Insurance handles POST /api/extract/insurance.
func (h *ExtractHandler) Insurance(w http.ResponseWriter, r *http.Request) {
	h.extract(w, r, extraction.InsuranceCard)
}

// Label handles POST /api/extract/label.
func (h *ExtractHandler) Label(w http.ResponseWriter, r *http.Request) {
	h.extract(w, r, extraction.MedicationLabel)
}

func (h *ExtractHandler) extract(w http.ResponseWriter, r *http.Request, doc extraction.Document) {
	var req extractRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	res, err := h.Extractor.Extract(r.Context(), doc, extraction.Image{URL: req.ImageURL, Base64: req.ImageBase64})
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	fields := map[string]any{"document": res.Document, "data": res.Fields}
	if res.RawText != "" {
		fields["rawText"] = res.RawText
	}
	respond.OK(w, http.StatusOK, fields)
}
