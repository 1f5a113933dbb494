package registry

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/vitalink/backend/internal/respond"
)

// MasterQRPayload is what the app expects when an agent scans the onboarding QR.
const MasterQRPayload = "agent_master"

const qrSize = 256

// DeepLink opens the app's registration screen with the agent's promo code filled in.
func DeepLink(agentID uuid.UUID, promo string) string {
	q := url.Values{}
	q.Set("agent", agentID.String())
	q.Set("promo", promo)
	u := url.URL{Scheme: "vitalink", Host: "register", RawQuery: q.Encode()}
	return u.String()
}

// QRDataURL renders content as a PNG QR code wrapped in a data URL.
func QRDataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// MasterQR returns the onboarding QR handed to new agents.
func (h *Handler) MasterQR(w http.ResponseWriter, r *http.Request) {
	qr, err := QRDataURL(MasterQRPayload)
	if err != nil {
		respond.Error(w, r, h.log, err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"payload": MasterQRPayload,
		"qr":      qr,
	})
}
