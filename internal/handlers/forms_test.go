package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/services"
)

type stubForms struct {
	formType  string
	recipient string
	signed    *services.SignedForms
	agent     *models.Account
	err       error
}

func (s *stubForms) SendBlank(_ context.Context, _ *models.Account, formType, recipient string) error {
	s.formType, s.recipient = formType, recipient
	return s.err
}

func (s *stubForms) SendSigned(_ context.Context, _ *models.Account, forms services.SignedForms) (*models.Account, error) {
	s.signed = &forms
	if s.err != nil {
		return nil, s.err
	}
	return s.agent, nil
}

func TestSendForm_Agent(t *testing.T) {
	agent := &models.Account{ID: uuid.New(), Role: models.RoleAgent}
	svc := &stubForms{}
	h := &FormHandler{Forms: svc}

	w := httptest.NewRecorder()
	h.Send(w, asAccount(post("/api/forms/send", `{"formType":"hipaa","recipient":"sam@example.com"}`), agent))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}
	if svc.formType != "hipaa" || svc.recipient != "sam@example.com" || svc.signed != nil {
		t.Errorf("forwarded: %+v", svc)
	}

	w = httptest.NewRecorder()
	h.Send(w, asAccount(post("/api/forms/send", `{"formType":"hipaa","recipient":"not-an-email"}`), agent))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad recipient: got %d, want 400", w.Code)
	}
}

func TestSendForm_Client(t *testing.T) {
	user := &models.Account{ID: uuid.New(), Role: models.RoleUser}
	agentID := uuid.New()
	svc := &stubForms{agent: &models.Account{ID: agentID, Role: models.RoleAgent}}
	h := &FormHandler{Forms: svc}

	body := `{"agent":{"email":"jane@agency.com"},"hipaa":{"signedAt":"2026-03-04T10:00:00Z"},"soa":{},"meds":[{"name":"a"},{"name":"b"}],"doctors":[{}]}`
	w := httptest.NewRecorder()
	h.Send(w, asAccount(post("/api/forms/send", body), user))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}
	got := svc.signed
	if got == nil || got.HIPAASignedAt == nil || !got.HIPAASignedAt.Equal(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("signed forms: %+v", got)
	}
	if got.SOASignedAt != nil || got.Medications != 2 || got.Doctors != 1 {
		t.Errorf("signed forms: %+v", got)
	}
	if b := decodeBody(t, w); b["agentId"] != agentID.String() {
		t.Errorf("body: %v", b)
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"no linked agent", models.ErrNotFound, http.StatusNotFound},
		{"agent inactive", models.ErrAgentInactive, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &FormHandler{Forms: &stubForms{err: tt.err}}
			w := httptest.NewRecorder()
			h.Send(w, asAccount(post("/api/forms/send", `{}`), user))
			if w.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSendForm_Unauthenticated(t *testing.T) {
	h := &FormHandler{Forms: &stubForms{}}
	w := httptest.NewRecorder()
	h.Send(w, post("/api/forms/send", `{}`))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", w.Code)
	}
}
