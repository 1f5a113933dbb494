package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vitalink/backend/internal/execution"
	"github.com/vitalink/backend/internal/models"
)

// Authorization form types.
const (
	FormHIPAA = "hipaa"
	FormSOA   = "soa"
)

// SignedForms is what a client reports back to its agent after signing.
type SignedForms struct {
	HIPAASignedAt *time.Time
	SOASignedAt   *time.Time
	Medications   int
	Doctors       int
}

// FormService moves authorization forms between agents and their clients by email.
type FormService struct {
	pool     TxBeginner
	accounts AccountRepo
	mail     JobQueue
	log      *slog.Logger
}

func NewFormService(pool TxBeginner, accounts AccountRepo, mail JobQueue, log *slog.Logger) *FormService {
	if log == nil {
		log = slog.Default()
	}
	return &FormService{pool: pool, accounts: accounts, mail: mail, log: log}
}

func NormalizeFormType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case FormHIPAA:
		return FormHIPAA, nil
	case FormSOA:
		return FormSOA, nil
	default:
		return "", fmt.Errorf("%w: formType must be hipaa or soa", models.ErrValidation)
	}
}

// SendBlank emails a client a request to review and sign a form in the app.
func (s *FormService) SendBlank(ctx context.Context, agent *models.Account, formType, recipient string) error {
	if agent == nil || !agent.IsAgent() {
		return models.ErrForbidden
	}
	ft, err := NormalizeFormType(formType)
	if err != nil {
		return err
	}
	recipient = normalizeEmail(recipient)
	if recipient == "" {
		return fmt.Errorf("%w: recipient is required", models.ErrValidation)
	}
	label := strings.ToUpper(ft)
	err = s.enqueue(ctx, execution.SendEmailArgs{
		To:      recipient,
		Subject: "VitaLink - Please Review " + label + " Form",
		Title:   label + " form to review",
		Intro:   "Your insurance agent has sent you a " + label + " form to review and sign. Please open your VitaLink app to complete the signing process.",
		Footer:  sender(agent),
	})
	if err != nil {
		return err
	}
	s.log.Info("form request sent", "agent_id", agent.ID, "form", ft)
	return nil
}

// SendSigned emails the client's signed-form summary to its linked agent and
// returns that agent.
func (s *FormService) SendSigned(ctx context.Context, user *models.Account, forms SignedForms) (*models.Account, error) {
	if user == nil || user.IsAgent() {
		return nil, models.ErrForbidden
	}
	if user.LinkedAgentID == nil {
		return nil, fmt.Errorf("%w: no linked agent", models.ErrNotFound)
	}
	agent, err := s.accounts.GetByID(ctx, *user.LinkedAgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active || agent.Email == "" {
		return nil, models.ErrAgentInactive
	}
	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = "Client"
	}
	var footer string
	if user.Email != "" {
		footer = "Reply to " + user.Email
	}
	err = s.enqueue(ctx, execution.SendEmailArgs{
		To:      agent.Email,
		Subject: "VitaLink - Documents from " + name,
		Title:   "Documents from " + name,
		Intro:   "Your client has sent the following documents from VitaLink.",
		Lines: []string{
			"HIPAA: " + signedStatus(forms.HIPAASignedAt),
			"SOA: " + signedStatus(forms.SOASignedAt),
			"Medications: " + strconv.Itoa(forms.Medications),
			"Doctors: " + strconv.Itoa(forms.Doctors),
		},
		Footer: footer,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("signed forms sent", "user_id", user.ID, "agent_id", agent.ID)
	return agent, nil
}

func (s *FormService) enqueue(ctx context.Context, args execution.SendEmailArgs) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.mail.EnqueueEmailTx(ctx, tx, args); err != nil {
		return fmt.Errorf("enqueue form email: %w", err)
	}
	return tx.Commit(ctx)
}

func signedStatus(at *time.Time) string {
	if at == nil || at.IsZero() {
		return "Not signed"
	}
	return "Signed " + at.UTC().Format("2006-01-02")
}

func sender(agent *models.Account) string {
	if agent.Name == "" {
		return "Sent by your agent."
	}
	return "Sent by " + agent.Name + "."
}
