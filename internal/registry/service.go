package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/repository"
)

const maxIssueAttempts = 5

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type CodeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Code) error
	GetByCode(ctx context.Context, code string) (*models.Code, error)
	SetActive(ctx context.Context, code string, active bool) (*models.Code, error)
}

type AccountStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
}

type Auditor interface {
	Create(ctx context.Context, e *models.AuditEntry) error
}

// Options sets the shape of generated codes per kind.
type Options struct {
	UnlockPrefix     string
	UnlockLength     int
	PromoPrefix      string
	PromoLength      int
	PurchasePrefix   string
	PurchaseLength   int
	AgentPromoPrefix string
	AgentPromoLength int
	MaxBatch         int
}

func DefaultOptions() Options {
	return Options{
		UnlockPrefix:     "AG",
		UnlockLength:     10,
		PromoPrefix:      "PROMO",
		PromoLength:      6,
		PurchasePrefix:   "PU",
		PurchaseLength:   8,
		AgentPromoPrefix: "AG",
		AgentPromoLength: 8,
		MaxBatch:         500,
	}
}

type Service interface {
	IssueUnlockCode(ctx context.Context, p IssueUnlockParams) (*UnlockIssue, error)
	IssuePromoBatch(ctx context.Context, p PromoBatchParams) ([]*models.Code, error)
	IssuePurchaseCodes(ctx context.Context, count int, actor string) ([]*models.Code, error)
	MintAgentPromo(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (*models.Code, error)
	Lookup(ctx context.Context, code string) (*models.Code, error)
	Verify(ctx context.Context, code string) (*Verification, error)
	Disable(ctx context.Context, code, actor string) (*models.Code, error)
}

type IssueUnlockParams struct {
	Prefix string
	Length int
	Actor  string
}

// UnlockIssue is a freshly created agent placeholder and the code that activates it.
type UnlockIssue struct {
	Agent *models.Account
	Code  *models.Code
}

// PromoBatchParams describes a promo batch. MaxUses nil means unlimited.
type PromoBatchParams struct {
	AgentID *uuid.UUID
	Prefix  string
	Count   int
	MaxUses *int
	Actor   string
}

// Verification is a read-only preview of a code's redeemability.
type Verification struct {
	Code      string         `json:"code"`
	Kind      string         `json:"kind"`
	State     string         `json:"state"`
	Valid     bool           `json:"valid"`
	Remaining *int           `json:"remaining"`
	Agent     *VerifiedAgent `json:"agent,omitempty"`
}

type VerifiedAgent struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Phone  string    `json:"phone"`
	Active bool      `json:"active"`
}

type service struct {
	pool     TxBeginner
	codes    CodeStore
	accounts AccountStore
	audit    Auditor
	gen      *Generator
	opts     Options
	log      *slog.Logger
}

func NewService(pool TxBeginner, codes CodeStore, accounts AccountStore, audit Auditor, gen *Generator, opts Options, log *slog.Logger) *service {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{pool: pool, codes: codes, accounts: accounts, audit: audit, gen: gen, opts: opts, log: log}
}

var _ Service = (*service)(nil)

// insertUnique generates codes until one inserts without collision. Each attempt
// runs in a savepoint so a unique violation does not abort the outer transaction.
func (s *service) insertUnique(ctx context.Context, tx pgx.Tx, prefix string, length int, build func(token string) *models.Code) (*models.Code, error) {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		token, err := s.gen.Generate(prefix, length)
		if err != nil {
			return nil, err
		}
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, err
		}
		c := build(token)
		err = s.codes.CreateTx(ctx, sp, c)
		if errors.Is(err, repository.ErrDuplicateCode) {
			_ = sp.Rollback(ctx)
			s.log.Warn("code collision, regenerating", "prefix", prefix, "attempt", attempt+1)
			continue
		}
		if err != nil {
			_ = sp.Rollback(ctx)
			return nil, err
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, models.ErrIssuance
}

func (s *service) IssueUnlockCode(ctx context.Context, p IssueUnlockParams) (*UnlockIssue, error) {
	prefix := NormalizePrefix(p.Prefix)
	if prefix == "" {
		prefix = s.opts.UnlockPrefix
	}
	length := p.Length
	if length <= 0 {
		length = s.opts.UnlockLength
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	agent := &models.Account{ID: uuid.New(), Role: models.RoleAgent, Active: false}
	if err := s.accounts.CreateTx(ctx, tx, agent); err != nil {
		return nil, fmt.Errorf("create agent placeholder: %w", err)
	}
	one := 1
	code, err := s.insertUnique(ctx, tx, prefix, length, func(token string) *models.Code {
		return &models.Code{Code: token, Kind: models.CodeKindUnlock, IssuerAgentID: &agent.ID, MaxUses: &one}
	})
	if err != nil {
		return nil, err
	}
	agent.IssuedCode = code.Code
	if err := s.accounts.UpdateTx(ctx, tx, agent); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.CodesIssuedTotal.WithLabelValues(models.CodeKindUnlock).Inc()
	s.record(ctx, models.AuditIssueUnlock, p.Actor, code.Code, map[string]any{"agent_id": agent.ID})
	return &UnlockIssue{Agent: agent, Code: code}, nil
}

func (s *service) IssuePromoBatch(ctx context.Context, p PromoBatchParams) ([]*models.Code, error) {
	if p.Count <= 0 || p.Count > s.opts.MaxBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", models.ErrValidation, s.opts.MaxBatch)
	}
	if p.MaxUses != nil && *p.MaxUses <= 0 {
		return nil, fmt.Errorf("%w: maxUses must be positive or null", models.ErrValidation)
	}
	prefix := NormalizePrefix(p.Prefix)
	if prefix == "" {
		prefix = s.opts.PromoPrefix
	}
	if p.AgentID != nil {
		agent, err := s.accounts.GetByID(ctx, *p.AgentID)
		if err != nil {
			return nil, err
		}
		if !agent.IsAgent() {
			return nil, fmt.Errorf("%w: account is not an agent", models.ErrValidation)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]*models.Code, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		c, err := s.insertUnique(ctx, tx, prefix, s.opts.PromoLength, func(token string) *models.Code {
			return &models.Code{Code: token, Kind: models.CodeKindPromo, IssuerAgentID: p.AgentID, MaxUses: copyInt(p.MaxUses)}
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.CodesIssuedTotal.WithLabelValues(models.CodeKindPromo).Add(float64(len(out)))
	s.record(ctx, models.AuditIssuePromo, p.Actor, prefix, map[string]any{
		"count": p.Count, "max_uses": p.MaxUses, "agent_id": p.AgentID,
	})
	return out, nil
}

func (s *service) IssuePurchaseCodes(ctx context.Context, count int, actor string) ([]*models.Code, error) {
	if count <= 0 || count > s.opts.MaxBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", models.ErrValidation, s.opts.MaxBatch)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]*models.Code, 0, count)
	for i := 0; i < count; i++ {
		c, err := s.insertUnique(ctx, tx, s.opts.PurchasePrefix, s.opts.PurchaseLength, func(token string) *models.Code {
			one := 1
			return &models.Code{Code: token, Kind: models.CodeKindPurchase, MaxUses: &one}
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	metrics.CodesIssuedTotal.WithLabelValues(models.CodeKindPurchase).Add(float64(len(out)))
	s.record(ctx, models.AuditIssuePurchase, actor, s.opts.PurchasePrefix, map[string]any{"count": count})
	return out, nil
}

// MintAgentPromo creates the permanent, unlimited promo code of an agent and stores
// it on the agent row. Runs inside the caller's transaction.
func (s *service) MintAgentPromo(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (*models.Code, error) {
	agent, err := s.accounts.GetByIDForUpdate(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	code, err := s.insertUnique(ctx, tx, s.opts.AgentPromoPrefix, s.opts.AgentPromoLength, func(token string) *models.Code {
		return &models.Code{Code: token, Kind: models.CodeKindPromo, IssuerAgentID: &agentID}
	})
	if err != nil {
		return nil, err
	}
	agent.PromoCode = code.Code
	if err := s.accounts.UpdateTx(ctx, tx, agent); err != nil {
		return nil, err
	}
	return code, nil
}

func (s *service) Lookup(ctx context.Context, code string) (*models.Code, error) {
	code = Normalize(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", models.ErrValidation)
	}
	return s.codes.GetByCode(ctx, code)
}

// Verify reports whether a code would currently redeem, without consuming it.
func (s *service) Verify(ctx context.Context, code string) (*Verification, error) {
	c, err := s.Lookup(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	v := &Verification{
		Code:      c.Code,
		Kind:      c.Kind,
		State:     c.State(),
		Valid:     c.Active && !c.Exhausted(),
		Remaining: c.Remaining(),
	}
	if c.IssuerAgentID != nil {
		agent, err := s.accounts.GetByID(ctx, *c.IssuerAgentID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if agent != nil {
			v.Agent = &VerifiedAgent{ID: agent.ID, Name: agent.Name, Email: agent.Email, Phone: agent.Phone, Active: agent.Active}
			switch c.Kind {
			case models.CodeKindUnlock:
				v.Valid = v.Valid && !agent.Active
			case models.CodeKindPromo:
				v.Valid = v.Valid && agent.Active
			}
		}
	}
	return v, nil
}

func (s *service) Disable(ctx context.Context, code, actor string) (*models.Code, error) {
	code = Normalize(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", models.ErrValidation)
	}
	c, err := s.codes.SetActive(ctx, code, false)
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.AuditDisableCode, actor, code, nil)
	return c, nil
}

// record writes an audit row. Failures are logged; the audited action has already committed.
func (s *service) record(ctx context.Context, action, actor, subject string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	e := &models.AuditEntry{Action: action, Actor: actor, Subject: subject}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			e.Detail = raw
		}
	}
	if err := s.audit.Create(ctx, e); err != nil {
		s.log.Error("audit write failed", "action", action, "subject", subject, "error", err)
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
