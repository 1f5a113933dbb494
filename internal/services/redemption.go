package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
)

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RedemptionCodeRepo is the minimal code repository interface for redemption.
type RedemptionCodeRepo interface {
	GetByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Code, error)
	ConsumeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Code, error)
}

// RedemptionAccountRepo is the minimal account repository interface for redemption.
type RedemptionAccountRepo interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	SetLinkedAgentTx(ctx context.Context, tx pgx.Tx, id, agentID uuid.UUID) error
}

// RedemptionLedgerRepo appends ledger rows.
type RedemptionLedgerRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Redemption) error
}

// RedemptionResult is the code state after a successful redemption and the agent
// the redeeming account was credited to, if any.
type RedemptionResult struct {
	Code       *models.Code
	AgentID    *uuid.UUID
	Redemption *models.Redemption
}

// RedemptionEngine consumes codes. Every effect of a redemption happens inside the
// caller's transaction, so it commits or rolls back with the surrounding operation.
type RedemptionEngine struct {
	Codes    RedemptionCodeRepo
	Accounts RedemptionAccountRepo
	Ledger   RedemptionLedgerRepo
}

func NewRedemptionEngine(codes RedemptionCodeRepo, accounts RedemptionAccountRepo, ledger RedemptionLedgerRepo) *RedemptionEngine {
	return &RedemptionEngine{Codes: codes, Accounts: accounts, Ledger: ledger}
}

// Redeem locks the code row, checks the kind rules, takes one use with a conditional
// update and appends the ledger row. Call within a transaction.
//
// For promo codes with an issuer, the redeeming account is linked to that agent.
// Unlock codes only validate and consume; the redeemer recorded is the placeholder
// agent itself (accountID is ignored) and activating it is the caller's job.
//
// When kinds is non-empty, a code of any other kind fails with ErrInvalidCode
// before anything is consumed.
func (e *RedemptionEngine) Redeem(ctx context.Context, tx pgx.Tx, token string, accountID uuid.UUID, kinds ...string) (res *RedemptionResult, err error) {
	kind := "unknown"
	defer func() {
		metrics.RedemptionsTotal.WithLabelValues(kind, redemptionResult(err)).Inc()
	}()

	token = registry.Normalize(token)
	if token == "" {
		return nil, models.ErrInvalidCode
	}
	code, err := e.Codes.GetByCodeForUpdate(ctx, tx, token)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	kind = code.Kind
	if !code.Active || (len(kinds) > 0 && !slices.Contains(kinds, code.Kind)) {
		return nil, models.ErrInvalidCode
	}

	var agentID *uuid.UUID
	switch code.Kind {
	case models.CodeKindUnlock:
		if code.IssuerAgentID == nil {
			return nil, models.ErrInvalidCode
		}
		agent, err := e.Accounts.GetByIDForUpdate(ctx, tx, *code.IssuerAgentID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCode
		}
		if err != nil {
			return nil, err
		}
		if agent.Active {
			return nil, models.ErrAlreadyUsed
		}
		agentID = &agent.ID
	case models.CodeKindPromo:
		if code.IssuerAgentID != nil {
			agent, err := e.Accounts.GetByIDForUpdate(ctx, tx, *code.IssuerAgentID)
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.ErrAgentInactive
			}
			if err != nil {
				return nil, err
			}
			if !agent.Active {
				return nil, models.ErrAgentInactive
			}
			agentID = &agent.ID
		}
	}

	if code.Exhausted() {
		return nil, exhaustedErr(code)
	}
	updated, err := e.Codes.ConsumeTx(ctx, tx, code.ID)
	if errors.Is(err, models.ErrLimitReached) {
		return nil, exhaustedErr(code)
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}

	if code.Kind == models.CodeKindPromo && agentID != nil {
		if err := e.Accounts.SetLinkedAgentTx(ctx, tx, accountID, *agentID); err != nil {
			return nil, fmt.Errorf("link agent: %w", err)
		}
	}

	acct := accountID
	if code.Kind == models.CodeKindUnlock {
		acct = *agentID
	}
	entry := &models.Redemption{
		ID:        uuid.New(),
		CodeID:    updated.ID,
		Code:      updated.Code,
		Kind:      updated.Kind,
		AccountID: &acct,
		AgentID:   agentID,
	}
	if err := e.Ledger.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append ledger: %w", err)
	}
	return &RedemptionResult{Code: updated, AgentID: agentID, Redemption: entry}, nil
}

func exhaustedErr(c *models.Code) error {
	if c.Kind == models.CodeKindPurchase {
		return models.ErrCodeAlreadyUsed
	}
	if c.Kind == models.CodeKindUnlock {
		return models.ErrAlreadyUsed
	}
	return models.ErrLimitReached
}

func redemptionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, models.ErrAlreadyUsed), errors.Is(err, models.ErrCodeAlreadyUsed):
		return "already_used"
	case errors.Is(err, models.ErrLimitReached):
		return "limit_reached"
	case errors.Is(err, models.ErrAgentInactive):
		return "agent_inactive"
	default:
		return "error"
	}
}
