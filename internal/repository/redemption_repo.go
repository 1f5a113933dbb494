package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

type RedemptionRepo struct {
	pool *pgxpool.Pool
}

func NewRedemptionRepo(pool *pgxpool.Pool) *RedemptionRepo {
	return &RedemptionRepo{pool: pool}
}

// CreateTx appends a ledger row. Call in the same transaction as the code update.
func (r *RedemptionRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Redemption) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO redemptions (id, code_id, code, kind, account_id, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING redeemed_at
	`, e.ID, e.CodeID, e.Code, e.Kind, e.AccountID, e.AgentID).Scan(&e.RedeemedAt)
}
