package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

const codeColumns = `id, code, kind, issuer_agent_id, max_uses, used_count, redeemed, active, created_at, updated_at`

type CodeRepo struct {
	pool *pgxpool.Pool
}

func NewCodeRepo(pool *pgxpool.Pool) *CodeRepo {
	return &CodeRepo{pool: pool}
}

func scanCode(row pgx.Row) (*models.Code, error) {
	var c models.Code
	err := row.Scan(&c.ID, &c.Code, &c.Kind, &c.IssuerAgentID, &c.MaxUses, &c.UsedCount, &c.Redeemed, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateTx inserts a code. A collision on the code value returns ErrDuplicateCode.
func (r *CodeRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Code) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO codes (id, code, kind, issuer_agent_id, max_uses, used_count, redeemed, active)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, TRUE)
		RETURNING used_count, redeemed, active, created_at, updated_at
	`, c.ID, c.Code, c.Kind, c.IssuerAgentID, c.MaxUses).Scan(&c.UsedCount, &c.Redeemed, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if _, ok := uniqueConstraint(err); ok {
		return ErrDuplicateCode
	}
	return err
}

func (r *CodeRepo) GetByCode(ctx context.Context, code string) (*models.Code, error) {
	return scanCode(r.pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM codes WHERE code = $1`, code))
}

// GetByCodeForUpdate locks the code row. Call within a transaction.
func (r *CodeRepo) GetByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Code, error) {
	return scanCode(tx.QueryRow(ctx, `SELECT `+codeColumns+` FROM codes WHERE code = $1 FOR UPDATE`, code))
}

// ConsumeTx takes one use of the code if it is active and has uses left.
// Returns models.ErrLimitReached when no use is available.
func (r *CodeRepo) ConsumeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Code, error) {
	c, err := scanCode(tx.QueryRow(ctx, `
		UPDATE codes SET used_count = used_count + 1,
			redeemed = (max_uses IS NOT NULL AND used_count + 1 >= max_uses),
			updated_at = now()
		WHERE id = $1 AND active AND (max_uses IS NULL OR used_count < max_uses)
		RETURNING `+codeColumns, id))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrLimitReached
	}
	return c, err
}

// DisableByIssuerTx switches off every active code issued by the agent.
func (r *CodeRepo) DisableByIssuerTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE codes SET active = false, updated_at = now()
		WHERE issuer_agent_id = $1 AND active
	`, agentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetActive toggles the administrative switch of a code.
func (r *CodeRepo) SetActive(ctx context.Context, code string, active bool) (*models.Code, error) {
	return scanCode(r.pool.QueryRow(ctx, `
		UPDATE codes SET active = $2, updated_at = now() WHERE code = $1
		RETURNING `+codeColumns, code, active))
}
