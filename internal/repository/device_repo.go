package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

// Upsert stores the account's single device, replacing any earlier token.
// The same token registered under another account is removed in the same statement.
func (r *DeviceRepo) Upsert(ctx context.Context, d *models.Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		WITH moved AS (
			DELETE FROM devices WHERE token = $3 AND account_id <> $2
		)
		INSERT INTO devices (id, account_id, token, platform)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
			SET token = EXCLUDED.token, platform = EXCLUDED.platform, updated_at = now()
		RETURNING id, created_at, updated_at
	`, d.ID, d.AccountID, d.Token, d.Platform).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

// TokenForAccountTx returns the account's push token, or "" when none is registered.
func (r *DeviceRepo) TokenForAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (string, error) {
	var token string
	err := tx.QueryRow(ctx, `SELECT token FROM devices WHERE account_id = $1`, accountID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, err
}

// TokensForAgentUsers lists push tokens of active users linked to the agent.
func (r *DeviceRepo) TokensForAgentUsers(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.token FROM devices d
		JOIN accounts a ON a.id = d.account_id
		WHERE a.linked_agent_id = $1 AND a.active AND d.token <> ''
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteStale removes devices with an empty token or not refreshed since the cutoff.
func (r *DeviceRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE token = '' OR updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *DeviceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM devices`).Scan(&n)
	return n, err
}
