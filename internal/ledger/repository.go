package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UsageByAgent counts promo redemptions credited to each active agent, optionally
// only those at or after since. Agents without redemptions are listed with zero.
func (r *Repository) UsageByAgent(ctx context.Context, since *time.Time) ([]models.AgentUsage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, COALESCE(a.email, ''), a.name, count(r.id)
		FROM accounts a
		LEFT JOIN redemptions r
			ON r.agent_id = a.id
			AND r.kind = 'promo'
			AND ($1::timestamptz IS NULL OR r.redeemed_at >= $1)
		WHERE a.role = 'agent' AND a.active
		GROUP BY a.id, a.email, a.name
		ORDER BY count(r.id) DESC, a.name
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AgentUsage
	for rows.Next() {
		var u models.AgentUsage
		if err := rows.Scan(&u.AgentID, &u.Email, &u.Name, &u.Uses); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}
