package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Create(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var detail any
	if len(e.Detail) > 0 {
		detail = e.Detail
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO admin_audit (id, action, actor, subject, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.Action, e.Actor, e.Subject, detail).Scan(&e.CreatedAt)
}
