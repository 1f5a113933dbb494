package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalink/backend/internal/models"
)

const accountColumns = `id, role, COALESCE(email, ''), COALESCE(password_hash, ''), active,
	name, phone, npn, agency_name, agency_address,
	COALESCE(issued_code, ''), COALESCE(promo_code, ''), linked_agent_id, COALESCE(purchase_code, ''),
	COALESCE(reset_code, ''), reset_expires_at, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Role, &a.Email, &a.PasswordHash, &a.Active,
		&a.Name, &a.Phone, &a.NPN, &a.AgencyName, &a.AgencyAddress,
		&a.IssuedCode, &a.PromoCode, &a.LinkedAgentID, &a.PurchaseCode,
		&a.ResetCode, &a.ResetExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// accountWriteErr maps unique violations on the accounts table to domain errors.
func accountWriteErr(err error) error {
	if name, ok := uniqueConstraint(err); ok {
		switch name {
		case "accounts_email_lower_key":
			return models.ErrDuplicateEmail
		default:
			return fmt.Errorf("%w: %s", ErrDuplicateCode, name)
		}
	}
	return err
}

// CreateTx inserts a new account. Empty optional strings are stored as NULL.
func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (id, role, email, password_hash, active, name, phone, npn, agency_name, agency_address,
			issued_code, promo_code, linked_agent_id, purchase_code)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10,
			NULLIF($11, ''), NULLIF($12, ''), $13, NULLIF($14, ''))
		RETURNING created_at, updated_at
	`, a.ID, a.Role, a.Email, a.PasswordHash, a.Active, a.Name, a.Phone, a.NPN, a.AgencyName, a.AgencyAddress,
		a.IssuedCode, a.PromoCode, a.LinkedAgentID, a.PurchaseCode).Scan(&a.CreatedAt, &a.UpdatedAt)
	return accountWriteErr(err)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByEmail matches case-insensitively.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email))
}

// GetByIDForUpdate locks the account row. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdentifierForUpdate locks the account matching an email or phone number.
func (r *AccountRepo) GetByIdentifierForUpdate(ctx context.Context, tx pgx.Tx, identifier string) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE lower(email) = lower($1) OR (phone <> '' AND phone = $1)
		ORDER BY (lower(email) = lower($1)) DESC NULLS LAST, created_at
		LIMIT 1
		FOR UPDATE
	`, identifier))
}

// UpdateTx writes every mutable column of the account.
func (r *AccountRepo) UpdateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET email = NULLIF($2, ''), password_hash = NULLIF($3, ''), active = $4,
			name = $5, phone = $6, npn = $7, agency_name = $8, agency_address = $9,
			issued_code = NULLIF($10, ''), promo_code = NULLIF($11, ''), linked_agent_id = $12,
			purchase_code = NULLIF($13, ''), reset_code = NULLIF($14, ''), reset_expires_at = $15,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.Email, a.PasswordHash, a.Active, a.Name, a.Phone, a.NPN, a.AgencyName, a.AgencyAddress,
		a.IssuedCode, a.PromoCode, a.LinkedAgentID, a.PurchaseCode, a.ResetCode, a.ResetExpiresAt).Scan(&a.UpdatedAt)
	if err != nil {
		return accountWriteErr(notFound(err))
	}
	return nil
}

// SetLinkedAgentTx credits a user account to the agent whose code it redeemed.
func (r *AccountRepo) SetLinkedAgentTx(ctx context.Context, tx pgx.Tx, id, agentID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET linked_agent_id = $2, updated_at = now() WHERE id = $1
	`, id, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteTx removes the account. Devices cascade; ledger rows and issued codes keep
// their rows with the reference cleared.
func (r *AccountRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
