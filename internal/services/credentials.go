package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/vitalink/backend/internal/execution"
	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
)

const (
	resetCodeDigits = 6
	MinResetTTL     = 15 * time.Minute
	MaxResetTTL     = 20 * time.Minute
)

// Throttle limits how often a key may trigger an action.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ResetRequested describes where a reset code went and until when it is valid.
type ResetRequested struct {
	SentTo    string    `json:"sentTo"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn string    `json:"expiresIn"`
}

// CredentialService owns the reset-code lifecycle. At most one reset code is live
// per account: issuing a new one overwrites the previous.
type CredentialService struct {
	pool     TxBeginner
	accounts AccountRepo
	mail     JobQueue
	throttle Throttle
	hasher   *AccountService
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewCredentialService(pool TxBeginner, accounts AccountRepo, mail JobQueue, throttle Throttle, hasher *AccountService, ttl time.Duration, log *slog.Logger) *CredentialService {
	if ttl < MinResetTTL || ttl > MaxResetTTL {
		ttl = MaxResetTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &CredentialService{
		pool:     pool,
		accounts: accounts,
		mail:     mail,
		throttle: throttle,
		hasher:   hasher,
		ttl:      ttl,
		now:      time.Now,
		log:      log,
	}
}

// SetClock replaces the time source. Used by tests to move past expiry.
func (s *CredentialService) SetClock(now func() time.Time) { s.now = now }

func newResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// digestResetCode binds the stored digest to the account so equal codes on
// different accounts never share a stored value.
func digestResetCode(accountID, code string) string {
	sum := sha256.Sum256([]byte(accountID + ":" + code))
	return hex.EncodeToString(sum[:])
}

// RequestReset issues a fresh reset code for the account matching identifier
// (email or phone) and queues its delivery in the same transaction.
func (s *CredentialService) RequestReset(ctx context.Context, identifier string) (_ *ResetRequested, err error) {
	defer func() { metrics.ResetRequestsTotal.WithLabelValues("request", resultLabel(err)).Inc() }()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: email or phone is required", models.ErrValidation)
	}
	if s.throttle != nil {
		ok, err := s.throttle.Allow(ctx, "reset:"+strings.ToLower(identifier))
		if err != nil {
			s.log.Warn("reset throttle unavailable", "error", err)
		} else if !ok {
			return nil, models.ErrRateLimited
		}
	}

	code, err := newResetCode()
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIdentifierForUpdate(ctx, tx, identifier)
	if err != nil {
		return nil, err
	}
	if acc.Email == "" {
		return nil, fmt.Errorf("%w: account has no email on file", models.ErrValidation)
	}
	expires := s.now().Add(s.ttl).UTC()
	acc.ResetCode = digestResetCode(acc.ID.String(), code)
	acc.ResetExpiresAt = &expires
	if err := s.accounts.UpdateTx(ctx, tx, acc); err != nil {
		return nil, err
	}

	minutes := int(s.ttl / time.Minute)
	if err := s.mail.EnqueueEmailTx(ctx, tx, execution.SendEmailArgs{
		To:        acc.Email,
		Subject:   "Your VitaLink Password Reset Code",
		Title:     "Password reset",
		Intro:     "Use this code to reset your VitaLink password.",
		Highlight: code,
		Footer:    fmt.Sprintf("This code expires in %d minutes. If you did not request it, ignore this email.", minutes),
	}); err != nil {
		return nil, fmt.Errorf("enqueue reset email: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ResetRequested{
		SentTo:    maskEmail(acc.Email),
		ExpiresAt: expires,
		ExpiresIn: fmt.Sprintf("%d minutes", minutes),
	}, nil
}

// ConfirmReset replaces the password when code matches the live reset code. A used
// or expired code is cleared, so a replay fails with ErrInvalidCode.
func (s *CredentialService) ConfirmReset(ctx context.Context, identifier, code, newPassword string) (err error) {
	defer func() { metrics.ResetRequestsTotal.WithLabelValues("confirm", resultLabel(err)).Inc() }()

	identifier = strings.TrimSpace(identifier)
	code = strings.TrimSpace(code)
	if identifier == "" || code == "" {
		return fmt.Errorf("%w: identifier and code are required", models.ErrValidation)
	}
	hash, err := s.hasher.hashPassword(newPassword)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIdentifierForUpdate(ctx, tx, identifier)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrInvalidCode
	}
	if err != nil {
		return err
	}
	if acc.ResetCode == "" || acc.ResetExpiresAt == nil {
		return models.ErrInvalidCode
	}
	want := []byte(acc.ResetCode)
	got := []byte(digestResetCode(acc.ID.String(), code))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return models.ErrInvalidCode
	}
	if s.now().After(*acc.ResetExpiresAt) {
		acc.ResetCode = ""
		acc.ResetExpiresAt = nil
		if err := s.accounts.UpdateTx(ctx, tx, acc); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		return models.ErrExpired
	}

	acc.PasswordHash = hash
	acc.ResetCode = ""
	acc.ResetExpiresAt = nil
	if err := s.accounts.UpdateTx(ctx, tx, acc); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return email
	}
	if len(local) <= 2 {
		return local[:1] + "***@" + domain
	}
	return local[:2] + "***@" + domain
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrRateLimited):
		return "throttled"
	case errors.Is(err, models.ErrExpired):
		return "expired"
	case errors.Is(err, models.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
