package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/vitalink/backend/internal/execution"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
)

// AccountRepo is the account repository interface used by onboarding and credentials.
type AccountRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	GetByIdentifierForUpdate(ctx context.Context, tx pgx.Tx, identifier string) (*models.Account, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// OnboardingCodeRepo reads codes for referral resolution and promo lookups, and
// retires an agent's codes when the agent goes away.
type OnboardingCodeRepo interface {
	GetByCode(ctx context.Context, code string) (*models.Code, error)
	GetByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Code, error)
	DisableByIssuerTx(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int64, error)
}

// PromoMinter creates an agent's permanent promo code inside a transaction.
type PromoMinter interface {
	MintAgentPromo(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (*models.Code, error)
}

// JobQueue enqueues notifications within the transaction of the mutation that caused them.
type JobQueue interface {
	EnqueueEmailTx(ctx context.Context, tx pgx.Tx, args execution.SendEmailArgs) error
	EnqueuePushTx(ctx context.Context, tx pgx.Tx, args execution.SendPushArgs) error
}

// DeviceTokenReader returns an account's push token, or "" when it has none.
type DeviceTokenReader interface {
	TokenForAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (string, error)
}

// Contract is the versioned request contract. Optional-vs-required differences
// between client generations are expressed here instead of in parallel handlers.
type Contract struct {
	Version         string
	RequireNPN      bool
	RequireUserCode bool
	MinPasswordLen  int
}

func DefaultContract() Contract {
	return Contract{Version: "2", RequireNPN: true, RequireUserCode: true, MinPasswordLen: 8}
}

type ActivateAgentInput struct {
	UnlockCode    string
	Email         string
	Password      string
	Name          string
	Phone         string
	NPN           string
	AgencyName    string
	AgencyAddress string
}

type RegisterUserInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Code      string
}

// RegisterResult is the new user and the code that admitted it.
type RegisterResult struct {
	Account *models.Account
	Code    *models.Code
	Agent   *models.Account
}

// ProfileUpdate carries optional profile changes. Nil fields are left untouched.
type ProfileUpdate struct {
	Email           *string
	Name            *string
	Phone           *string
	NPN             *string
	AgencyName      *string
	AgencyAddress   *string
	CurrentPassword string
	NewPassword     string
}

type AccountService struct {
	pool     TxBeginner
	accounts AccountRepo
	codes    OnboardingCodeRepo
	engine   *RedemptionEngine
	minter   PromoMinter
	mail     JobQueue
	devices  DeviceTokenReader
	contract Contract
	hashCost int
	log      *slog.Logger
}

func NewAccountService(pool TxBeginner, accounts AccountRepo, codes OnboardingCodeRepo, engine *RedemptionEngine, minter PromoMinter, mail JobQueue, devices DeviceTokenReader, contract Contract, log *slog.Logger) *AccountService {
	if log == nil {
		log = slog.Default()
	}
	if contract.MinPasswordLen <= 0 {
		contract.MinPasswordLen = 8
	}
	return &AccountService{
		pool:     pool,
		accounts: accounts,
		codes:    codes,
		engine:   engine,
		minter:   minter,
		mail:     mail,
		devices:  devices,
		contract: contract,
		hashCost: bcrypt.DefaultCost,
		log:      log,
	}
}

// SetHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *AccountService) SetHashCost(cost int) { s.hashCost = cost }

func (s *AccountService) Contract() Contract { return s.contract }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AccountService) hashPassword(password string) (string, error) {
	if len(password) < s.contract.MinPasswordLen {
		return "", fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, s.contract.MinPasswordLen)
	}
	if len(password) > 72 {
		return "", fmt.Errorf("%w: password must be at most 72 bytes", models.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ActivateAgent redeems an unlock code and turns its placeholder into a credentialed,
// active agent with a permanent promo code. All of it commits together.
func (s *AccountService) ActivateAgent(ctx context.Context, in ActivateAgentInput) (*models.Account, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrValidation)
	}
	if strings.TrimSpace(in.UnlockCode) == "" {
		return nil, fmt.Errorf("%w: unlock code is required", models.ErrValidation)
	}
	if s.contract.RequireNPN && strings.TrimSpace(in.NPN) == "" {
		return nil, fmt.Errorf("%w: npn is required", models.ErrValidation)
	}
	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := s.engine.Redeem(ctx, tx, in.UnlockCode, uuid.Nil, models.CodeKindUnlock)
	if err != nil {
		return nil, err
	}

	agent, err := s.accounts.GetByIDForUpdate(ctx, tx, *res.AgentID)
	if err != nil {
		return nil, err
	}
	agent.Email = email
	agent.PasswordHash = hash
	agent.Name = strings.TrimSpace(in.Name)
	agent.Phone = strings.TrimSpace(in.Phone)
	agent.NPN = strings.TrimSpace(in.NPN)
	agent.AgencyName = strings.TrimSpace(in.AgencyName)
	agent.AgencyAddress = strings.TrimSpace(in.AgencyAddress)
	agent.Active = true
	if err := s.accounts.UpdateTx(ctx, tx, agent); err != nil {
		return nil, err
	}

	promo, err := s.minter.MintAgentPromo(ctx, tx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("mint agent promo: %w", err)
	}
	agent.PromoCode = promo.Code

	if err := s.mail.EnqueueEmailTx(ctx, tx, execution.SendEmailArgs{
		To:        agent.Email,
		Subject:   "Welcome to VitaLink",
		Title:     "Your agent account is active",
		Intro:     "Share your promo code with your clients so their registrations are linked to you.",
		Highlight: promo.Code,
	}); err != nil {
		return nil, fmt.Errorf("enqueue welcome email: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("agent activated", "agent_id", agent.ID, "unlock_code", res.Code.Code)
	return agent, nil
}

// RegisterUser creates an active user and redeems the supplied code in the same
// transaction. An agent's unlock code used as a referral resolves to that agent's
// permanent promo code.
func (s *AccountService) RegisterUser(ctx context.Context, in RegisterUserInput) (*RegisterResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrValidation)
	}
	token := registry.Normalize(in.Code)
	if token == "" && s.contract.RequireUserCode {
		return nil, fmt.Errorf("%w: code is required", models.ErrValidation)
	}
	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	user := &models.Account{
		ID:           uuid.New(),
		Role:         models.RoleUser,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Name:         strings.TrimSpace(strings.TrimSpace(in.FirstName) + " " + strings.TrimSpace(in.LastName)),
		Phone:        strings.TrimSpace(in.Phone),
	}
	if err := s.accounts.CreateTx(ctx, tx, user); err != nil {
		return nil, err
	}

	out := &RegisterResult{Account: user}
	if token != "" {
		token, err = s.resolveReferral(ctx, tx, token)
		if err != nil {
			return nil, err
		}
		res, err := s.engine.Redeem(ctx, tx, token, user.ID, models.CodeKindPromo, models.CodeKindPurchase)
		if err != nil {
			return nil, err
		}
		out.Code = res.Code
		user.LinkedAgentID = res.AgentID
		if res.Code.Kind == models.CodeKindPurchase {
			user.PurchaseCode = res.Code.Code
			if err := s.accounts.UpdateTx(ctx, tx, user); err != nil {
				return nil, err
			}
		}
		if res.AgentID != nil {
			agent, err := s.accounts.GetByIDForUpdate(ctx, tx, *res.AgentID)
			if err != nil {
				return nil, err
			}
			out.Agent = agent
			if err := s.notifyAgent(ctx, tx, agent, user); err != nil {
				return nil, err
			}
		}
	}

	if err := s.mail.EnqueueEmailTx(ctx, tx, execution.SendEmailArgs{
		To:      user.Email,
		Subject: "Welcome to VitaLink",
		Title:   "Your account is ready",
		Intro:   "You can now sign in to the VitaLink app.",
	}); err != nil {
		return nil, fmt.Errorf("enqueue welcome email: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// notifyAgent queues a push to the agent's device about the new linked user.
func (s *AccountService) notifyAgent(ctx context.Context, tx pgx.Tx, agent, user *models.Account) error {
	if s.devices == nil {
		return nil
	}
	token, err := s.devices.TokenForAccountTx(ctx, tx, agent.ID)
	if err != nil {
		return fmt.Errorf("agent device lookup: %w", err)
	}
	if token == "" {
		return nil
	}
	who := user.Name
	if who == "" {
		who = "A new client"
	}
	return s.mail.EnqueuePushTx(ctx, tx, execution.SendPushArgs{
		Tokens: []string{token},
		Title:  "New client registered",
		Body:   who + " joined VitaLink with your code.",
		Data:   map[string]string{"route": "/clients", "user_id": user.ID.String()},
	})
}

// resolveReferral maps an agent's unlock code to the agent's permanent promo code.
// Other codes are returned unchanged.
func (s *AccountService) resolveReferral(ctx context.Context, tx pgx.Tx, token string) (string, error) {
	c, err := s.codes.GetByCodeForUpdate(ctx, tx, token)
	if errors.Is(err, models.ErrNotFound) {
		return "", models.ErrInvalidCode
	}
	if err != nil {
		return "", err
	}
	if c.Kind != models.CodeKindUnlock {
		return token, nil
	}
	if c.IssuerAgentID == nil {
		return "", models.ErrInvalidCode
	}
	agent, err := s.accounts.GetByIDForUpdate(ctx, tx, *c.IssuerAgentID)
	if errors.Is(err, models.ErrNotFound) {
		return "", models.ErrInvalidCode
	}
	if err != nil {
		return "", err
	}
	if !agent.Active || agent.PromoCode == "" {
		return "", models.ErrAgentInactive
	}
	return agent.PromoCode, nil
}

// Authenticate checks an email and password. The password is verified before the
// active flag so a disabled account is only reported to its owner.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (*models.Account, error) {
	acc, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if !acc.HasPassword() {
		return nil, models.ErrBadCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, models.ErrBadCredential
	}
	if !acc.Active {
		return nil, models.ErrDisabled
	}
	return acc, nil
}

func (s *AccountService) GetProfile(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// UpdateProfile applies the non-nil fields. Changing email or password requires the
// current password.
func (s *AccountService) UpdateProfile(ctx context.Context, id uuid.UUID, up ProfileUpdate) (*models.Account, error) {
	var newHash string
	if up.NewPassword != "" {
		h, err := s.hashPassword(up.NewPassword)
		if err != nil {
			return nil, err
		}
		newHash = h
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	emailChange := up.Email != nil && normalizeEmail(*up.Email) != acc.Email
	if newHash != "" || emailChange {
		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(up.CurrentPassword)); err != nil {
			return nil, models.ErrBadCredential
		}
	}
	if emailChange {
		email := normalizeEmail(*up.Email)
		if email == "" {
			return nil, fmt.Errorf("%w: email cannot be empty", models.ErrValidation)
		}
		acc.Email = email
	}
	if newHash != "" {
		acc.PasswordHash = newHash
	}
	setTrimmed(&acc.Name, up.Name)
	setTrimmed(&acc.Phone, up.Phone)
	if acc.IsAgent() {
		setTrimmed(&acc.NPN, up.NPN)
		setTrimmed(&acc.AgencyName, up.AgencyName)
		setTrimmed(&acc.AgencyAddress, up.AgencyAddress)
	}
	if err := s.accounts.UpdateTx(ctx, tx, acc); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acc, nil
}

// DeleteAccount removes the account after re-checking its password. Devices go with
// it; ledger rows stay with the redeemer cleared. Deleting an agent disables the
// codes it issued in the same transaction, so its promo code cannot keep admitting
// users without an agent behind it.
func (s *AccountService) DeleteAccount(ctx context.Context, id uuid.UUID, password string) error {
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return models.ErrBadCredential
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var disabled int64
	if acc.IsAgent() {
		if disabled, err = s.codes.DisableByIssuerTx(ctx, tx, id); err != nil {
			return fmt.Errorf("disable agent codes: %w", err)
		}
	}
	if err := s.accounts.DeleteTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("account deleted", "account_id", id, "role", acc.Role, "codes_disabled", disabled)
	return nil
}

// AgentPromo returns the agent's permanent promo code and its usage.
func (s *AccountService) AgentPromo(ctx context.Context, agentID uuid.UUID) (*models.Code, error) {
	agent, err := s.accounts.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsAgent() {
		return nil, models.ErrForbidden
	}
	if agent.PromoCode == "" {
		return nil, models.ErrNotFound
	}
	return s.codes.GetByCode(ctx, agent.PromoCode)
}

func setTrimmed(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
