package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/middleware"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
	"github.com/vitalink/backend/internal/respond"
	"github.com/vitalink/backend/internal/services"
)

// Accounts is the onboarding and profile surface of the account service.
type Accounts interface {
	ActivateAgent(ctx context.Context, in services.ActivateAgentInput) (*models.Account, error)
	RegisterUser(ctx context.Context, in services.RegisterUserInput) (*services.RegisterResult, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, up services.ProfileUpdate) (*models.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID, password string) error
	AgentPromo(ctx context.Context, agentID uuid.UUID) (*models.Code, error)
	Contract() services.Contract
}

// TokenIssuer mints session tokens after onboarding.
type TokenIssuer interface {
	IssueToken(accountID uuid.UUID, role string) (string, time.Time, error)
}

// AccountHandler serves agent activation, user registration and profile endpoints.
type AccountHandler struct {
	Accounts Accounts
	Tokens   TokenIssuer
	Logger   *slog.Logger
}

func (h *AccountHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /api/agents/claim ---

// claimAgentRequest accepts both the current and the legacy field spellings.
type claimAgentRequest struct {
	UnlockCode       string `json:"unlockCode"`
	UnlockCodeLegacy string `json:"unlock_code"`
	Code             string `json:"code"`
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required"`
	Name             string `json:"name" validate:"max=200"`
	Phone            string `json:"phone" validate:"max=40"`
	NPN              string `json:"npn" validate:"max=40"`
	AgencyName       string `json:"agencyName" validate:"max=200"`
	AgencyAddress    string `json:"agencyAddress" validate:"max=400"`
}

func (r claimAgentRequest) unlockCode() string {
	return firstNonEmpty(r.UnlockCode, r.UnlockCodeLegacy, r.Code)
}

// ClaimAgent activates an agent placeholder with its unlock code.
func (h *AccountHandler) ClaimAgent(w http.ResponseWriter, r *http.Request) {
	var req claimAgentRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	if req.unlockCode() == "" {
		respond.Error(w, r, h.log(), respond.Invalid("unlockCode is required"))
		return
	}
	agent, err := h.Accounts.ActivateAgent(r.Context(), services.ActivateAgentInput{
		UnlockCode:    req.unlockCode(),
		Email:         req.Email,
		Password:      req.Password,
		Name:          req.Name,
		Phone:         req.Phone,
		NPN:           req.NPN,
		AgencyName:    req.AgencyName,
		AgencyAddress: req.AgencyAddress,
	})
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	fields := map[string]any{
		"message":   "Agent activated",
		"agent":     agent,
		"promoCode": agent.PromoCode,
	}
	h.attachToken(fields, agent)
	respond.OK(w, http.StatusOK, fields)
}

// --- POST /api/users/register ---

type registerUserRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required"`
	Name         string `json:"name" validate:"max=200"`
	Username     string `json:"username" validate:"max=200"`
	FirstName    string `json:"firstName" validate:"max=100"`
	LastName     string `json:"lastName" validate:"max=100"`
	Phone        string `json:"phone" validate:"max=40"`
	Code         string `json:"code"`
	PromoCode    string `json:"promoCode"`
	PurchaseCode string `json:"purchaseCode"`
}

// RegisterUser creates a user admitted by a promo, purchase or agent unlock code.
func (h *AccountHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	first, last := req.FirstName, req.LastName
	if first == "" && last == "" {
		first = firstNonEmpty(req.Name, req.Username)
	}
	res, err := h.Accounts.RegisterUser(r.Context(), services.RegisterUserInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: first,
		LastName:  last,
		Phone:     req.Phone,
		Code:      firstNonEmpty(req.Code, req.PromoCode, req.PurchaseCode),
	})
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	fields := map[string]any{
		"message": "User registered successfully",
		"user":    res.Account,
	}
	if res.Code != nil {
		fields["codeKind"] = res.Code.Kind
	}
	if res.Agent != nil {
		fields["agent"] = map[string]any{"id": res.Agent.ID, "name": res.Agent.Name}
	}
	h.attachToken(fields, res.Account)
	respond.OK(w, http.StatusCreated, fields)
}

// --- GET /api/account/me ---

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	fresh, err := h.Accounts.GetProfile(r.Context(), acc.ID)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"account":         fresh,
		"contractVersion": h.Accounts.Contract().Version,
	})
}

// --- POST /api/account/profile ---

type updateProfileRequest struct {
	Email           *string `json:"email" validate:"omitempty,email"`
	Name            *string `json:"name" validate:"omitempty,max=200"`
	Phone           *string `json:"phone" validate:"omitempty,max=40"`
	NPN             *string `json:"npn" validate:"omitempty,max=40"`
	AgencyName      *string `json:"agencyName" validate:"omitempty,max=200"`
	AgencyAddress   *string `json:"agencyAddress" validate:"omitempty,max=400"`
	CurrentPassword string  `json:"currentPassword"`
	NewPassword     string  `json:"newPassword"`
	Password        string  `json:"password"`
}

func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	var req updateProfileRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	if !acc.IsAgent() && (req.NPN != nil || req.AgencyName != nil || req.AgencyAddress != nil) {
		respond.Error(w, r, h.log(), respond.Invalid("agency fields apply to agents only"))
		return
	}
	updated, err := h.Accounts.UpdateProfile(r.Context(), acc.ID, services.ProfileUpdate{
		Email:           req.Email,
		Name:            req.Name,
		Phone:           req.Phone,
		NPN:             req.NPN,
		AgencyName:      req.AgencyName,
		AgencyAddress:   req.AgencyAddress,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     firstNonEmpty(req.NewPassword, req.Password),
	})
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{"account": updated})
}

// --- POST /api/account/delete ---

type deleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	var req deleteAccountRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	if err := h.Accounts.DeleteAccount(r.Context(), acc.ID, req.Password); err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{"message": "Account deleted"})
}

// --- GET /api/agents/promo ---

func (h *AccountHandler) AgentPromo(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		respond.Error(w, r, h.log(), models.ErrUnauthorized)
		return
	}
	code, err := h.Accounts.AgentPromo(r.Context(), acc.ID)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	link := registry.DeepLink(acc.ID, code.Code)
	qr, err := registry.QRDataURL(link)
	if err != nil {
		respond.Error(w, r, h.log(), err)
		return
	}
	respond.OK(w, http.StatusOK, map[string]any{
		"promoCode": code.Code,
		"usedCount": code.UsedCount,
		"deepLink":  link,
		"qr":        qr,
	})
}

func (h *AccountHandler) attachToken(fields map[string]any, acc *models.Account) {
	if h.Tokens == nil {
		return
	}
	token, exp, err := h.Tokens.IssueToken(acc.ID, acc.Role)
	if err != nil {
		h.log().Error("issue session token", "account_id", acc.ID, "error", err)
		return
	}
	fields["token"] = token
	fields["expiresAt"] = exp
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
