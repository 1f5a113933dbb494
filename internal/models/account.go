package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. One table holds both variants so email uniqueness spans agents and users.
const (
	RoleAgent = "agent"
	RoleUser  = "user"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	Role         string    `json:"role"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`

	Name          string `json:"name,omitempty"`
	Phone         string `json:"phone,omitempty"`
	NPN           string `json:"npn,omitempty"`
	AgencyName    string `json:"agency_name,omitempty"`
	AgencyAddress string `json:"agency_address,omitempty"`

	// Agent only.
	IssuedCode string `json:"issued_code,omitempty"`
	PromoCode  string `json:"promo_code,omitempty"`

	// User only.
	LinkedAgentID *uuid.UUID `json:"linked_agent_id,omitempty"`
	PurchaseCode  string     `json:"purchase_code,omitempty"`

	ResetCode      string     `json:"-"`
	ResetExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *Account) IsAgent() bool { return a.Role == RoleAgent }

// HasPassword reports whether a credential has been set. Placeholder agents have none.
func (a *Account) HasPassword() bool { return a.PasswordHash != "" }
