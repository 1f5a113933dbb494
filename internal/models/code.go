package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CodeKindUnlock   = "unlock"
	CodeKindPromo    = "promo"
	CodeKindPurchase = "purchase"
)

// Derived redemption states.
const (
	CodeStateUnredeemed        = "unredeemed"
	CodeStatePartiallyRedeemed = "partially_redeemed"
	CodeStateExhausted         = "exhausted"
	CodeStatePermanentlyOpen   = "permanently_open"
)

// Code is a redeemable token. MaxUses nil means unlimited.
type Code struct {
	ID            uuid.UUID  `json:"id"`
	Code          string     `json:"code"`
	Kind          string     `json:"kind"`
	IssuerAgentID *uuid.UUID `json:"issuer_agent_id,omitempty"`
	MaxUses       *int       `json:"max_uses"`
	UsedCount     int        `json:"used_count"`
	Redeemed      bool       `json:"redeemed"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (c *Code) Bounded() bool { return c.MaxUses != nil }

// Exhausted reports whether a bounded code has no uses left.
func (c *Code) Exhausted() bool {
	return c.MaxUses != nil && c.UsedCount >= *c.MaxUses
}

// Remaining returns the uses left, or nil for unlimited codes.
func (c *Code) Remaining() *int {
	if c.MaxUses == nil {
		return nil
	}
	r := *c.MaxUses - c.UsedCount
	if r < 0 {
		r = 0
	}
	return &r
}

func (c *Code) State() string {
	switch {
	case c.UsedCount == 0:
		return CodeStateUnredeemed
	case c.MaxUses == nil:
		return CodeStatePermanentlyOpen
	case c.UsedCount >= *c.MaxUses:
		return CodeStateExhausted
	default:
		return CodeStatePartiallyRedeemed
	}
}
