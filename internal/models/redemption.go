package models

import (
	"time"

	"github.com/google/uuid"
)

// Redemption is one append-only ledger row. AccountID is nil once the redeemer is deleted.
type Redemption struct {
	ID         uuid.UUID  `json:"id"`
	CodeID     uuid.UUID  `json:"code_id"`
	Code       string     `json:"code"`
	Kind       string     `json:"kind"`
	AccountID  *uuid.UUID `json:"account_id,omitempty"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	RedeemedAt time.Time  `json:"redeemed_at"`
}

// AgentUsage is an aggregate row of the usage report.
type AgentUsage struct {
	AgentID uuid.UUID `json:"agentId"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	Uses    int       `json:"uses"`
}
