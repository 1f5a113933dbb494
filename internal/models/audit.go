package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AuditIssueUnlock   = "issue_unlock"
	AuditIssuePromo    = "issue_promo_batch"
	AuditIssuePurchase = "issue_purchase_batch"
	AuditDisableCode   = "disable_code"
	AuditUsageReport   = "usage_report"
)

type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor"`
	Subject   string          `json:"subject"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
