package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/testutil/memdb"
	"github.com/vitalink/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(store *memdb.Store, random []byte) *service {
	var gen *Generator
	if random != nil {
		gen = NewGenerator(bytes.NewReader(random))
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, store.Codes(), store.Accounts(), store.Audit(), gen, DefaultOptions(), log)
}

// bodies concatenates the random bytes that produce each promo body in turn.
func bodies(chars ...byte) []byte {
	var out []byte
	for _, c := range chars {
		out = append(out, bytes.Repeat([]byte{c}, DefaultOptions().PromoLength)...)
	}
	return out
}

func seedAccount(t *testing.T, store *memdb.Store, a *models.Account) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := store.Accounts().CreateTx(ctx, tx, a); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

func TestIssueUnlockCode(t *testing.T) {
	store := memdb.New()
	svc := newTestService(store, nil)
	ctx := context.Background()

	out, err := svc.IssueUnlockCode(ctx, IssueUnlockParams{Prefix: "vip", Actor: "ops"})
	if err != nil {
		t.Fatalf("IssueUnlockCode: %v", err)
	}
	if got := out.Code.Code[:4]; got != "VIP-" {
		t.Errorf("prefix: got %q, want VIP-", got)
	}
	if out.Code.MaxUses == nil || *out.Code.MaxUses != 1 {
		t.Errorf("unlock codes are single use, max_uses=%v", out.Code.MaxUses)
	}
	agent, err := store.Accounts().GetByID(ctx, out.Agent.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if agent.Active || agent.Role != models.RoleAgent || agent.IssuedCode != out.Code.Code {
		t.Errorf("placeholder: %+v", agent)
	}

	audit := store.AuditEntries()
	if len(audit) != 1 || audit[0].Action != models.AuditIssueUnlock || audit[0].Actor != "ops" {
		t.Errorf("audit: %+v", audit)
	}
}

func TestIssuePromoBatch_RetriesCollision(t *testing.T) {
	store := memdb.New()
	ctx := context.Background()
	one := 1
	if _, err := newTestService(store, bodies(0)).IssuePromoBatch(ctx, PromoBatchParams{Count: 1, MaxUses: &one}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	codes, err := newTestService(store, bodies(0, 1)).IssuePromoBatch(ctx, PromoBatchParams{Count: 1, MaxUses: &one})
	if err != nil {
		t.Fatalf("IssuePromoBatch: %v", err)
	}
	if codes[0].Code != "PROMO-BBBBBB" {
		t.Errorf("code after collision: got %s, want PROMO-BBBBBB", codes[0].Code)
	}
}

func TestIssuePromoBatch_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := memdb.New()
	ctx := context.Background()
	if _, err := newTestService(store, bodies(0)).IssuePromoBatch(ctx, PromoBatchParams{Count: 1}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	random := append(bodies(2), bodies(0, 0, 0, 0, 0)...)
	_, err := newTestService(store, random).IssuePromoBatch(ctx, PromoBatchParams{Count: 2})
	if !errors.Is(err, models.ErrIssuance) {
		t.Fatalf("got %v, want ErrIssuance", err)
	}
	if _, err := store.Codes().GetByCode(ctx, "PROMO-CCCCCC"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("a failed batch must not leave partial codes behind: %v", err)
	}
}

func TestIssuePromoBatch_Validation(t *testing.T) {
	store := memdb.New()
	svc := newTestService(store, nil)
	user := &models.Account{Role: models.RoleUser, Email: "sam@example.com", Active: true}
	seedAccount(t, store, user)
	missing := uuid.New()
	zero := 0

	tests := []struct {
		name string
		p    PromoBatchParams
		want error
	}{
		{"zero count", PromoBatchParams{Count: 0}, models.ErrValidation},
		{"over max batch", PromoBatchParams{Count: DefaultOptions().MaxBatch + 1}, models.ErrValidation},
		{"zero max uses", PromoBatchParams{Count: 1, MaxUses: &zero}, models.ErrValidation},
		{"user as issuer", PromoBatchParams{Count: 1, AgentID: &user.ID}, models.ErrValidation},
		{"unknown issuer", PromoBatchParams{Count: 1, AgentID: &missing}, models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.IssuePromoBatch(context.Background(), tt.p); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssuePurchaseCodes(t *testing.T) {
	store := memdb.New()
	svc := newTestService(store, nil)

	codes, err := svc.IssuePurchaseCodes(context.Background(), 25, "ops")
	if err != nil {
		t.Fatalf("IssuePurchaseCodes: %v", err)
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if c.Kind != models.CodeKindPurchase || c.MaxUses == nil || *c.MaxUses != 1 || c.IssuerAgentID != nil {
			t.Errorf("purchase code: %+v", c)
		}
		if seen[c.Code] {
			t.Errorf("duplicate code %s", c.Code)
		}
		seen[c.Code] = true
	}
	if len(seen) != 25 {
		t.Errorf("distinct codes: got %d, want 25", len(seen))
	}
}

// ---------------------------------------------------------------------------
// Lookup, verify, disable
// ---------------------------------------------------------------------------

func TestVerify_DoesNotConsume(t *testing.T) {
	store := memdb.New()
	svc := newTestService(store, nil)
	ctx := context.Background()
	issue, err := svc.IssueUnlockCode(ctx, IssueUnlockParams{})
	if err != nil {
		t.Fatalf("IssueUnlockCode: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := svc.Verify(ctx, issue.Code.Code)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !v.Valid || v.State != models.CodeStateUnredeemed {
			t.Errorf("verification: %+v", v)
		}
		if v.Agent == nil || v.Agent.ID != issue.Agent.ID {
			t.Errorf("verification agent: %+v", v.Agent)
		}
	}
	c, _ := store.Codes().GetByCode(ctx, issue.Code.Code)
	if c.UsedCount != 0 {
		t.Errorf("used_count after verify: got %d, want 0", c.UsedCount)
	}

	promos, err := svc.IssuePromoBatch(ctx, PromoBatchParams{AgentID: &issue.Agent.ID, Count: 1})
	if err != nil {
		t.Fatalf("IssuePromoBatch: %v", err)
	}
	v, err := svc.Verify(ctx, promos[0].Code)
	if err != nil {
		t.Fatalf("Verify promo: %v", err)
	}
	if v.Valid {
		t.Error("promo of an inactive agent should not verify as valid")
	}

	if _, err := svc.Verify(ctx, "NOPE-000000"); !errors.Is(err, models.ErrInvalidCode) {
		t.Errorf("unknown code: got %v, want ErrInvalidCode", err)
	}
}

func TestDisable(t *testing.T) {
	store := memdb.New()
	svc := newTestService(store, nil)
	ctx := context.Background()
	codes, err := svc.IssuePromoBatch(ctx, PromoBatchParams{Count: 1})
	if err != nil {
		t.Fatalf("IssuePromoBatch: %v", err)
	}

	c, err := svc.Disable(ctx, " "+codes[0].Code+" ", "ops")
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if c.Active {
		t.Error("code still active")
	}
	v, err := svc.Verify(ctx, codes[0].Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Valid {
		t.Error("disabled code should not verify as valid")
	}
	if _, err := svc.Disable(ctx, "NOPE-000000", "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown code: got %v, want ErrNotFound", err)
	}
	if _, err := svc.Lookup(ctx, ""); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty lookup: got %v, want ErrValidation", err)
	}

	last := store.AuditEntries()
	if got := last[len(last)-1]; got.Action != models.AuditDisableCode || got.Subject != codes[0].Code {
		t.Errorf("audit entry: %+v", got)
	}
}
