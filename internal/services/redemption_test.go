package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/testutil/memdb"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
)

// redeemOnce runs one redemption in its own transaction and commits it on success.
func (f *fixture) redeemOnce(t *testing.T, token string, accountID uuid.UUID, kinds ...string) (*RedemptionResult, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)
	res, err := f.engine.Redeem(ctx, tx, token, accountID, kinds...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return res, nil
}

func (f *fixture) code(t *testing.T, token string) *models.Code {
	t.Helper()
	c, err := f.store.Codes().GetByCode(context.Background(), token)
	if err != nil {
		t.Fatalf("GetByCode(%s): %v", token, err)
	}
	return c
}

func TestRedeem_ConcurrentBoundedCode(t *testing.T) {
	f := newFixture(t)
	code := f.promoBatch(t, nil, 1, intPtr(3))[0].Code

	const callers = 20
	users := make([]uuid.UUID, callers)
	for i := range users {
		users[i] = f.userID(t)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			ctx := context.Background()
			tx, err := f.store.Begin(ctx)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			defer tx.Rollback(ctx)
			_, err = f.engine.Redeem(ctx, tx, code, user)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if err := tx.Commit(ctx); err != nil {
					t.Errorf("Commit: %v", err)
					return
				}
				ok++
			case errors.Is(err, models.ErrLimitReached):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(users[i])
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("successful redemptions: got %d, want 3", ok)
	}
	if rejected != callers-3 {
		t.Errorf("rejected redemptions: got %d, want %d", rejected, callers-3)
	}
	c := f.code(t, code)
	if c.UsedCount != 3 {
		t.Errorf("used_count: got %d, want 3", c.UsedCount)
	}
	if !c.Redeemed {
		t.Error("exhausted code should be marked redeemed")
	}
	if got := len(f.store.Redemptions(code)); got != c.UsedCount {
		t.Errorf("ledger rows: got %d, want used_count %d", got, c.UsedCount)
	}
}

func TestRedeem_UnlockTwice(t *testing.T) {
	f := newFixture(t)
	code := f.issueUnlock(t)

	res, err := f.redeemOnce(t, code, uuid.Nil)
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if res.AgentID == nil {
		t.Fatal("unlock redemption should report the placeholder agent")
	}
	if got := *f.store.Redemptions(code)[0].AccountID; got != *res.AgentID {
		t.Errorf("unlock ledger redeemer: got %s, want agent %s", got, *res.AgentID)
	}

	if _, err := f.redeemOnce(t, code, uuid.Nil); !errors.Is(err, models.ErrAlreadyUsed) {
		t.Errorf("second redeem: got %v, want ErrAlreadyUsed", err)
	}
	if c := f.code(t, code); c.UsedCount != 1 {
		t.Errorf("used_count: got %d, want 1", c.UsedCount)
	}
}

func TestRedeem_PromoOfInactiveAgent(t *testing.T) {
	f := newFixture(t)
	issue, err := f.registry.IssueUnlockCode(context.Background(), registry.IssueUnlockParams{Actor: "test"})
	if err != nil {
		t.Fatalf("IssueUnlockCode: %v", err)
	}
	code := f.promoBatch(t, &issue.Agent.ID, 1, intPtr(5))[0].Code

	if _, err := f.redeemOnce(t, code, uuid.New()); !errors.Is(err, models.ErrAgentInactive) {
		t.Errorf("got %v, want ErrAgentInactive", err)
	}
	if c := f.code(t, code); c.UsedCount != 0 {
		t.Errorf("used_count: got %d, want 0", c.UsedCount)
	}
}

func TestRedeem_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disabled := f.promoBatch(t, nil, 1, nil)[0].Code
	if _, err := f.registry.Disable(ctx, disabled, "test"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	purchases, err := f.registry.IssuePurchaseCodes(ctx, 1, "test")
	if err != nil {
		t.Fatalf("IssuePurchaseCodes: %v", err)
	}
	purchase := purchases[0].Code
	if _, err := f.redeemOnce(t, purchase, f.userID(t)); err != nil {
		t.Fatalf("first purchase redeem: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"unknown code", "NOPE-123456", models.ErrInvalidCode},
		{"empty code", "   ", models.ErrInvalidCode},
		{"disabled code", disabled, models.ErrInvalidCode},
		{"purchase reuse", purchase, models.ErrCodeAlreadyUsed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.redeemOnce(t, tt.token, uuid.New()); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRedeem_NormalizesInput(t *testing.T) {
	f := newFixture(t)
	code := f.promoBatch(t, nil, 1, nil)[0].Code

	res, err := f.redeemOnce(t, "  "+strings.ToLower(code)+" ", f.userID(t))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Code.Code != code {
		t.Errorf("code: got %s, want %s", res.Code.Code, code)
	}
	if res.Code.Redeemed {
		t.Error("unlimited code should never be marked redeemed")
	}
	if res.Code.State() != models.CodeStatePermanentlyOpen {
		t.Errorf("state: got %s, want %s", res.Code.State(), models.CodeStatePermanentlyOpen)
	}
}

func TestRedeem_RollbackLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.promoBatch(t, nil, 1, intPtr(1))[0].Code
	user := f.userID(t)

	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := f.engine.Redeem(ctx, tx, code, user); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if c := f.code(t, code); c.UsedCount != 0 || c.Redeemed {
		t.Errorf("after rollback: used_count=%d redeemed=%v, want 0/false", c.UsedCount, c.Redeemed)
	}
	if n := len(f.store.Redemptions(code)); n != 0 {
		t.Errorf("ledger rows after rollback: got %d, want 0", n)
	}
}

func TestRedeem_KindFilterRejectsBeforeConsuming(t *testing.T) {
	f := newFixture(t)
	unlock := f.issueUnlock(t)
	promo := f.promoBatch(t, nil, 1, intPtr(2))[0].Code

	if _, err := f.redeemOnce(t, unlock, uuid.Nil, models.CodeKindPromo, models.CodeKindPurchase); !errors.Is(err, models.ErrInvalidCode) {
		t.Errorf("unlock as promo: got %v, want ErrInvalidCode", err)
	}
	if _, err := f.redeemOnce(t, promo, uuid.Nil, models.CodeKindUnlock); !errors.Is(err, models.ErrInvalidCode) {
		t.Errorf("promo as unlock: got %v, want ErrInvalidCode", err)
	}
	for _, c := range []string{unlock, promo} {
		if got := f.code(t, c).UsedCount; got != 0 {
			t.Errorf("%s used_count: got %d, want 0", c, got)
		}
	}
}

func TestRedeem_LedgerRequiresExistingAccount(t *testing.T) {
	f := newFixture(t)
	promo := f.promoBatch(t, nil, 1, nil)[0].Code

	if _, err := f.redeemOnce(t, promo, uuid.New()); !errors.Is(err, memdb.ErrForeignKey) {
		t.Fatalf("got %v, want a foreign key error", err)
	}
	if got := f.code(t, promo).UsedCount; got != 0 {
		t.Errorf("used_count after failed ledger insert: got %d, want 0", got)
	}
}
