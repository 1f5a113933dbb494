package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vitalink/backend/internal/jobs"
	"github.com/vitalink/backend/internal/testutil/memdb"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
)

// ---------------------------------------------------------------------------
// Shared fixture: every service wired to one in-memory store.
// ---------------------------------------------------------------------------

type fixture struct {
	store    *memdb.Store
	registry registry.Service
	engine   *RedemptionEngine
	accounts *AccountService
	creds    *CredentialService
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memdb.New()
	log := quietLogger()
	reg := registry.NewService(store, store.Codes(), store.Accounts(), store.Audit(), nil, registry.DefaultOptions(), log)
	engine := NewRedemptionEngine(store.Codes(), store.Accounts(), store.Ledger())
	queue := jobs.NewQueue(store.InsertTx)
	acc := NewAccountService(store, store.Accounts(), store.Codes(), engine, reg, queue, store.Devices(), DefaultContract(), log)
	acc.SetHashCost(bcrypt.MinCost)
	creds := NewCredentialService(store, store.Accounts(), queue, nil, acc, 20*time.Minute, log)
	return &fixture{store: store, registry: reg, engine: engine, accounts: acc, creds: creds}
}

// issueUnlock creates a placeholder agent and returns its unlock code.
func (f *fixture) issueUnlock(t *testing.T) string {
	t.Helper()
	issue, err := f.registry.IssueUnlockCode(context.Background(), registry.IssueUnlockParams{Actor: "test"})
	if err != nil {
		t.Fatalf("IssueUnlockCode: %v", err)
	}
	return issue.Code.Code
}

// activeAgent issues an unlock code and activates the agent behind it.
func (f *fixture) activeAgent(t *testing.T, email string) *models.Account {
	t.Helper()
	agent, err := f.accounts.ActivateAgent(context.Background(), ActivateAgentInput{
		UnlockCode: f.issueUnlock(t),
		Email:      email,
		Password:   "agent-password",
		Name:       "Jane Agent",
		NPN:        "1234567",
	})
	if err != nil {
		t.Fatalf("ActivateAgent: %v", err)
	}
	return agent
}

func (f *fixture) promoBatch(t *testing.T, agentID *uuid.UUID, count int, maxUses *int) []*models.Code {
	t.Helper()
	codes, err := f.registry.IssuePromoBatch(context.Background(), registry.PromoBatchParams{
		AgentID: agentID,
		Count:   count,
		MaxUses: maxUses,
		Actor:   "test",
	})
	if err != nil {
		t.Fatalf("IssuePromoBatch: %v", err)
	}
	return codes
}

// userID stores a bare active user so ledger rows have an account to reference.
func (f *fixture) userID(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)
	u := &models.Account{Role: models.RoleUser, Active: true}
	if err := f.store.Accounts().CreateTx(ctx, tx, u); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return u.ID
}

func intPtr(v int) *int { return &v }
