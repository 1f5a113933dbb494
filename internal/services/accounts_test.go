package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/execution"
	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/registry"
)

// alphabetBytes maps each character of s to the byte that Generator turns into it.
func alphabetBytes(t *testing.T, s string) []byte {
	t.Helper()
	out := make([]byte, 0, len(s))
	for _, r := range s {
		i := strings.IndexRune(registry.Alphabet, r)
		if i < 0 {
			t.Fatalf("%q is not in the code alphabet", r)
		}
		out = append(out, byte(i))
	}
	return out
}

// scriptedRegistry issues codes whose random part is exactly body.
func (f *fixture) scriptedRegistry(t *testing.T, body string, opts registry.Options) registry.Service {
	t.Helper()
	gen := registry.NewGenerator(bytes.NewReader(alphabetBytes(t, body)))
	return registry.NewService(f.store, f.store.Codes(), f.store.Accounts(), f.store.Audit(), gen, opts, quietLogger())
}

func (f *fixture) register(t *testing.T, email, code string) (*RegisterResult, error) {
	t.Helper()
	return f.accounts.RegisterUser(context.Background(), RegisterUserInput{
		Email:     email,
		Password:  "user-password",
		FirstName: "Sam",
		LastName:  "Client",
		Code:      code,
	})
}

func (f *fixture) setActive(t *testing.T, id uuid.UUID, active bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)
	acc, err := f.store.Accounts().GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		t.Fatalf("GetByIDForUpdate: %v", err)
	}
	acc.Active = active
	if err := f.store.Accounts().UpdateTx(ctx, tx, acc); err != nil {
		t.Fatalf("UpdateTx: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Agent activation
// ---------------------------------------------------------------------------

func TestActivateAgent_UnlockCodeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := registry.DefaultOptions()
	opts.UnlockLength = 9
	issue, err := f.scriptedRegistry(t, "7K3M9QXZ2", opts).IssueUnlockCode(ctx, registry.IssueUnlockParams{Actor: "ops"})
	if err != nil {
		t.Fatalf("IssueUnlockCode: %v", err)
	}
	if issue.Code.Code != "AG-7K3M9QXZ2" {
		t.Fatalf("unlock code: got %s, want AG-7K3M9QXZ2", issue.Code.Code)
	}
	if issue.Agent.Active || issue.Agent.HasPassword() {
		t.Fatal("placeholder agent must start inactive without a credential")
	}

	agent, err := f.accounts.ActivateAgent(ctx, ActivateAgentInput{
		UnlockCode:    "ag-7k3m9qxz2",
		Email:         " Jane@Agency.com ",
		Password:      "s3cure-pass",
		Name:          "Jane Doe",
		NPN:           "7654321",
		AgencyName:    "Doe Insurance",
		AgencyAddress: "1 Main St",
	})
	if err != nil {
		t.Fatalf("ActivateAgent: %v", err)
	}
	if agent.ID != issue.Agent.ID {
		t.Errorf("activated account: got %s, want placeholder %s", agent.ID, issue.Agent.ID)
	}
	if !agent.Active || agent.Email != "jane@agency.com" {
		t.Errorf("agent: active=%v email=%q, want true/jane@agency.com", agent.Active, agent.Email)
	}
	if !strings.HasPrefix(agent.PromoCode, "AG-") {
		t.Errorf("permanent promo code %q should carry the agent prefix", agent.PromoCode)
	}

	unlock := f.code(t, "AG-7K3M9QXZ2")
	if unlock.UsedCount != 1 || !unlock.Redeemed {
		t.Errorf("unlock code: used_count=%d redeemed=%v, want 1/true", unlock.UsedCount, unlock.Redeemed)
	}
	promo := f.code(t, agent.PromoCode)
	if promo.Kind != models.CodeKindPromo || promo.MaxUses != nil || promo.IssuerAgentID == nil || *promo.IssuerAgentID != agent.ID {
		t.Errorf("permanent promo: %+v, want unlimited promo issued by the agent", promo)
	}

	emails := f.store.Jobs(execution.SendEmailArgs{}.Kind())
	if len(emails) != 1 || emails[0].(execution.SendEmailArgs).To != "jane@agency.com" {
		t.Errorf("welcome email jobs: %+v", emails)
	}

	if _, err := f.accounts.Authenticate(ctx, "jane@agency.com", "s3cure-pass"); err != nil {
		t.Errorf("Authenticate after activation: %v", err)
	}

	_, err = f.accounts.ActivateAgent(ctx, ActivateAgentInput{
		UnlockCode: "AG-7K3M9QXZ2",
		Email:      "other@agency.com",
		Password:   "s3cure-pass",
		NPN:        "1",
	})
	if !errors.Is(err, models.ErrAlreadyUsed) {
		t.Errorf("second activation: got %v, want ErrAlreadyUsed", err)
	}
}

func TestActivateAgent_Validation(t *testing.T) {
	f := newFixture(t)
	code := f.issueUnlock(t)

	tests := []struct {
		name string
		in   ActivateAgentInput
		want error
	}{
		{"missing email", ActivateAgentInput{UnlockCode: code, Password: "long-enough", NPN: "1"}, models.ErrValidation},
		{"missing code", ActivateAgentInput{Email: "a@b.com", Password: "long-enough", NPN: "1"}, models.ErrValidation},
		{"missing npn", ActivateAgentInput{UnlockCode: code, Email: "a@b.com", Password: "long-enough"}, models.ErrValidation},
		{"short password", ActivateAgentInput{UnlockCode: code, Email: "a@b.com", Password: "short", NPN: "1"}, models.ErrValidation},
		{"unknown code", ActivateAgentInput{UnlockCode: "AG-NOPE", Email: "a@b.com", Password: "long-enough", NPN: "1"}, models.ErrInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.accounts.ActivateAgent(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if c := f.code(t, code); c.UsedCount != 0 {
		t.Errorf("failed activations must not consume the code, used_count=%d", c.UsedCount)
	}
}

func TestActivateAgent_RejectsOtherCodeKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")
	purchases, err := f.registry.IssuePurchaseCodes(ctx, 1, "test")
	if err != nil {
		t.Fatalf("IssuePurchaseCodes: %v", err)
	}

	tests := []struct {
		name string
		code string
	}{
		{"standalone promo", f.promoBatch(t, nil, 1, nil)[0].Code},
		{"agent promo", agent.PromoCode},
		{"purchase", purchases[0].Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.code(t, tt.code).UsedCount
			_, err := f.accounts.ActivateAgent(ctx, ActivateAgentInput{
				UnlockCode: tt.code,
				Email:      "new-agent@agency.com",
				Password:   "long-enough",
				NPN:        "1",
			})
			if !errors.Is(err, models.ErrInvalidCode) {
				t.Errorf("got %v, want ErrInvalidCode", err)
			}
			if c := f.code(t, tt.code); c.UsedCount != before {
				t.Errorf("used_count: got %d, want %d", c.UsedCount, before)
			}
			if n := len(f.store.Redemptions(tt.code)); n != before {
				t.Errorf("ledger rows: got %d, want %d", n, before)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// User registration
// ---------------------------------------------------------------------------

func TestRegisterUser_SingleUsePromo(t *testing.T) {
	f := newFixture(t)
	agent := f.activeAgent(t, "jane@agency.com")

	opts := registry.DefaultOptions()
	codes, err := f.scriptedRegistry(t, "7F2K9X", opts).IssuePromoBatch(context.Background(), registry.PromoBatchParams{
		AgentID: &agent.ID,
		Count:   1,
		MaxUses: intPtr(1),
		Actor:   "ops",
	})
	if err != nil {
		t.Fatalf("IssuePromoBatch: %v", err)
	}
	if codes[0].Code != "PROMO-7F2K9X" {
		t.Fatalf("promo code: got %s, want PROMO-7F2K9X", codes[0].Code)
	}

	res, err := f.register(t, "first@example.com", "PROMO-7F2K9X")
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if res.Account.LinkedAgentID == nil || *res.Account.LinkedAgentID != agent.ID {
		t.Errorf("linked agent: got %v, want %s", res.Account.LinkedAgentID, agent.ID)
	}
	if res.Agent == nil || res.Agent.ID != agent.ID {
		t.Errorf("result agent: %+v", res.Agent)
	}
	stored, err := f.store.Accounts().GetByEmail(context.Background(), "first@example.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if stored.LinkedAgentID == nil || *stored.LinkedAgentID != agent.ID {
		t.Error("stored user is not linked to the issuing agent")
	}

	_, err = f.register(t, "second@example.com", "PROMO-7F2K9X")
	if !errors.Is(err, models.ErrLimitReached) {
		t.Errorf("second registration: got %v, want ErrLimitReached", err)
	}
	if _, err := f.store.Accounts().GetByEmail(context.Background(), "second@example.com"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("rejected registration left an account behind: %v", err)
	}
	if c := f.code(t, "PROMO-7F2K9X"); c.UsedCount != 1 || c.State() != models.CodeStateExhausted {
		t.Errorf("promo: used_count=%d state=%s, want 1/exhausted", c.UsedCount, c.State())
	}
}

func TestRegisterUser_DuplicateEmailRollsBack(t *testing.T) {
	f := newFixture(t)
	codes := f.promoBatch(t, nil, 2, intPtr(1))

	if _, err := f.register(t, "sam@example.com", codes[0].Code); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	jobsBefore := len(f.store.Jobs(""))

	_, err := f.register(t, "SAM@example.com", codes[1].Code)
	if !errors.Is(err, models.ErrDuplicateEmail) {
		t.Fatalf("got %v, want ErrDuplicateEmail", err)
	}
	if c := f.code(t, codes[1].Code); c.UsedCount != 0 || c.Redeemed {
		t.Errorf("second code: used_count=%d redeemed=%v, want 0/false", c.UsedCount, c.Redeemed)
	}
	if n := len(f.store.Redemptions(codes[1].Code)); n != 0 {
		t.Errorf("ledger rows for the second code: got %d, want 0", n)
	}
	if got := len(f.store.Jobs("")); got != jobsBefore {
		t.Errorf("jobs after failed registration: got %d, want %d", got, jobsBefore)
	}
}

func TestRegisterUser_PurchaseCode(t *testing.T) {
	f := newFixture(t)
	codes, err := f.registry.IssuePurchaseCodes(context.Background(), 1, "ops")
	if err != nil {
		t.Fatalf("IssuePurchaseCodes: %v", err)
	}
	code := codes[0].Code

	res, err := f.register(t, "buyer@example.com", strings.ToLower(code))
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if res.Account.PurchaseCode != code {
		t.Errorf("purchase code on account: got %q, want %q", res.Account.PurchaseCode, code)
	}
	if res.Account.LinkedAgentID != nil || res.Agent != nil {
		t.Error("purchase registrations are not linked to an agent")
	}

	if _, err := f.register(t, "again@example.com", code); !errors.Is(err, models.ErrCodeAlreadyUsed) {
		t.Errorf("reuse: got %v, want ErrCodeAlreadyUsed", err)
	}
}

func TestRegisterUser_UnlockCodeAsReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlock := f.issueUnlock(t)
	agent, err := f.accounts.ActivateAgent(ctx, ActivateAgentInput{
		UnlockCode: unlock,
		Email:      "jane@agency.com",
		Password:   "agent-password",
		NPN:        "1",
	})
	if err != nil {
		t.Fatalf("ActivateAgent: %v", err)
	}

	res, err := f.register(t, "client@example.com", unlock)
	if err != nil {
		t.Fatalf("RegisterUser with unlock code: %v", err)
	}
	if res.Code.Code != agent.PromoCode {
		t.Errorf("redeemed code: got %s, want agent promo %s", res.Code.Code, agent.PromoCode)
	}
	if res.Account.LinkedAgentID == nil || *res.Account.LinkedAgentID != agent.ID {
		t.Error("user should be linked to the agent behind the unlock code")
	}
	if c := f.code(t, unlock); c.UsedCount != 1 {
		t.Errorf("unlock code must not be consumed again, used_count=%d", c.UsedCount)
	}

	inactive := f.issueUnlock(t)
	if _, err := f.register(t, "early@example.com", inactive); !errors.Is(err, models.ErrAgentInactive) {
		t.Errorf("unlock of inactive agent: got %v, want ErrAgentInactive", err)
	}
}

func TestRegisterUser_NotifiesAgentDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")
	if err := f.store.Devices().Upsert(ctx, &models.Device{AccountID: agent.ID, Token: "agent-device", Platform: "ios"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := f.register(t, "client@example.com", agent.PromoCode); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	pushes := f.store.Jobs(execution.SendPushArgs{}.Kind())
	if len(pushes) != 1 {
		t.Fatalf("push jobs: got %d, want 1", len(pushes))
	}
	if p := pushes[0].(execution.SendPushArgs); len(p.Tokens) != 1 || p.Tokens[0] != "agent-device" {
		t.Errorf("push tokens: %v", p.Tokens)
	}
}

func TestRegisterUser_CodeRequired(t *testing.T) {
	f := newFixture(t)
	if _, err := f.register(t, "nocode@example.com", ""); !errors.Is(err, models.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

// ---------------------------------------------------------------------------
// Authentication and profile
// ---------------------------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	code := f.promoBatch(t, nil, 1, nil)[0].Code
	if _, err := f.register(t, "active@example.com", code); err != nil {
		t.Fatalf("register active: %v", err)
	}
	res, err := f.register(t, "disabled@example.com", code)
	if err != nil {
		t.Fatalf("register disabled: %v", err)
	}
	f.setActive(t, res.Account.ID, false)

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"success", "Active@Example.com", "user-password", nil},
		{"wrong password", "active@example.com", "nope-nope", models.ErrBadCredential},
		{"unknown email", "ghost@example.com", "user-password", models.ErrNotFound},
		{"disabled", "disabled@example.com", "user-password", models.ErrDisabled},
		{"disabled wrong password", "disabled@example.com", "nope-nope", models.ErrBadCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.accounts.Authenticate(context.Background(), tt.email, tt.password)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")

	name := "Jane Q. Agent"
	agency := "New Agency"
	acc, err := f.accounts.UpdateProfile(ctx, agent.ID, ProfileUpdate{Name: &name, AgencyName: &agency})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if acc.Name != name || acc.AgencyName != agency {
		t.Errorf("profile: name=%q agency=%q", acc.Name, acc.AgencyName)
	}

	email := "jane@newagency.com"
	if _, err := f.accounts.UpdateProfile(ctx, agent.ID, ProfileUpdate{Email: &email}); !errors.Is(err, models.ErrBadCredential) {
		t.Errorf("email change without password: got %v, want ErrBadCredential", err)
	}
	if _, err := f.accounts.UpdateProfile(ctx, agent.ID, ProfileUpdate{Email: &email, CurrentPassword: "agent-password", NewPassword: "brand-new-pass"}); err != nil {
		t.Fatalf("UpdateProfile with password: %v", err)
	}
	if _, err := f.accounts.Authenticate(ctx, email, "brand-new-pass"); err != nil {
		t.Errorf("Authenticate with new credentials: %v", err)
	}

	code := f.promoBatch(t, nil, 1, nil)[0].Code
	if _, err := f.register(t, "taken@example.com", code); err != nil {
		t.Fatalf("register: %v", err)
	}
	taken := "taken@example.com"
	_, err = f.accounts.UpdateProfile(ctx, agent.ID, ProfileUpdate{Email: &taken, CurrentPassword: "brand-new-pass"})
	if !errors.Is(err, models.ErrDuplicateEmail) {
		t.Errorf("email collision: got %v, want ErrDuplicateEmail", err)
	}
}

func TestUpdateProfile_UserIgnoresAgencyFields(t *testing.T) {
	f := newFixture(t)
	code := f.promoBatch(t, nil, 1, nil)[0].Code
	res, err := f.register(t, "sam@example.com", code)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	npn := "999"
	acc, err := f.accounts.UpdateProfile(context.Background(), res.Account.ID, ProfileUpdate{NPN: &npn})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if acc.NPN != "" {
		t.Errorf("user NPN: got %q, want empty", acc.NPN)
	}
}

func TestDeleteAccount_KeepsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")
	res, err := f.register(t, "sam@example.com", agent.PromoCode)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.store.Devices().Upsert(ctx, &models.Device{AccountID: res.Account.ID, Token: "user-device"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := f.accounts.DeleteAccount(ctx, res.Account.ID, "wrong-password"); !errors.Is(err, models.ErrBadCredential) {
		t.Errorf("wrong password: got %v, want ErrBadCredential", err)
	}
	if err := f.accounts.DeleteAccount(ctx, res.Account.ID, "user-password"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	if _, err := f.accounts.GetProfile(ctx, res.Account.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("profile after delete: got %v, want ErrNotFound", err)
	}
	rows := f.store.Redemptions(agent.PromoCode)
	if len(rows) != 1 {
		t.Fatalf("ledger rows: got %d, want 1", len(rows))
	}
	if rows[0].AccountID != nil {
		t.Error("ledger redeemer should be cleared after delete")
	}
	if rows[0].AgentID == nil || *rows[0].AgentID != agent.ID {
		t.Error("ledger agent should survive the user's deletion")
	}
	if n, _ := f.store.Devices().Count(ctx); n != 0 {
		t.Errorf("devices after delete: got %d, want 0", n)
	}
}

func TestDeleteAccount_AgentCodesStopAdmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")
	batch := f.promoBatch(t, &agent.ID, 1, intPtr(5))[0].Code
	standalone := f.promoBatch(t, nil, 1, nil)[0].Code

	if err := f.accounts.DeleteAccount(ctx, agent.ID, "agent-password"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	for _, code := range []string{agent.PromoCode, batch} {
		if c := f.code(t, code); c.Active {
			t.Errorf("%s still active after its agent was deleted", code)
		}
		if _, err := f.register(t, "sam@example.com", code); !errors.Is(err, models.ErrInvalidCode) {
			t.Errorf("register with %s: got %v, want ErrInvalidCode", code, err)
		}
		if c := f.code(t, code); c.UsedCount != 0 {
			t.Errorf("%s used_count: got %d, want 0", code, c.UsedCount)
		}
	}
	if _, err := f.accounts.Authenticate(ctx, "sam@example.com", "user-password"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("rejected registration left an account behind: %v", err)
	}

	if c := f.code(t, standalone); !c.Active {
		t.Error("codes of other issuers must stay active")
	}
}

func TestAgentPromo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.activeAgent(t, "jane@agency.com")
	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := f.register(t, email, agent.PromoCode); err != nil {
			t.Fatalf("register %s: %v", email, err)
		}
	}

	promo, err := f.accounts.AgentPromo(ctx, agent.ID)
	if err != nil {
		t.Fatalf("AgentPromo: %v", err)
	}
	if promo.Code != agent.PromoCode || promo.UsedCount != 2 {
		t.Errorf("promo: code=%s used=%d, want %s/2", promo.Code, promo.UsedCount, agent.PromoCode)
	}

	user, _ := f.store.Accounts().GetByEmail(ctx, "a@example.com")
	if _, err := f.accounts.AgentPromo(ctx, user.ID); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("user asking for agent promo: got %v, want ErrForbidden", err)
	}
}
