package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/respond"
)

// TokenValidator resolves a session token to an account id and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// AccountLookup loads the account named by a session.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Session authenticates requests with a Bearer session token and loads the
// account into the request context. Disabled accounts are rejected.
func Session(tokens TokenValidator, accounts AccountLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				respond.Fail(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			id, _, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				respond.Fail(w, http.StatusUnauthorized, "invalid session")
				return
			}
			acc, err := accounts.GetByID(r.Context(), id)
			if errors.Is(err, models.ErrNotFound) {
				respond.Fail(w, http.StatusUnauthorized, "invalid session")
				return
			}
			if err != nil {
				respond.Error(w, r, nil, err)
				return
			}
			if !acc.Active {
				respond.Fail(w, http.StatusForbidden, "account disabled")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
		})
	}
}

// RequireAgent rejects sessions that do not belong to an agent. Use after Session.
func RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := AccountFromCtx(r.Context())
		if acc == nil || !acc.IsAgent() {
			respond.Fail(w, http.StatusForbidden, "agent account required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
