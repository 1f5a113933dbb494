package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/vitalink/backend/internal/respond"
)

type contextKey string

const (
	ctxAccountKey contextKey = "account"
	ctxActorKey   contextKey = "admin_actor"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKey admits requests whose X-Admin-Key hashes (SHA-256, hex) to one of the
// configured hashes. Several hashes may be valid at once so keys can be rotated.
// The matched key's fingerprint becomes the audit actor.
func AdminKey(keyHashes []string) func(http.Handler) http.Handler {
	allowed := make([][]byte, 0, len(keyHashes))
	for _, h := range keyHashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allowed = append(allowed, []byte(h))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
			if raw == "" {
				respond.Fail(w, http.StatusForbidden, "admin key required")
				return
			}
			sum := []byte(hashKey(raw))
			matched := false
			for _, h := range allowed {
				if subtle.ConstantTimeCompare(sum, h) == 1 {
					matched = true
				}
			}
			if !matched {
				respond.Fail(w, http.StatusForbidden, "invalid admin key")
				return
			}
			ctx := WithActor(r.Context(), "key:"+string(sum[:12]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromCtx returns the admin actor fingerprint, or "" outside admin routes.
func ActorFromCtx(ctx context.Context) string {
	a, _ := ctx.Value(ctxActorKey).(string)
	return a
}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActorKey, actor)
}

// HashKey returns the hex SHA-256 of an admin key, the form stored in configuration.
func HashKey(raw string) string { return hashKey(raw) }

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
