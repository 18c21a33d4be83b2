package rbachttp

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Headers set by the trusted upstream identity proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Principal is the caller an authorization check is made for. UserID is
// uuid.Nil when only a role is known.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by PrincipalFromHeaders.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// PrincipalFromHeaders reads the identity headers into the request context.
// Requests without either header pass through with no principal; a malformed
// user id is rejected.
func PrincipalFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		role := strings.TrimSpace(r.Header.Get(HeaderUserRole))
		if rawID == "" && role == "" {
			next.ServeHTTP(w, r)
			return
		}
		p := Principal{Role: role}
		if rawID != "" {
			id, err := uuid.Parse(rawID)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+HeaderUserID)
				return
			}
			p.UserID = id
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
