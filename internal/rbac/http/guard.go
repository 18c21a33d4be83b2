package rbachttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Authorizer decides a single check.
type Authorizer interface {
	Authorize(ctx context.Context, userID uuid.UUID, role, functionKey string) (rbac.Decision, error)
}

// Guard protects handlers with function checks.
type Guard struct {
	authz  Authorizer
	logger *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(authz Authorizer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{authz: authz, logger: logger}
}

// Require allows the request through only when the principal may use
// functionKey. Refusals never reveal why.
func (g *Guard) Require(functionKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			decision, err := g.authz.Authorize(r.Context(), p.UserID, p.Role, functionKey)
			if err != nil {
				g.logger.Error("rbac guard", slog.String("function", functionKey),
					slog.String("user_id", p.UserID.String()), slog.Any("error", err))
			}
			if decision != rbac.Allow {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
