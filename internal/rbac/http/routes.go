package rbachttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

const adminRateLimit = 30
const adminRateWindow = time.Minute

// MountRoutes registers the /v1 endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(adminRateLimit, adminRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "admin rate limit exceeded")
		}),
	)
	r.Route("/v1", func(r chi.Router) {
		r.Use(PrincipalFromHeaders)
		r.Post("/authorize", h.handleAuthorize)
		r.Get("/catalog", h.handleCatalog)
		r.Get("/navigation", h.handleNavigation)

		r.Route("/admin", func(ar chi.Router) {
			ar.Use(limiter)
			ar.Use(AdminAuth(h.adminHash, h.logger))
			ar.Get("/roles", h.handleListRoles)
			ar.Get("/roles/{role}", h.handleGetRole)
			ar.Put("/roles/{role}", h.handlePutRole)
			ar.Get("/users/{userID}/override", h.handleGetOverride)
			ar.Put("/users/{userID}/override", h.handlePutOverride)
			ar.Delete("/users/{userID}/override", h.handleDeleteOverride)
			ar.Post("/invalidate", h.handleInvalidate)
			ar.Post("/explain", h.handleExplain)
			ar.Post("/seed", h.handleSeed)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "admin:" + key, nil
}
