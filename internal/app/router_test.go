package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	rbachttp "github.com/odyssey-erp/odyssey-authz/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-authz/jobs"
	_ "github.com/odyssey-erp/odyssey-authz/testing"
)

func newTestRouter(t *testing.T, readiness map[string]ReadinessCheck) (http.Handler, *Authz) {
	t.Helper()
	cfg := testConfig(BackendMemory, false)
	stack, err := BuildAuthz(cfg, testDeps(t, nil))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: rbachttp.NewHandler(logger, stack.Service, ""),
		JobHandler:   jobs.NewHandler(nil, logger),
		Metrics:      observability.NewMetrics(),
		Readiness:    readiness,
	})
	return router, stack
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterReadiness(t *testing.T) {
	router, _ := newTestRouter(t, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("down") },
	})

	rec := serve(router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"postgres":"ok","redis":"unavailable"}`, rec.Body.String())
}

func TestRouterAuthorizeAndMetrics(t *testing.T) {
	router, stack := newTestRouter(t, nil)
	_, err := stack.Service.SeedDefaults(context.Background(), false)
	require.NoError(t, err)

	rec := serve(router, http.MethodPost, "/v1/authorize", `{"role":"admin","function":"action::admin::permissions"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":"allow"}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "odyssey_authz_http_requests_total")
}

func TestRouterJobsHealth(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/jobs/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue":"default"`)
}

func TestRouterAdminDisabledWithoutHash(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodGet, "/v1/admin/roles", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
