package rbachttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Handler serves the authorization and administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *rbac.Service
	guard     *Guard
	validator *validator.Validate
	adminHash string
}

// NewHandler constructs a Handler. adminTokenHash is the bcrypt hash of the
// admin bearer token.
func NewHandler(logger *slog.Logger, service *rbac.Service, adminTokenHash string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     NewGuard(service.Engine(), logger),
		validator: validator.New(),
		adminHash: adminTokenHash,
	}
}

// Guard returns the function guard backed by the same engine.
func (h *Handler) Guard() *Guard {
	return h.guard
}

type authorizeRequest struct {
	UserID   string `json:"user_id" validate:"omitempty,uuid"`
	Role     string `json:"role" validate:"required,max=64"`
	Function string `json:"function" validate:"required,max=256"`
}

type authorizeResponse struct {
	Decision string `json:"decision"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := parseOptionalUUID(req.UserID)
	decision, err := h.service.Engine().Authorize(r.Context(), userID, req.Role, strings.TrimSpace(req.Function))
	if err != nil {
		// The decision is still a definite deny; callers see that the store
		// could not answer, not which record was missing.
		httpx.JSON(w, http.StatusServiceUnavailable, authorizeResponse{Decision: rbac.Deny.String()})
		return
	}
	httpx.JSON(w, http.StatusOK, authorizeResponse{Decision: decision.String()})
}

type catalogResponse struct {
	Functions  []rbac.Function   `json:"functions"`
	Navigation []rbac.NavSection `json:"navigation"`
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Catalog()
	httpx.JSON(w, http.StatusOK, catalogResponse{Functions: catalog.Functions(), Navigation: catalog.Navigation()})
}

type navigationResponse struct {
	Sections []rbac.NavSection `json:"sections"`
}

func (h *Handler) handleNavigation(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	sections, err := h.service.Navigation(r.Context(), p.UserID, p.Role)
	if err != nil {
		h.logger.Error("rbac navigation", slog.String("user_id", p.UserID.String()), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	if sections == nil {
		sections = []rbac.NavSection{}
	}
	httpx.JSON(w, http.StatusOK, navigationResponse{Sections: sections})
}

type roleResponse struct {
	Role             string    `json:"role"`
	AllowedFunctions []string  `json:"allowed_functions"`
	Exists           bool      `json:"exists"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

func newRoleResponse(rec rbac.RolePermission) roleResponse {
	return roleResponse{
		Role:             rec.Role,
		AllowedFunctions: rec.AllowedFunctions.Sorted(),
		Exists:           rec.Exists,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newRoleResponse(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetRole(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRoleResponse(rec))
}

type putRoleRequest struct {
	AllowedFunctions []string `json:"allowed_functions" validate:"dive,max=256"`
}

func (h *Handler) handlePutRole(w http.ResponseWriter, r *http.Request) {
	var req putRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.SetRolePermissions(r.Context(), chi.URLParam(r, "role"), req.AllowedFunctions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newRoleResponse(rec))
}

type overrideResponse struct {
	UserID           string    `json:"user_id"`
	Enabled          bool      `json:"enabled"`
	AllowedFunctions []string  `json:"allowed_functions"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

func newOverrideResponse(rec rbac.UserOverride) overrideResponse {
	return overrideResponse{
		UserID:           rec.UserID.String(),
		Enabled:          rec.Enabled,
		AllowedFunctions: rec.AllowedFunctions.Sorted(),
		UpdatedAt:        rec.UpdatedAt,
	}
}

func (h *Handler) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetUserOverride(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		httpx.RespondError(w, fmt.Errorf("%w: no override for user", httpx.ErrNotFound))
		return
	}
	httpx.JSON(w, http.StatusOK, newOverrideResponse(*rec))
}

type putOverrideRequest struct {
	Enabled          *bool    `json:"enabled" validate:"required"`
	AllowedFunctions []string `json:"allowed_functions" validate:"dive,max=256"`
}

func (h *Handler) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req putOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.SetUserOverride(r.Context(), userID, *req.Enabled, req.AllowedFunctions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newOverrideResponse(rec))
}

func (h *Handler) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	if err := h.service.ClearUserOverride(r.Context(), userID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	Role   string `json:"role" validate:"omitempty,max=64"`
	UserID string `json:"user_id" validate:"omitempty,uuid"`
	All    bool   `json:"all"`
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.All && strings.TrimSpace(req.Role) == "" && req.UserID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: role, user_id or all is required", httpx.ErrValidation))
		return
	}
	ctx := r.Context()
	var err error
	switch {
	case req.All:
		err = h.service.InvalidateAll(ctx)
	default:
		if strings.TrimSpace(req.Role) != "" {
			err = h.service.InvalidateRole(ctx, req.Role)
		}
		if err == nil && req.UserID != "" {
			err = h.service.InvalidateUser(ctx, parseOptionalUUID(req.UserID))
		}
	}
	if err != nil {
		// Local caches are already cleared; only the broadcast failed.
		h.logger.Warn("rbac admin invalidate", slog.Any("error", err))
		httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "local", "warning": err.Error()})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

type explainRequest struct {
	UserID   string `json:"user_id" validate:"omitempty,uuid"`
	Role     string `json:"role" validate:"required,max=64"`
	Function string `json:"function" validate:"required,max=256"`
}

type explainResponse struct {
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason"`
	Source    string   `json:"source"`
	Stale     bool     `json:"stale"`
	Known     bool     `json:"known_function"`
	Effective []string `json:"effective_functions"`
	Error     string   `json:"error,omitempty"`
}

func (h *Handler) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if !h.decode(w, r, &req) {
		return
	}
	exp, err := h.service.Explain(r.Context(), parseOptionalUUID(req.UserID), req.Role, req.Function)
	resp := explainResponse{
		Decision:  exp.Verdict.Decision.String(),
		Reason:    exp.Verdict.Reason.String(),
		Source:    string(exp.Verdict.Source),
		Stale:     exp.Verdict.Stale,
		Known:     exp.Known,
		Effective: exp.Effective,
	}
	if resp.Effective == nil {
		resp.Effective = []string{}
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, resp)
}

type seedRequest struct {
	Overwrite bool `json:"overwrite"`
}

func (h *Handler) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	report, err := h.service.SeedDefaults(r.Context(), req.Overwrite)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil || id == uuid.Nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, rbac.ErrInvalidUserID))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidRole), errors.Is(err, rbac.ErrInvalidUserID), errors.Is(err, rbac.ErrUnknownFunction):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, rbac.ErrStoreUnavailable):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Debug("rbac request abandoned", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("request abandoned: %w", httpx.ErrUnavailable))
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseOptionalUUID(raw string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil
	}
	return id
}
