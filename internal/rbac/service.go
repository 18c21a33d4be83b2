package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// BroadcastInvalidator can also clear every cached record.
type BroadcastInvalidator interface {
	Invalidator
	InvalidateAll(ctx context.Context) error
}

// ServiceOptions configures Service.
type ServiceOptions struct {
	Catalog *Catalog
	// StrictCatalog rejects writes naming functions outside the catalog.
	StrictCatalog bool
	Invalidator   BroadcastInvalidator
	Logger        *slog.Logger
}

// Service is the administrative surface over the store and engine.
type Service struct {
	store       *Store
	engine      *Engine
	catalog     *Catalog
	strict      bool
	invalidator BroadcastInvalidator
	logger      *slog.Logger
}

// NewService builds a Service.
func NewService(store *Store, engine *Engine, opts ServiceOptions) *Service {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		engine:      engine,
		catalog:     opts.Catalog,
		strict:      opts.StrictCatalog,
		invalidator: opts.Invalidator,
		logger:      opts.Logger,
	}
}

// Catalog returns the function catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Engine returns the authorization engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// ListRoles returns every stored role record.
func (s *Service) ListRoles(ctx context.Context) ([]RolePermission, error) {
	return s.store.ListRolePermissions(ctx)
}

// GetRole reads a role record from the store, bypassing the cache.
func (s *Service) GetRole(ctx context.Context, role string) (RolePermission, error) {
	if NormalizeRole(role) == "" {
		return RolePermission{}, ErrInvalidRole
	}
	return s.store.GetRolePermissions(ctx, role)
}

// SetRolePermissions replaces the role's grant.
func (s *Service) SetRolePermissions(ctx context.Context, role string, keys []string) (RolePermission, error) {
	set := NewFunctionSet(keys...)
	if err := s.checkCatalog(set); err != nil {
		return RolePermission{}, err
	}
	rec, err := s.store.PutRolePermissions(ctx, role, set)
	if err != nil {
		return RolePermission{}, err
	}
	s.logger.Info("rbac role permissions updated",
		slog.String("role", rec.Role), slog.Int("functions", rec.AllowedFunctions.Len()))
	return rec, nil
}

// GetUserOverride reads a user's override, nil when none is stored.
func (s *Service) GetUserOverride(ctx context.Context, userID uuid.UUID) (*UserOverride, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	return s.store.GetUserOverride(ctx, userID)
}

// SetUserOverride replaces the user's override.
func (s *Service) SetUserOverride(ctx context.Context, userID uuid.UUID, enabled bool, keys []string) (UserOverride, error) {
	set := NewFunctionSet(keys...)
	if err := s.checkCatalog(set); err != nil {
		return UserOverride{}, err
	}
	rec, err := s.store.PutUserOverride(ctx, userID, enabled, set)
	if err != nil {
		return UserOverride{}, err
	}
	s.logger.Info("rbac user override updated",
		slog.String("user_id", userID.String()), slog.Bool("enabled", enabled),
		slog.Int("functions", rec.AllowedFunctions.Len()))
	return rec, nil
}

// ClearUserOverride deletes the user's override so the role applies again.
func (s *Service) ClearUserOverride(ctx context.Context, userID uuid.UUID) error {
	if err := s.store.DeleteUserOverride(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("rbac user override cleared", slog.String("user_id", userID.String()))
	return nil
}

// InvalidateRole drops a role from the caches without a write.
func (s *Service) InvalidateRole(ctx context.Context, role string) error {
	role = NormalizeRole(role)
	if role == "" {
		return ErrInvalidRole
	}
	if s.invalidator == nil {
		return nil
	}
	return s.invalidator.InvalidateRole(ctx, role)
}

// InvalidateUser drops a user from the caches without a write.
func (s *Service) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrInvalidUserID
	}
	if s.invalidator == nil {
		return nil
	}
	return s.invalidator.InvalidateUser(ctx, userID)
}

// InvalidateAll clears every cache.
func (s *Service) InvalidateAll(ctx context.Context) error {
	if s.invalidator == nil {
		return nil
	}
	return s.invalidator.InvalidateAll(ctx)
}

// SeedDefaults writes the catalog defaults for every known role.
func (s *Service) SeedDefaults(ctx context.Context, overwrite bool) (SeedReport, error) {
	return SeedDefaults(ctx, s.store, s.catalog, overwrite)
}

// Explanation is an administrative view of a single decision.
type Explanation struct {
	UserID      uuid.UUID
	Role        string
	FunctionKey string
	Verdict     Verdict
	Effective   []string
	Known       bool
}

// Explain evaluates a check and reports why it resolved the way it did.
func (s *Service) Explain(ctx context.Context, userID uuid.UUID, role, functionKey string) (Explanation, error) {
	functionKey = strings.TrimSpace(functionKey)
	out := Explanation{
		UserID:      userID,
		Role:        NormalizeRole(role),
		FunctionKey: functionKey,
		Known:       s.catalog.Known(functionKey),
	}
	verdict, err := s.engine.Evaluate(ctx, userID, role, functionKey)
	out.Verdict = verdict
	if err != nil {
		return out, err
	}
	effective, err := s.engine.EffectivePermissions(ctx, userID, role)
	if err != nil {
		return out, err
	}
	out.Effective = effective.Sorted()
	return out, nil
}

// Navigation returns the navigation sections the principal may open.
func (s *Service) Navigation(ctx context.Context, userID uuid.UUID, role string) ([]NavSection, error) {
	effective, err := s.engine.EffectivePermissions(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	return s.catalog.AllowedNavigation(effective), nil
}

// AuditRoles reports, per stored role, the function keys not in the catalog.
func (s *Service) AuditRoles(ctx context.Context) (map[string][]string, error) {
	recs, err := s.store.ListRolePermissions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, rec := range recs {
		if unknown := s.catalog.Unknown(rec.AllowedFunctions); len(unknown) > 0 {
			out[rec.Role] = unknown
		}
	}
	return out, nil
}

func (s *Service) checkCatalog(set FunctionSet) error {
	if !s.strict {
		return nil
	}
	if unknown := s.catalog.Unknown(set); len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, strings.Join(unknown, ", "))
	}
	return nil
}
