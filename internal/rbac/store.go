package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds a single backend call.
const DefaultStoreTimeout = 2 * time.Second

// Reader exposes point lookups of both permission collections.
type Reader interface {
	GetRolePermissions(ctx context.Context, role string) (RolePermission, error)
	GetUserOverride(ctx context.Context, userID uuid.UUID) (*UserOverride, error)
}

// Backend is a durable key-value source of permission records. Reads of an
// unknown key are not errors; transport failures wrap ErrStoreUnavailable.
type Backend interface {
	Reader
	PutRolePermissions(ctx context.Context, role string, allowed FunctionSet) (RolePermission, error)
	PutUserOverride(ctx context.Context, userID uuid.UUID, enabled bool, allowed FunctionSet) (UserOverride, error)
	DeleteUserOverride(ctx context.Context, userID uuid.UUID) error
	ListRolePermissions(ctx context.Context) ([]RolePermission, error)
}

// Invalidator is notified after a permission record changed.
type Invalidator interface {
	InvalidateRole(ctx context.Context, role string) error
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// StoreOptions tunes Store behaviour.
type StoreOptions struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Store is the permission store used by the cache and the admin write path.
// Every successful write invalidates the affected key before returning.
type Store struct {
	backend     Backend
	invalidator Invalidator
	timeout     time.Duration
	logger      *slog.Logger
}

// NewStore wraps backend so writes are followed by invalidation.
func NewStore(backend Backend, invalidator Invalidator, opts StoreOptions) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{backend: backend, invalidator: invalidator, timeout: opts.Timeout, logger: opts.Logger}
}

// GetRolePermissions returns the stored grant for role, empty when unknown.
func (s *Store) GetRolePermissions(ctx context.Context, role string) (RolePermission, error) {
	role = NormalizeRole(role)
	if role == "" {
		return RolePermission{AllowedFunctions: FunctionSet{}}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.backend.GetRolePermissions(ctx, role)
	if err != nil {
		return RolePermission{}, classifyStoreError(err)
	}
	if rec.AllowedFunctions == nil {
		rec.AllowedFunctions = FunctionSet{}
	}
	return rec, nil
}

// GetUserOverride returns the user's override or nil when none exists.
func (s *Store) GetUserOverride(ctx context.Context, userID uuid.UUID) (*UserOverride, error) {
	if userID == uuid.Nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.backend.GetUserOverride(ctx, userID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return rec, nil
}

// ListRolePermissions returns every stored role record.
func (s *Store) ListRolePermissions(ctx context.Context) ([]RolePermission, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.backend.ListRolePermissions(ctx)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return recs, nil
}

// PutRolePermissions upserts the role grant and invalidates the role.
func (s *Store) PutRolePermissions(ctx context.Context, role string, allowed FunctionSet) (RolePermission, error) {
	role = NormalizeRole(role)
	if role == "" {
		return RolePermission{}, ErrInvalidRole
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.backend.PutRolePermissions(writeCtx, role, normalizeSet(allowed))
	if err != nil {
		return RolePermission{}, classifyStoreError(err)
	}
	s.notifyRole(ctx, role)
	return rec, nil
}

// PutUserOverride upserts the user's override and invalidates the user.
func (s *Store) PutUserOverride(ctx context.Context, userID uuid.UUID, enabled bool, allowed FunctionSet) (UserOverride, error) {
	if userID == uuid.Nil {
		return UserOverride{}, ErrInvalidUserID
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.backend.PutUserOverride(writeCtx, userID, enabled, normalizeSet(allowed))
	if err != nil {
		return UserOverride{}, classifyStoreError(err)
	}
	s.notifyUser(ctx, userID)
	return rec, nil
}

// DeleteUserOverride removes the user's override and invalidates the user.
func (s *Store) DeleteUserOverride(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrInvalidUserID
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.DeleteUserOverride(writeCtx, userID); err != nil {
		return classifyStoreError(err)
	}
	s.notifyUser(ctx, userID)
	return nil
}

// The local cache is always cleared by the invalidator before it returns; an
// error here only means the cross-instance broadcast failed, which other
// instances tolerate through their TTL.
func (s *Store) notifyRole(ctx context.Context, role string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateRole(ctx, role); err != nil {
		s.logger.Warn("rbac invalidate role", slog.String("role", role), slog.Any("error", err))
	}
}

func (s *Store) notifyUser(ctx context.Context, userID uuid.UUID) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("rbac invalidate user", slog.String("user_id", userID.String()), slog.Any("error", err))
	}
}

func classifyStoreError(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func normalizeSet(in FunctionSet) FunctionSet {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	return NewFunctionSet(keys...)
}
