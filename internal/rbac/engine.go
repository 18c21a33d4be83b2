package rbac

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Deny means the function is not permitted.
	Deny Decision = iota
	// Allow means the function is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Reason explains which rule produced a verdict.
type Reason int

const (
	// ReasonRoleGrant means the role's set contains the function.
	ReasonRoleGrant Reason = iota
	// ReasonRoleMissing means the role's set does not contain the function.
	ReasonRoleMissing
	// ReasonUnknownRole means no record exists for the role.
	ReasonUnknownRole
	// ReasonOverrideGrant means an enabled override contains the function.
	ReasonOverrideGrant
	// ReasonOverrideMissing means an enabled override does not contain the function.
	ReasonOverrideMissing
	// ReasonStoreUnavailable means a record could not be loaded.
	ReasonStoreUnavailable
)

// String returns a short machine-friendly label.
func (r Reason) String() string {
	switch r {
	case ReasonRoleGrant:
		return "role_grant"
	case ReasonRoleMissing:
		return "role_missing"
	case ReasonUnknownRole:
		return "unknown_role"
	case ReasonOverrideGrant:
		return "override_grant"
	case ReasonOverrideMissing:
		return "override_missing"
	case ReasonStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Source names the record a verdict was taken from.
type Source string

const (
	SourceRole     Source = "role"
	SourceOverride Source = "override"
	SourceNone     Source = "none"
)

// Verdict is a decision together with its explanation. Only administrative
// surfaces should expose Reason and Source.
type Verdict struct {
	Decision Decision
	Reason   Reason
	Source   Source
	Stale    bool
}

// Allowed reports whether the verdict permits the function.
func (v Verdict) Allowed() bool {
	return v.Decision == Allow
}

// Resolve applies the resolution rule to a snapshot. An enabled override
// fully replaces the role's set; otherwise role membership decides.
func Resolve(override *UserOverride, role RoleView, functionKey string) Verdict {
	if override != nil && override.Enabled {
		if override.AllowedFunctions.Has(functionKey) {
			return Verdict{Decision: Allow, Reason: ReasonOverrideGrant, Source: SourceOverride}
		}
		return Verdict{Decision: Deny, Reason: ReasonOverrideMissing, Source: SourceOverride}
	}
	if !role.Exists {
		return Verdict{Decision: Deny, Reason: ReasonUnknownRole, Source: SourceNone}
	}
	if role.AllowedFunctions.Has(functionKey) {
		return Verdict{Decision: Allow, Reason: ReasonRoleGrant, Source: SourceRole}
	}
	return Verdict{Decision: Deny, Reason: ReasonRoleMissing, Source: SourceRole}
}

// ViewSource supplies permission views to the engine.
type ViewSource interface {
	LookupRole(ctx context.Context, role string) (RoleView, error)
	LookupUser(ctx context.Context, userID uuid.UUID) (UserView, error)
}

// Engine decides whether a user may use a function.
type Engine struct {
	views   ViewSource
	logger  *slog.Logger
	metrics *Metrics
}

// NewEngine constructs an Engine over views.
func NewEngine(views ViewSource, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{views: views, logger: logger, metrics: metrics}
}

// Authorize returns Allow or Deny. A non-nil error is always paired with Deny
// and either wraps ErrStoreUnavailable or is ctx's own error.
func (e *Engine) Authorize(ctx context.Context, userID uuid.UUID, role, functionKey string) (Decision, error) {
	v, err := e.Evaluate(ctx, userID, role, functionKey)
	return v.Decision, err
}

// Evaluate is Authorize with the explanation attached.
func (e *Engine) Evaluate(ctx context.Context, userID uuid.UUID, role, functionKey string) (Verdict, error) {
	user, err := e.views.LookupUser(ctx, userID)
	if err != nil {
		return e.unavailable(ctx, err, slog.String("user_id", userID.String()))
	}
	if user.Override != nil && user.Override.Enabled {
		v := Resolve(user.Override, RoleView{}, functionKey)
		v.Stale = user.Stale
		e.metrics.decision(v)
		return v, nil
	}
	roleView, err := e.views.LookupRole(ctx, role)
	if err != nil {
		return e.unavailable(ctx, err, slog.String("role", NormalizeRole(role)))
	}
	v := Resolve(user.Override, roleView, functionKey)
	v.Stale = user.Stale || roleView.Stale
	e.metrics.decision(v)
	return v, nil
}

// EffectivePermissions returns the set the resolution rule tests against.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID, role string) (FunctionSet, error) {
	user, err := e.views.LookupUser(ctx, userID)
	if err != nil {
		return FunctionSet{}, err
	}
	if user.Override != nil && user.Override.Enabled {
		return user.Override.AllowedFunctions.Clone(), nil
	}
	roleView, err := e.views.LookupRole(ctx, role)
	if err != nil {
		return FunctionSet{}, err
	}
	return roleView.AllowedFunctions.Clone(), nil
}

func (e *Engine) unavailable(ctx context.Context, err error, attr slog.Attr) (Verdict, error) {
	v := Verdict{Decision: Deny, Reason: ReasonStoreUnavailable, Source: SourceNone}
	if ctx.Err() != nil && !errors.Is(err, ErrStoreUnavailable) {
		// Abandoned by the caller; not a store outage.
		e.logger.Debug("rbac authorize abandoned", attr, slog.Any("error", err))
		return v, err
	}
	e.metrics.decision(v)
	e.logger.Error("rbac authorize", attr, slog.Any("error", err))
	return v, err
}
