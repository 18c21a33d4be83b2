// Package rbachttp exposes the permission engine over HTTP.
//
// MountRoutes serves the authorize, catalog and navigation endpoints plus the
// token-protected /v1/admin API used by authzd.
//
// Guard is for Go services that link the engine in-process rather than
// calling /v1/authorize. Mount PrincipalFromHeaders (or any middleware that
// stores a Principal) ahead of it and wrap each route with its function key:
//
//	r.Use(rbachttp.PrincipalFromHeaders)
//	r.With(guard.Require(rbac.ActionPunch)).Post("/punch", punchHandler)
//
// Refusals answer 401 or 403 without saying why.
package rbachttp
