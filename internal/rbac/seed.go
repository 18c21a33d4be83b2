package rbac

import (
	"context"
	"fmt"
)

// RoleWriter is the part of Store used for seeding.
type RoleWriter interface {
	GetRolePermissions(ctx context.Context, role string) (RolePermission, error)
	PutRolePermissions(ctx context.Context, role string, allowed FunctionSet) (RolePermission, error)
}

// SeedReport lists the roles a seed run touched.
type SeedReport struct {
	Written []string `json:"written"`
	Skipped []string `json:"skipped"`
}

// SeedDefaults writes the catalog's default grant for every role it knows.
// Existing records are left alone unless overwrite is set.
func SeedDefaults(ctx context.Context, store RoleWriter, catalog *Catalog, overwrite bool) (SeedReport, error) {
	var report SeedReport
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	for _, role := range catalog.Roles() {
		if !overwrite {
			existing, err := store.GetRolePermissions(ctx, role)
			if err != nil {
				return report, fmt.Errorf("seed %s: %w", role, err)
			}
			if existing.Exists {
				report.Skipped = append(report.Skipped, role)
				continue
			}
		}
		if _, err := store.PutRolePermissions(ctx, role, catalog.DefaultRolePermissions(role)); err != nil {
			return report, fmt.Errorf("seed %s: %w", role, err)
		}
		report.Written = append(report.Written, role)
	}
	return report, nil
}
