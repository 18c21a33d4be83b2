package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool used by PostgresBackend.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSchema creates the tables read and written by PostgresBackend.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS rbac_role_permissions (
	role text PRIMARY KEY,
	allowed_functions jsonb NOT NULL DEFAULT '[]'::jsonb,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS rbac_user_permissions (
	user_id uuid PRIMARY KEY,
	override_enabled boolean NOT NULL DEFAULT false,
	allowed_functions jsonb NOT NULL DEFAULT '[]'::jsonb,
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
}

var usersRefPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?\([a-z_][a-z0-9_]*\)$`)

// ValidateUsersRef checks a `table(column)` or `schema.table(column)`
// reference to the user identity key. An empty ref is valid.
func ValidateUsersRef(ref string) error {
	if ref != "" && !usersRefPattern.MatchString(ref) {
		return fmt.Errorf("rbac: users reference %q must look like table(column)", ref)
	}
	return nil
}

// PostgresSchemaFor returns PostgresSchema plus, when usersRef names the user
// identity key, a foreign key that deletes a user's override row together
// with the user. The constraint is added once.
func PostgresSchemaFor(usersRef string) ([]string, error) {
	if err := ValidateUsersRef(usersRef); err != nil {
		return nil, err
	}
	statements := append([]string(nil), PostgresSchema...)
	if usersRef == "" {
		return statements, nil
	}
	return append(statements, fmt.Sprintf(`DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'rbac_user_permissions_user_fk') THEN
		ALTER TABLE rbac_user_permissions
			ADD CONSTRAINT rbac_user_permissions_user_fk
			FOREIGN KEY (user_id) REFERENCES %s ON DELETE CASCADE;
	END IF;
END $$`, usersRef)), nil
}

// PostgresBackend persists records in rbac_role_permissions and
// rbac_user_permissions. Each write is a single upsert statement.
type PostgresBackend struct {
	db     DBTX
	logger *slog.Logger
}

// NewPostgresBackend constructs a PostgresBackend.
func NewPostgresBackend(db DBTX, logger *slog.Logger) *PostgresBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBackend{db: db, logger: logger}
}

var _ Backend = (*PostgresBackend)(nil)

const (
	selectRolePermissions = `SELECT allowed_functions, updated_at FROM rbac_role_permissions WHERE role = $1`
	listRolePermissions   = `SELECT role, allowed_functions, updated_at FROM rbac_role_permissions ORDER BY role`
	upsertRolePermissions = `INSERT INTO rbac_role_permissions (role, allowed_functions, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (role) DO UPDATE SET allowed_functions = EXCLUDED.allowed_functions, updated_at = now()
RETURNING updated_at`
	selectUserOverride = `SELECT override_enabled, allowed_functions, updated_at FROM rbac_user_permissions WHERE user_id = $1`
	upsertUserOverride = `INSERT INTO rbac_user_permissions (user_id, override_enabled, allowed_functions, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id) DO UPDATE SET override_enabled = EXCLUDED.override_enabled,
	allowed_functions = EXCLUDED.allowed_functions, updated_at = now()
RETURNING updated_at`
	deleteUserOverride = `DELETE FROM rbac_user_permissions WHERE user_id = $1`
)

// GetRolePermissions implements Backend.
func (b *PostgresBackend) GetRolePermissions(ctx context.Context, role string) (RolePermission, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := b.db.QueryRow(ctx, selectRolePermissions, role).Scan(&raw, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RolePermission{Role: role, AllowedFunctions: FunctionSet{}}, nil
		}
		return RolePermission{}, pgUnavailable("get role", err)
	}
	allowed, err := decodeFunctionList(raw)
	if err != nil {
		b.logger.Warn("rbac role record", slog.String("role", role), slog.Any("error", err))
	}
	return RolePermission{Role: role, AllowedFunctions: allowed, UpdatedAt: updatedAt, Exists: true}, nil
}

// GetUserOverride implements Backend.
func (b *PostgresBackend) GetUserOverride(ctx context.Context, userID uuid.UUID) (*UserOverride, error) {
	var (
		enabled   bool
		raw       []byte
		updatedAt time.Time
	)
	err := b.db.QueryRow(ctx, selectUserOverride, userID).Scan(&enabled, &raw, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, pgUnavailable("get user override", err)
	}
	allowed, err := decodeFunctionList(raw)
	if err != nil {
		b.logger.Warn("rbac user override record", slog.String("user_id", userID.String()), slog.Any("error", err))
	}
	return &UserOverride{UserID: userID, Enabled: enabled, AllowedFunctions: allowed, UpdatedAt: updatedAt}, nil
}

// PutRolePermissions implements Backend.
func (b *PostgresBackend) PutRolePermissions(ctx context.Context, role string, allowed FunctionSet) (RolePermission, error) {
	payload, err := encodeFunctionList(allowed)
	if err != nil {
		return RolePermission{}, err
	}
	var updatedAt time.Time
	if err := b.db.QueryRow(ctx, upsertRolePermissions, role, string(payload)).Scan(&updatedAt); err != nil {
		return RolePermission{}, pgUnavailable("put role", err)
	}
	return RolePermission{Role: role, AllowedFunctions: allowed.Clone(), UpdatedAt: updatedAt, Exists: true}, nil
}

// PutUserOverride implements Backend.
func (b *PostgresBackend) PutUserOverride(ctx context.Context, userID uuid.UUID, enabled bool, allowed FunctionSet) (UserOverride, error) {
	payload, err := encodeFunctionList(allowed)
	if err != nil {
		return UserOverride{}, err
	}
	var updatedAt time.Time
	if err := b.db.QueryRow(ctx, upsertUserOverride, userID, enabled, string(payload)).Scan(&updatedAt); err != nil {
		return UserOverride{}, pgUnavailable("put user override", err)
	}
	return UserOverride{UserID: userID, Enabled: enabled, AllowedFunctions: allowed.Clone(), UpdatedAt: updatedAt}, nil
}

// DeleteUserOverride implements Backend.
func (b *PostgresBackend) DeleteUserOverride(ctx context.Context, userID uuid.UUID) error {
	if _, err := b.db.Exec(ctx, deleteUserOverride, userID); err != nil {
		return pgUnavailable("delete user override", err)
	}
	return nil
}

// ListRolePermissions implements Backend.
func (b *PostgresBackend) ListRolePermissions(ctx context.Context) ([]RolePermission, error) {
	rows, err := b.db.Query(ctx, listRolePermissions)
	if err != nil {
		return nil, pgUnavailable("list roles", err)
	}
	defer rows.Close()
	var out []RolePermission
	for rows.Next() {
		var (
			role      string
			raw       []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&role, &raw, &updatedAt); err != nil {
			return nil, pgUnavailable("scan role", err)
		}
		allowed, err := decodeFunctionList(raw)
		if err != nil {
			b.logger.Warn("rbac role record", slog.String("role", role), slog.Any("error", err))
		}
		out = append(out, RolePermission{Role: role, AllowedFunctions: allowed, UpdatedAt: updatedAt, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, pgUnavailable("list roles", err)
	}
	return out, nil
}

func pgUnavailable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: postgres %s: sqlstate %s: %w", ErrStoreUnavailable, op, pgErr.Code, err)
	}
	return fmt.Errorf("%w: postgres %s: %w", ErrStoreUnavailable, op, err)
}
