package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "authz:"
	redisRoleIndex  = redisKeyPrefix + "roles"
	fieldAllowed    = "allowed_functions"
	fieldEnabled    = "override_enabled"
	fieldUpdatedAt  = "updated_at"
	redisTimeLayout = time.RFC3339Nano
)

// RedisBackend stores each record as a Redis hash. Role names are indexed in
// a set so they can be listed.
type RedisBackend struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisBackend constructs a RedisBackend.
func NewRedisBackend(client *redis.Client, logger *slog.Logger) *RedisBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ Backend = (*RedisBackend)(nil)

func redisRoleKey(role string) string {
	return redisKeyPrefix + "role:" + role
}

func redisUserKey(userID uuid.UUID) string {
	return redisKeyPrefix + "user:" + userID.String()
}

// GetRolePermissions implements Backend.
func (b *RedisBackend) GetRolePermissions(ctx context.Context, role string) (RolePermission, error) {
	fields, err := b.client.HGetAll(ctx, redisRoleKey(role)).Result()
	if err != nil {
		return RolePermission{}, redisUnavailable("get role", err)
	}
	return b.decodeRole(role, fields), nil
}

func (b *RedisBackend) decodeRole(role string, fields map[string]string) RolePermission {
	if len(fields) == 0 {
		return RolePermission{Role: role, AllowedFunctions: FunctionSet{}}
	}
	allowed, err := decodeFunctionList([]byte(fields[fieldAllowed]))
	if err != nil {
		b.logger.Warn("rbac role record", slog.String("role", role), slog.Any("error", err))
	}
	return RolePermission{
		Role:             role,
		AllowedFunctions: allowed,
		UpdatedAt:        parseRedisTime(fields[fieldUpdatedAt]),
		Exists:           true,
	}
}

// GetUserOverride implements Backend.
func (b *RedisBackend) GetUserOverride(ctx context.Context, userID uuid.UUID) (*UserOverride, error) {
	fields, err := b.client.HGetAll(ctx, redisUserKey(userID)).Result()
	if err != nil {
		return nil, redisUnavailable("get user override", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	enabled, err := strconv.ParseBool(fields[fieldEnabled])
	if err != nil {
		b.logger.Warn("rbac user override flag", slog.String("user_id", userID.String()), slog.Any("error", fmt.Errorf("%w: %v", ErrMalformedRecord, err)))
		enabled = false
	}
	allowed, err := decodeFunctionList([]byte(fields[fieldAllowed]))
	if err != nil {
		b.logger.Warn("rbac user override record", slog.String("user_id", userID.String()), slog.Any("error", err))
	}
	return &UserOverride{
		UserID:           userID,
		Enabled:          enabled,
		AllowedFunctions: allowed,
		UpdatedAt:        parseRedisTime(fields[fieldUpdatedAt]),
	}, nil
}

// PutRolePermissions implements Backend. The hash and the index are written
// in one MULTI/EXEC block.
func (b *RedisBackend) PutRolePermissions(ctx context.Context, role string, allowed FunctionSet) (RolePermission, error) {
	payload, err := encodeFunctionList(allowed)
	if err != nil {
		return RolePermission{}, err
	}
	now := b.now()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisRoleKey(role), fieldAllowed, string(payload), fieldUpdatedAt, now.Format(redisTimeLayout))
		pipe.SAdd(ctx, redisRoleIndex, role)
		return nil
	})
	if err != nil {
		return RolePermission{}, redisUnavailable("put role", err)
	}
	return RolePermission{Role: role, AllowedFunctions: allowed.Clone(), UpdatedAt: now, Exists: true}, nil
}

// PutUserOverride implements Backend.
func (b *RedisBackend) PutUserOverride(ctx context.Context, userID uuid.UUID, enabled bool, allowed FunctionSet) (UserOverride, error) {
	payload, err := encodeFunctionList(allowed)
	if err != nil {
		return UserOverride{}, err
	}
	now := b.now()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisUserKey(userID),
			fieldEnabled, strconv.FormatBool(enabled),
			fieldAllowed, string(payload),
			fieldUpdatedAt, now.Format(redisTimeLayout))
		return nil
	})
	if err != nil {
		return UserOverride{}, redisUnavailable("put user override", err)
	}
	return UserOverride{UserID: userID, Enabled: enabled, AllowedFunctions: allowed.Clone(), UpdatedAt: now}, nil
}

// DeleteUserOverride implements Backend.
func (b *RedisBackend) DeleteUserOverride(ctx context.Context, userID uuid.UUID) error {
	if err := b.client.Del(ctx, redisUserKey(userID)).Err(); err != nil {
		return redisUnavailable("delete user override", err)
	}
	return nil
}

// ListRolePermissions implements Backend.
func (b *RedisBackend) ListRolePermissions(ctx context.Context) ([]RolePermission, error) {
	roles, err := b.client.SMembers(ctx, redisRoleIndex).Result()
	if err != nil {
		return nil, redisUnavailable("list roles", err)
	}
	if len(roles) == 0 {
		return []RolePermission{}, nil
	}
	sort.Strings(roles)
	cmds := make([]*redis.MapStringStringCmd, len(roles))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, role := range roles {
			cmds[i] = pipe.HGetAll(ctx, redisRoleKey(role))
		}
		return nil
	})
	if err != nil {
		return nil, redisUnavailable("list roles", err)
	}
	out := make([]RolePermission, 0, len(roles))
	for i, role := range roles {
		rec := b.decodeRole(role, cmds[i].Val())
		if !rec.Exists {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func redisUnavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", ErrStoreUnavailable, op, err)
}

func parseRedisTime(raw string) time.Time {
	t, err := time.Parse(redisTimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
