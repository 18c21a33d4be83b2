package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps permission records in process memory. It backs the
// development profile and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	roles map[string]RolePermission
	users map[uuid.UUID]UserOverride
	now   func() time.Time
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		roles: make(map[string]RolePermission),
		users: make(map[uuid.UUID]UserOverride),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ Backend = (*MemoryBackend)(nil)

// GetRolePermissions implements Backend.
func (m *MemoryBackend) GetRolePermissions(_ context.Context, role string) (RolePermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.roles[role]
	if !ok {
		return RolePermission{Role: role, AllowedFunctions: FunctionSet{}}, nil
	}
	rec.AllowedFunctions = rec.AllowedFunctions.Clone()
	return rec, nil
}

// GetUserOverride implements Backend.
func (m *MemoryBackend) GetUserOverride(_ context.Context, userID uuid.UUID) (*UserOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	rec.AllowedFunctions = rec.AllowedFunctions.Clone()
	return &rec, nil
}

// PutRolePermissions implements Backend.
func (m *MemoryBackend) PutRolePermissions(_ context.Context, role string, allowed FunctionSet) (RolePermission, error) {
	rec := RolePermission{Role: role, AllowedFunctions: allowed.Clone(), UpdatedAt: m.now(), Exists: true}
	m.mu.Lock()
	m.roles[role] = rec
	m.mu.Unlock()
	rec.AllowedFunctions = rec.AllowedFunctions.Clone()
	return rec, nil
}

// PutUserOverride implements Backend.
func (m *MemoryBackend) PutUserOverride(_ context.Context, userID uuid.UUID, enabled bool, allowed FunctionSet) (UserOverride, error) {
	rec := UserOverride{UserID: userID, Enabled: enabled, AllowedFunctions: allowed.Clone(), UpdatedAt: m.now()}
	m.mu.Lock()
	m.users[userID] = rec
	m.mu.Unlock()
	rec.AllowedFunctions = rec.AllowedFunctions.Clone()
	return rec, nil
}

// DeleteUserOverride implements Backend.
func (m *MemoryBackend) DeleteUserOverride(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
	return nil
}

// ListRolePermissions implements Backend.
func (m *MemoryBackend) ListRolePermissions(_ context.Context) ([]RolePermission, error) {
	m.mu.RLock()
	out := make([]RolePermission, 0, len(m.roles))
	for _, rec := range m.roles {
		rec.AllowedFunctions = rec.AllowedFunctions.Clone()
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}
