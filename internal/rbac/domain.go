package rbac

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FunctionSet is an unordered, duplicate-free set of function keys.
type FunctionSet map[string]struct{}

// NewFunctionSet builds a set from raw keys, trimming whitespace and dropping blanks.
func NewFunctionSet(keys ...string) FunctionSet {
	set := make(FunctionSet, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

// Has reports exact, case-sensitive membership.
func (s FunctionSet) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s[key]
	return ok
}

// Len returns the number of keys.
func (s FunctionSet) Len() int {
	return len(s)
}

// Sorted returns the keys in lexical order.
func (s FunctionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for key := range s {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s FunctionSet) Clone() FunctionSet {
	out := make(FunctionSet, len(s))
	for key := range s {
		out[key] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same keys.
func (s FunctionSet) Equal(other FunctionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for key := range s {
		if _, ok := other[key]; !ok {
			return false
		}
	}
	return true
}

// RolePermission is the default grant for every user holding Role.
// Exists is false when no record is stored for the role.
type RolePermission struct {
	Role             string
	AllowedFunctions FunctionSet
	UpdatedAt        time.Time
	Exists           bool
}

// UserOverride replaces the role grant for a single user when Enabled.
type UserOverride struct {
	UserID           uuid.UUID
	Enabled          bool
	AllowedFunctions FunctionSet
	UpdatedAt        time.Time
}

// RoleView is a cached snapshot of a role record.
type RoleView struct {
	Role             string
	AllowedFunctions FunctionSet
	Exists           bool
	FetchedAt        time.Time
	// Stale is set when the store failed and the last known value was served.
	Stale   bool
	Warning error
}

// UserView is a cached snapshot of a user's override state. Override is nil
// when the user has no override record.
type UserView struct {
	UserID    uuid.UUID
	Override  *UserOverride
	FetchedAt time.Time
	Stale     bool
	Warning   error
}

// NormalizeRole canonicalises a role name the way it is stored.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
