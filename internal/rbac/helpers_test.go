package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is a fully wired single-process engine over a memory backend.
type stack struct {
	backend *MemoryBackend
	broker  *LocalBroker
	store   *Store
	cache   *Cache
	engine  *Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	backend := NewMemoryBackend()
	broker := NewLocalBroker()
	store := NewStore(backend, broker, StoreOptions{Logger: discardLogger()})
	cache := NewCache(store, CacheOptions{TTL: time.Minute, Logger: discardLogger()})
	broker.Register(cache)
	return &stack{
		backend: backend,
		broker:  broker,
		store:   store,
		cache:   cache,
		engine:  NewEngine(cache, discardLogger(), nil),
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBackendDown = errors.New("connection refused")

// stubReader is a Reader whose answers and failures are controlled by tests.
type stubReader struct {
	mu        sync.Mutex
	roles     map[string]FunctionSet
	overrides map[uuid.UUID]*UserOverride
	fail      bool
	gate      chan struct{}
	started   chan struct{}

	roleCalls atomic.Int32
	userCalls atomic.Int32
}

func newStubReader() *stubReader {
	return &stubReader{
		roles:     make(map[string]FunctionSet),
		overrides: make(map[uuid.UUID]*UserOverride),
	}
}

func (s *stubReader) setRole(role string, keys ...string) {
	s.mu.Lock()
	s.roles[role] = NewFunctionSet(keys...)
	s.mu.Unlock()
}

func (s *stubReader) setOverride(userID uuid.UUID, enabled bool, keys ...string) {
	s.mu.Lock()
	s.overrides[userID] = &UserOverride{UserID: userID, Enabled: enabled, AllowedFunctions: NewFunctionSet(keys...)}
	s.mu.Unlock()
}

func (s *stubReader) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// block makes the next loads wait until release is called.
func (s *stubReader) block() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.started = make(chan struct{}, 16)
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *stubReader) wait() {
	s.mu.Lock()
	gate, started := s.gate, s.started
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
}

func (s *stubReader) GetRolePermissions(_ context.Context, role string) (RolePermission, error) {
	s.roleCalls.Add(1)
	s.mu.Lock()
	fail := s.fail
	set, ok := s.roles[role]
	s.mu.Unlock()
	// The record is read before blocking so a held load returns what was
	// stored when it began.
	s.wait()
	if fail {
		return RolePermission{}, errBackendDown
	}
	if !ok {
		return RolePermission{Role: role, AllowedFunctions: FunctionSet{}}, nil
	}
	return RolePermission{Role: role, AllowedFunctions: set.Clone(), Exists: true}, nil
}

func (s *stubReader) GetUserOverride(_ context.Context, userID uuid.UUID) (*UserOverride, error) {
	s.userCalls.Add(1)
	s.mu.Lock()
	fail := s.fail
	rec, ok := s.overrides[userID]
	s.mu.Unlock()
	s.wait()
	if fail {
		return nil, errBackendDown
	}
	if !ok {
		return nil, nil
	}
	out := *rec
	out.AllowedFunctions = rec.AllowedFunctions.Clone()
	return &out, nil
}
