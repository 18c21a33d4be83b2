package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how long a cached record is served without a reload.
	DefaultCacheTTL = 5 * time.Second
	// DefaultCacheMaxEntries bounds each of the role and user maps.
	DefaultCacheMaxEntries = 10000
)

// CacheOptions tunes Cache behaviour.
type CacheOptions struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *slog.Logger
	Metrics    *Metrics
	Clock      func() time.Time
}

// Cache holds time-bounded copies of role and user permission records.
// Reloads of the same key are coalesced; invalidation is immediate and wins
// over any reload that was already in flight.
type Cache struct {
	source  Reader
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	roles      *entryMap[string, RolePermission]
	users      *entryMap[uuid.UUID, *UserOverride]
	roleFlight singleflight.Group
	userFlight singleflight.Group
}

// NewCache constructs a Cache reading through source.
func NewCache(source Reader, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultCacheMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		source:  source,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
		roles:   newEntryMap[string, RolePermission](opts.MaxEntries),
		users:   newEntryMap[uuid.UUID, *UserOverride](opts.MaxEntries),
	}
}

// LookupRole returns the role's permission view. The returned set is shared
// and must not be modified.
func (c *Cache) LookupRole(ctx context.Context, role string) (RoleView, error) {
	role = NormalizeRole(role)
	if role == "" {
		return RoleView{AllowedFunctions: FunctionSet{}, FetchedAt: c.now()}, nil
	}
	res, err := lookupEntry(ctx, c, c.roles, &c.roleFlight, collectionRole, role, role,
		func(ctx context.Context) (RolePermission, error) {
			return c.source.GetRolePermissions(ctx, role)
		})
	if err != nil {
		return RoleView{Role: role}, err
	}
	allowed := res.value.AllowedFunctions
	if allowed == nil {
		allowed = FunctionSet{}
	}
	return RoleView{
		Role:             role,
		AllowedFunctions: allowed,
		Exists:           res.value.Exists,
		FetchedAt:        res.fetchedAt,
		Stale:            res.stale,
		Warning:          res.warning,
	}, nil
}

// LookupUser returns the user's override view. A nil user id yields an empty view.
func (c *Cache) LookupUser(ctx context.Context, userID uuid.UUID) (UserView, error) {
	if userID == uuid.Nil {
		return UserView{FetchedAt: c.now()}, nil
	}
	res, err := lookupEntry(ctx, c, c.users, &c.userFlight, collectionUser, userID, userID.String(),
		func(ctx context.Context) (*UserOverride, error) {
			return c.source.GetUserOverride(ctx, userID)
		})
	if err != nil {
		return UserView{UserID: userID}, err
	}
	return UserView{
		UserID:    userID,
		Override:  res.value,
		FetchedAt: res.fetchedAt,
		Stale:     res.stale,
		Warning:   res.warning,
	}, nil
}

// InvalidateRole drops the cached role record.
func (c *Cache) InvalidateRole(role string) {
	role = NormalizeRole(role)
	if role == "" {
		return
	}
	c.roles.invalidate(role)
	c.metrics.invalidated(collectionRole)
}

// InvalidateUser drops the cached override record.
func (c *Cache) InvalidateUser(userID uuid.UUID) {
	if userID == uuid.Nil {
		return
	}
	c.users.invalidate(userID)
	c.metrics.invalidated(collectionUser)
}

// InvalidateAll drops every cached record.
func (c *Cache) InvalidateAll() {
	c.roles.invalidateAll()
	c.users.invalidateAll()
	c.metrics.invalidated(collectionRole)
	c.metrics.invalidated(collectionUser)
}

// Len reports the number of cached roles and users.
func (c *Cache) Len() (roles, users int) {
	return c.roles.len(), c.users.len()
}

type lookupResult[V any] struct {
	value     V
	fetchedAt time.Time
	stale     bool
	warning   error
}

func lookupEntry[K comparable, V any](
	ctx context.Context,
	c *Cache,
	m *entryMap[K, V],
	group *singleflight.Group,
	collection string,
	key K,
	keyText string,
	load func(context.Context) (V, error),
) (lookupResult[V], error) {
	current, gen, ok := m.get(key)
	if ok && c.now().Sub(current.fetchedAt) < c.ttl {
		c.metrics.hit(collection)
		return lookupResult[V]{value: current.value, fetchedAt: current.fetchedAt}, nil
	}
	c.metrics.miss(collection)

	// The flight key carries the generation so lookups that begin after an
	// invalidation never join a reload that started before it.
	flightKey := fmt.Sprintf("%s#%d.%d", keyText, gen.epoch, gen.seq)
	ch := group.DoChan(flightKey, func() (interface{}, error) {
		started := m.begin(key)
		defer m.end(key)
		value, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		loaded := entry[V]{value: value, fetchedAt: c.now()}
		if m.storeIf(key, started, loaded) {
			c.metrics.evicted(collection, 1)
		}
		return loaded, nil
	})

	var err error
	select {
	case <-ctx.Done():
		// The caller gave up; the store is not at fault.
		return lookupResult[V]{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			loaded := res.Val.(entry[V])
			return lookupResult[V]{value: loaded.value, fetchedAt: loaded.fetchedAt}, nil
		}
		err = res.Err
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	c.metrics.reloadError(collection)

	// Invalidation removes the entry, so anything still present is the last
	// value the store confirmed.
	if last, found := m.peek(key); ok && found {
		c.metrics.staleServe(collection)
		c.logger.Warn("rbac serving stale permissions",
			slog.String("collection", collection),
			slog.String("key", keyText),
			slog.Time("fetched_at", last.fetchedAt),
			slog.Any("error", err))
		return lookupResult[V]{value: last.value, fetchedAt: last.fetchedAt, stale: true, warning: err}, nil
	}
	var zero lookupResult[V]
	return zero, err
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// stamp orders a reload against invalidations: epoch counts InvalidateAll
// calls and seq counts single-key invalidations.
type stamp struct {
	epoch uint64
	seq   uint64
}

// entryMap is a size-bounded map whose entries are replaced whole, so a
// reader sees either the previous complete entry or the next one. Entries are
// evicted oldest-stored first.
//
// Tombstones are kept only for keys with a reload in flight and dropped when
// the last such reload finishes, so bookkeeping never outgrows the number of
// concurrent reloads.
type entryMap[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  *simplelru.LRU[K, entry[V]]
	epoch    uint64
	seq      uint64
	inflight map[K]int
	tombs    map[K]uint64
}

func newEntryMap[K comparable, V any](max int) *entryMap[K, V] {
	if max <= 0 {
		max = DefaultCacheMaxEntries
	}
	entries, err := simplelru.NewLRU[K, entry[V]](max, nil)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &entryMap[K, V]{
		entries:  entries,
		inflight: make(map[K]int),
		tombs:    make(map[K]uint64),
	}
}

// get returns the cached entry and the key's current generation. Peek keeps
// the read path on the shared lock; recency only moves on store.
func (m *entryMap[K, V]) get(key K) (entry[V], stamp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries.Peek(key)
	return e, stamp{epoch: m.epoch, seq: m.tombs[key]}, ok
}

func (m *entryMap[K, V]) peek(key K) (entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Peek(key)
}

// begin registers a reload of key and returns the stamp it must still match
// when it stores.
func (m *entryMap[K, V]) begin(key K) stamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[key]++
	return stamp{epoch: m.epoch, seq: m.seq}
}

func (m *entryMap[K, V]) end(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[key] > 1 {
		m.inflight[key]--
		return
	}
	delete(m.inflight, key)
	delete(m.tombs, key)
}

// storeIf inserts e unless key was invalidated after s was taken. It reports
// whether another entry was evicted to make room.
func (m *entryMap[K, V]) storeIf(key K, s stamp, e entry[V]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != s.epoch || m.tombs[key] > s.seq {
		return false
	}
	return m.entries.Add(key, e)
}

func (m *entryMap[K, V]) invalidate(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
	m.seq++
	if m.inflight[key] > 0 {
		m.tombs[key] = m.seq
	}
}

func (m *entryMap[K, V]) invalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
	m.epoch++
}

func (m *entryMap[K, V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Len()
}

// pending reports reload registrations and tombstones still held.
func (m *entryMap[K, V]) pending() (inflight, tombstones int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inflight), len(m.tombs)
}
