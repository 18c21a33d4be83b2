package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the Redis channel used to broadcast changes.
const DefaultInvalidationChannel = "authz.invalidate"

// CacheInvalidator is implemented by caches that can drop entries.
type CacheInvalidator interface {
	InvalidateRole(role string)
	InvalidateUser(userID uuid.UUID)
	InvalidateAll()
}

// LocalBroker synchronously invalidates every registered in-process cache.
type LocalBroker struct {
	mu     sync.RWMutex
	caches []CacheInvalidator
}

// NewLocalBroker constructs a broker fanning out to caches.
func NewLocalBroker(caches ...CacheInvalidator) *LocalBroker {
	return &LocalBroker{caches: append([]CacheInvalidator(nil), caches...)}
}

// Register adds a cache to the fan-out list.
func (b *LocalBroker) Register(cache CacheInvalidator) {
	if cache == nil {
		return
	}
	b.mu.Lock()
	b.caches = append(b.caches, cache)
	b.mu.Unlock()
}

// InvalidateRole drops role from every cache.
func (b *LocalBroker) InvalidateRole(_ context.Context, role string) error {
	b.each(func(c CacheInvalidator) { c.InvalidateRole(role) })
	return nil
}

// InvalidateUser drops userID from every cache.
func (b *LocalBroker) InvalidateUser(_ context.Context, userID uuid.UUID) error {
	b.each(func(c CacheInvalidator) { c.InvalidateUser(userID) })
	return nil
}

// InvalidateAll clears every cache.
func (b *LocalBroker) InvalidateAll(_ context.Context) error {
	b.each(func(c CacheInvalidator) { c.InvalidateAll() })
	return nil
}

func (b *LocalBroker) each(fn func(CacheInvalidator)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.caches {
		fn(c)
	}
}

// Event kinds carried by InvalidationEvent.
const (
	EventRole = "role"
	EventUser = "user"
	EventAll  = "all"
)

// InvalidationEvent is the broadcast payload.
type InvalidationEvent struct {
	Kind   string    `json:"kind"`
	Role   string    `json:"role,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// RedisBroker invalidates local caches and then publishes the change so other
// processes drop their copies. Until they receive it, other processes may
// serve the old record for at most their cache TTL.
type RedisBroker struct {
	local   *LocalBroker
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
	now     func() time.Time
}

// NewRedisBroker wires a broadcast broker around local.
func NewRedisBroker(client *redis.Client, local *LocalBroker, channel string, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	if local == nil {
		local = NewLocalBroker()
	}
	return &RedisBroker{
		local:   local,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Origin identifies this process in published events.
func (b *RedisBroker) Origin() string {
	return b.origin
}

// InvalidateRole drops role locally and broadcasts the change.
func (b *RedisBroker) InvalidateRole(ctx context.Context, role string) error {
	_ = b.local.InvalidateRole(ctx, role)
	return b.publish(ctx, InvalidationEvent{Kind: EventRole, Role: role})
}

// InvalidateUser drops userID locally and broadcasts the change.
func (b *RedisBroker) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	_ = b.local.InvalidateUser(ctx, userID)
	return b.publish(ctx, InvalidationEvent{Kind: EventUser, UserID: userID.String()})
}

// InvalidateAll clears local caches and broadcasts the change.
func (b *RedisBroker) InvalidateAll(ctx context.Context) error {
	_ = b.local.InvalidateAll(ctx)
	return b.publish(ctx, InvalidationEvent{Kind: EventAll})
}

func (b *RedisBroker) publish(ctx context.Context, ev InvalidationEvent) error {
	if b.client == nil {
		return nil
	}
	ev.Origin = b.origin
	ev.At = b.now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and applies events from other processes
// until ctx is cancelled. It returns once the subscription is confirmed.
func (b *RedisBroker) Listen(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe invalidation: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) apply(ctx context.Context, payload string) {
	var ev InvalidationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		// An unreadable event could name any key.
		b.logger.Warn("rbac invalidation payload", slog.Any("error", err))
		_ = b.local.InvalidateAll(ctx)
		return
	}
	if ev.Origin == b.origin {
		return
	}
	switch ev.Kind {
	case EventRole:
		_ = b.local.InvalidateRole(ctx, ev.Role)
	case EventUser:
		id, err := uuid.Parse(ev.UserID)
		if err != nil {
			b.logger.Warn("rbac invalidation user id", slog.String("user_id", ev.UserID), slog.Any("error", err))
			_ = b.local.InvalidateAll(ctx)
			return
		}
		_ = b.local.InvalidateUser(ctx, id)
	default:
		_ = b.local.InvalidateAll(ctx)
	}
}
