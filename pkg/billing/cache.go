package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis read-through cache for Get, the hot
// path behind seat admission checks. Mutations delegate to the inner store
// and invalidate the cached record after a successful commit; cache failures
// degrade to the inner store and are only logged.
type CachedStore struct {
	inner  Store
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// CacheOption configures a CachedStore.
type CacheOption func(*CachedStore)

// WithCacheTTL sets the cached record lifetime. Defaults to 5m.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the cache logger. Defaults to slog.Default().
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *CachedStore) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCachedStore wraps inner with a Redis read-through cache. Panics on nil
// inner store or client.
func NewCachedStore(inner Store, client redis.UniversalClient, opts ...CacheOption) *CachedStore {
	if inner == nil {
		panic("billing: inner Store is required")
	}
	if client == nil {
		panic("billing: redis client is required")
	}
	c := &CachedStore{
		inner:  inner,
		client: client,
		ttl:    5 * time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(tenantID uuid.UUID) string {
	return "billing:record:" + tenantID.String()
}

func (c *CachedStore) Get(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	key := cacheKey(tenantID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var record Record
		if err := json.Unmarshal(raw, &record); err == nil {
			return &record, nil
		}
		// Unreadable entry, drop it and fall through.
		c.client.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "billing cache read failed",
			slog.String("tenant_id", tenantID.String()),
			slog.Any("error", err),
		)
	}

	record, err := c.inner.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, record)
	return record, nil
}

func (c *CachedStore) set(ctx context.Context, record *Record) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(record.TenantID), raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "billing cache write failed",
			slog.String("tenant_id", record.TenantID.String()),
			slog.Any("error", err),
		)
	}
}

func (c *CachedStore) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if err := c.client.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
		c.logger.WarnContext(ctx, "billing cache invalidation failed",
			slog.String("tenant_id", tenantID.String()),
			slog.Any("error", err),
		)
	}
}

func (c *CachedStore) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	if err := c.inner.WithTenantLock(ctx, tenantID, fn); err != nil {
		return err
	}
	// Invalidate only after commit so readers never cache a rolled-back state.
	c.invalidate(ctx, tenantID)
	return nil
}

func (c *CachedStore) Create(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	record, err := c.inner.Create(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, tenantID)
	return record, nil
}

func (c *CachedStore) FindByProcessorCustomerID(ctx context.Context, customerID string) (*Record, error) {
	return c.inner.FindByProcessorCustomerID(ctx, customerID)
}

func (c *CachedStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Record, error) {
	return c.inner.ExpiringBetween(ctx, from, to)
}
