package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "rbac:user:"
	roleKeyPrefix = "rbac:role:"

	cacheOpTimeout = 3 * time.Second
)

// TaskEnqueuer schedules the delayed second delete on a background queue.
type TaskEnqueuer interface {
	EnqueueCacheEvict(ctx context.Context, keys []string, delay time.Duration) error
}

// UserCache is the distributed cache layer for principal and role bundles.
// Every operation degrades gracefully: a nil client or a Redis failure
// behaves like a cache miss, never an error to the caller. Invalidation
// uses delayed double-delete — delete now, then delete again after a
// configured delay, asynchronously — to bound the window where a concurrent
// read repopulates the cache from a stale snapshot. The TTL is the backstop.
type UserCache struct {
	client     *redis.Client
	ttl        time.Duration
	evictDelay time.Duration
	tasks      TaskEnqueuer
	logger     *slog.Logger
}

// NewUserCache constructs the cache layer. client and tasks may be nil.
func NewUserCache(client *redis.Client, ttl, evictDelay time.Duration, tasks TaskEnqueuer, logger *slog.Logger) *UserCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserCache{client: client, ttl: ttl, evictDelay: evictDelay, tasks: tasks, logger: logger}
}

// TTL returns the configured bundle lifetime.
func (c *UserCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// UserKey builds the cache key for a principal's bundle.
func UserKey(tenantID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", userKeyPrefix, tenantID, userID)
}

// RoleKey builds the cache key for a role's bundle.
func RoleKey(tenantID, roleID int64) string {
	return fmt.Sprintf("%s%d:%d", roleKeyPrefix, tenantID, roleID)
}

// GetUserBundle returns the cached bundle for a principal, if present.
func (c *UserCache) GetUserBundle(ctx context.Context, tenantID, userID int64) (UserBundle, bool) {
	var bundle UserBundle
	if !c.get(ctx, UserKey(tenantID, userID), &bundle) {
		return UserBundle{}, false
	}
	return bundle, true
}

// SetUserBundle stores a principal's bundle with the configured TTL.
func (c *UserCache) SetUserBundle(ctx context.Context, bundle UserBundle) {
	c.set(ctx, UserKey(bundle.TenantID, bundle.UserID), bundle)
}

// GetRoleBundle returns the cached bundle for a role, if present.
func (c *UserCache) GetRoleBundle(ctx context.Context, tenantID, roleID int64) (RoleBundle, bool) {
	var bundle RoleBundle
	if !c.get(ctx, RoleKey(tenantID, roleID), &bundle) {
		return RoleBundle{}, false
	}
	return bundle, true
}

// SetRoleBundle stores a role's bundle with the configured TTL.
func (c *UserCache) SetRoleBundle(ctx context.Context, bundle RoleBundle) {
	c.set(ctx, RoleKey(bundle.TenantID, bundle.RoleID), bundle)
}

// EvictUser invalidates a principal's bundle. Deleting an absent key is a
// success; the delayed second delete is fire-and-forget.
func (c *UserCache) EvictUser(ctx context.Context, tenantID, userID int64) error {
	return c.evict(ctx, UserKey(tenantID, userID))
}

// EvictRole invalidates a role's bundle.
func (c *UserCache) EvictRole(ctx context.Context, tenantID, roleID int64) error {
	return c.evict(ctx, RoleKey(tenantID, roleID))
}

// EvictAllUsers flushes every principal bundle. Escape hatch for bulk data
// migrations.
func (c *UserCache) EvictAllUsers(ctx context.Context) error {
	return c.evictPrefix(ctx, userKeyPrefix)
}

// EvictAllRoles flushes every role bundle.
func (c *UserCache) EvictAllRoles(ctx context.Context) error {
	return c.evictPrefix(ctx, roleKeyPrefix)
}

func (c *UserCache) get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		c.logger.Warn("cache decode", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func (c *UserCache) set(ctx context.Context, key string, value any) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode", slog.String("key", key), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *UserCache) evict(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	if err := c.client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("rbac: cache evict: %w", err)
	}
	c.scheduleSecondDelete(keys)
	return nil
}

// scheduleSecondDelete never blocks the invalidating request. Preferred
// transport is the job queue; without one an in-process timer covers the
// single-binary deployment.
func (c *UserCache) scheduleSecondDelete(keys []string) {
	if c.evictDelay <= 0 {
		return
	}
	if c.tasks != nil {
		err := c.tasks.EnqueueCacheEvict(context.Background(), keys, c.evictDelay)
		if err == nil {
			return
		}
		c.logger.Warn("enqueue delayed evict, falling back to timer", slog.Any("error", err))
	}
	client := c.client
	logger := c.logger
	time.AfterFunc(c.evictDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
		defer cancel()
		if err := client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
			logger.Warn("delayed cache evict", slog.Any("error", err))
		}
	})
}

func (c *UserCache) evictPrefix(ctx context.Context, prefix string) error {
	if c == nil || c.client == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("rbac: cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
				return fmt.Errorf("rbac: cache evict: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
