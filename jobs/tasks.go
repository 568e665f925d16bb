package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeCacheEvict is the task type for the delayed second cache delete.
	TaskTypeCacheEvict = "cache:evict"
	// TaskTypeHierarchyRefresh is the task type for asynchronous subtree rebuilds.
	TaskTypeHierarchyRefresh = "hierarchy:refresh"
)

// CacheEvictPayload lists the cache keys to delete again after the delay.
type CacheEvictPayload struct {
	Keys []string `json:"keys"`
}

// NewCacheEvictTask constructs the delayed-evict task.
func NewCacheEvictTask(payload CacheEvictPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCacheEvict, data), nil
}

// NewCacheEvictHandler processes TaskTypeCacheEvict tasks: the second half of
// the delayed double-delete. Deleting absent keys is a success.
func NewCacheEvictHandler(rdb *redis.Client, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CacheEvictPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if rdb == nil || len(payload.Keys) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Del(ctx, payload.Keys...).Err(); err != nil && err != redis.Nil {
			return err
		}
		if logger != nil {
			logger.Debug("delayed cache evict", slog.Int("keys", len(payload.Keys)))
		}
		return nil
	}
}

// HierarchyRefreshPayload identifies the subtree to rebuild.
type HierarchyRefreshPayload struct {
	RoleID   int64 `json:"roleId"`
	TenantID int64 `json:"tenantId"`
}

// HierarchyRefresher rebuilds closure rows and permission views for a subtree.
type HierarchyRefresher interface {
	RefreshRoleHierarchy(ctx context.Context, roleID int64) error
}

// NewHierarchyRefreshTask constructs the subtree rebuild task.
func NewHierarchyRefreshTask(payload HierarchyRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeHierarchyRefresh, data), nil
}

// NewHierarchyRefreshHandler processes TaskTypeHierarchyRefresh tasks. The
// rebuild itself is idempotent, so retries are safe.
func NewHierarchyRefreshHandler(refresher HierarchyRefresher, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload HierarchyRefreshPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.TenantID > 0 {
			ctx = shared.ContextWithPrincipal(ctx, shared.Principal{TenantID: payload.TenantID})
		}
		if err := refresher.RefreshRoleHierarchy(ctx, payload.RoleID); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("hierarchy refreshed", slog.Int64("role_id", payload.RoleID))
		}
		return nil
	}
}
