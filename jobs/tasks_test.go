package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

func TestCacheEvictTaskRoundTrip(t *testing.T) {
	task, err := NewCacheEvictTask(CacheEvictPayload{Keys: []string{"rbac:user:1:42", "rbac:role:1:7"}})
	require.NoError(t, err)
	require.Equal(t, TaskTypeCacheEvict, task.Type())

	var payload CacheEvictPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, []string{"rbac:user:1:42", "rbac:role:1:7"}, payload.Keys)
}

func TestCacheEvictHandlerDeletesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, mr.Set("rbac:user:1:42", "stale"))
	require.NoError(t, mr.Set("rbac:user:1:43", "keep"))

	task, err := NewCacheEvictTask(CacheEvictPayload{Keys: []string{"rbac:user:1:42", "rbac:user:1:999"}})
	require.NoError(t, err)

	handler := NewCacheEvictHandler(client, nil)
	require.NoError(t, handler(context.Background(), task))
	require.False(t, mr.Exists("rbac:user:1:42"))
	require.True(t, mr.Exists("rbac:user:1:43"))
}

func TestCacheEvictHandlerSkipsRetryOnBadPayload(t *testing.T) {
	handler := NewCacheEvictHandler(nil, nil)
	err := handler(context.Background(), asynq.NewTask(TaskTypeCacheEvict, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCacheEvictHandlerNilClient(t *testing.T) {
	task, err := NewCacheEvictTask(CacheEvictPayload{Keys: []string{"rbac:user:1:42"}})
	require.NoError(t, err)
	handler := NewCacheEvictHandler(nil, nil)
	require.NoError(t, handler(context.Background(), task))
}

type fakeRefresher struct {
	refreshed []int64
	tenants   []int64
	err       error
}

func (f *fakeRefresher) RefreshRoleHierarchy(ctx context.Context, roleID int64) error {
	if f.err != nil {
		return f.err
	}
	f.refreshed = append(f.refreshed, roleID)
	f.tenants = append(f.tenants, shared.TenantFromContext(ctx))
	return nil
}

func TestHierarchyRefreshHandler(t *testing.T) {
	refresher := &fakeRefresher{}
	task, err := NewHierarchyRefreshTask(HierarchyRefreshPayload{RoleID: 10, TenantID: 3})
	require.NoError(t, err)

	handler := NewHierarchyRefreshHandler(refresher, nil)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, []int64{10}, refresher.refreshed)
	require.Equal(t, []int64{3}, refresher.tenants)
}

func TestHierarchyRefreshHandlerPropagatesError(t *testing.T) {
	wantErr := errors.New("rebuild failed")
	refresher := &fakeRefresher{err: wantErr}
	task, err := NewHierarchyRefreshTask(HierarchyRefreshPayload{RoleID: 10})
	require.NoError(t, err)

	handler := NewHierarchyRefreshHandler(refresher, nil)
	require.ErrorIs(t, handler(context.Background(), task), wantErr)
}

func TestHierarchyRefreshHandlerSkipsRetryOnBadPayload(t *testing.T) {
	handler := NewHierarchyRefreshHandler(&fakeRefresher{}, nil)
	err := handler(context.Background(), asynq.NewTask(TaskTypeHierarchyRefresh, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestClientEnqueueCacheEvict(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	err = client.EnqueueCacheEvict(context.Background(), []string{"rbac:user:1:42"}, 2*time.Second)
	require.NoError(t, err)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = inspector.Close() })
	tasks, err := inspector.ListScheduledTasks(QueueDefault)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, TaskTypeCacheEvict, tasks[0].Type)
}
