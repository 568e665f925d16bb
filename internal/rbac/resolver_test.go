package rbac

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

type mockResolverStore struct {
	roles     map[int64][]EffectiveRole
	perms     map[int64][]Permission
	rolePerms map[int64][]Permission
	roleCodes map[int64]string

	roleCalls int32
	permCalls int32
	gate      chan struct{} // when set, EffectiveRoles blocks until closed
}

func (m *mockResolverStore) EffectiveRoles(ctx context.Context, tenantID, userID int64) ([]EffectiveRole, error) {
	atomic.AddInt32(&m.roleCalls, 1)
	if m.gate != nil {
		<-m.gate
	}
	return m.roles[userID], nil
}

func (m *mockResolverStore) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	atomic.AddInt32(&m.permCalls, 1)
	return m.perms[userID], nil
}

func (m *mockResolverStore) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return m.rolePerms[roleID], nil
}

func (m *mockResolverStore) RoleCode(ctx context.Context, tenantID, roleID int64) (string, error) {
	code, ok := m.roleCodes[roleID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return code, nil
}

func testPermissions() []Permission {
	return []Permission{
		{ID: 1, Code: "system:role:list", Name: "List roles", Kind: KindAPI},
		{ID: 2, Code: "menu:system", Name: "System menu", Kind: KindMenu, Route: "/system"},
		{ID: 3, Code: "menu:system:roles", Name: "Roles menu", Kind: KindMenu, Route: "/system/roles"},
		{ID: 4, Code: "btn:role:add", Name: "Add role", Kind: KindButton},
		// Duplicate code across roles collapses once.
		{ID: 1, Code: "system:role:list", Name: "List roles", Kind: KindAPI},
	}
}

func TestResolveUserBuildsAndCachesBundle(t *testing.T) {
	store := &mockResolverStore{
		roles: map[int64][]EffectiveRole{
			42: {
				{ID: 10, Code: "ops", Name: "Operations", Direct: true},
				{ID: 1, Code: "admin", Name: "Administrator", Direct: false},
			},
		},
		perms: map[int64][]Permission{42: testPermissions()},
	}
	cache, _ := newTestCache(t, time.Minute, 0, nil)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	bundle, err := resolver.ResolveUser(ctx, 1, 42)
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "ops"}, bundle.RoleCodes)
	require.Equal(t, []string{"btn:role:add", "menu:system", "menu:system:roles", "system:role:list"}, bundle.PermissionCodes)
	require.Equal(t, []string{"menu:system", "menu:system:roles"}, bundle.MenuCodes)
	require.Equal(t, []string{"btn:role:add"}, bundle.ButtonCodes)
	require.Equal(t, []string{"/system", "/system/roles"}, bundle.Routes)
	require.False(t, bundle.CachedAt.IsZero())

	// Second resolution hits the cache.
	_, err = resolver.ResolveUser(ctx, 1, 42)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&store.roleCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&store.permCalls))
}

func TestResolveUserCollapsesConcurrentMisses(t *testing.T) {
	store := &mockResolverStore{
		roles: map[int64][]EffectiveRole{42: {{ID: 10, Code: "ops", Direct: true}}},
		perms: map[int64][]Permission{42: testPermissions()},
		gate:  make(chan struct{}),
	}
	cache, _ := newTestCache(t, time.Minute, 0, nil)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	const readers = 8
	var wg sync.WaitGroup
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = resolver.ResolveUser(ctx, 1, 42)
		}(i)
	}

	// Let every reader miss the cache and pile onto the flight group, then
	// release the single loader.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&store.roleCalls) == 1
	}, time.Second, 5*time.Millisecond)
	close(store.gate)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&store.roleCalls))
}

func TestResolveUserWithoutCacheTakesSlowPath(t *testing.T) {
	store := &mockResolverStore{
		roles: map[int64][]EffectiveRole{42: {{ID: 10, Code: "ops", Direct: true}}},
		perms: map[int64][]Permission{42: testPermissions()},
	}
	resolver := NewResolver(store, nil, nil)
	ctx := context.Background()

	_, err := resolver.ResolveUser(ctx, 1, 42)
	require.NoError(t, err)
	_, err = resolver.ResolveUser(ctx, 1, 42)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&store.roleCalls))
}

func TestResolveUserHonorsContextCancellation(t *testing.T) {
	store := &mockResolverStore{
		roles: map[int64][]EffectiveRole{42: {{ID: 10, Code: "ops", Direct: true}}},
		perms: map[int64][]Permission{42: nil},
		gate:  make(chan struct{}),
	}
	defer close(store.gate)
	cache, _ := newTestCache(t, time.Minute, 0, nil)
	resolver := NewResolver(store, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := resolver.ResolveUser(ctx, 1, 42)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&store.roleCalls) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEffectivePermissionsOfUsesTenantFromContext(t *testing.T) {
	store := &mockResolverStore{
		roles: map[int64][]EffectiveRole{42: {{ID: 10, Code: "ops", Direct: true}}},
		perms: map[int64][]Permission{42: testPermissions()},
	}
	cache, _ := newTestCache(t, time.Minute, 0, nil)
	resolver := NewResolver(store, cache, nil)

	ctx := shared.ContextWithPrincipal(context.Background(), shared.Principal{UserID: 42, TenantID: 3})
	codes, err := resolver.EffectivePermissionsOf(ctx, 42)
	require.NoError(t, err)
	require.Contains(t, codes, "system:role:list")

	// Bundle landed under tenant 3.
	_, ok := cache.GetUserBundle(ctx, 3, 42)
	require.True(t, ok)
	_, ok = cache.GetUserBundle(ctx, 1, 42)
	require.False(t, ok)
}

func TestResolveRoleCacheAside(t *testing.T) {
	store := &mockResolverStore{
		rolePerms: map[int64][]Permission{7: testPermissions()},
		roleCodes: map[int64]string{7: "ops"},
	}
	cache, _ := newTestCache(t, time.Minute, 0, nil)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	bundle, err := resolver.ResolveRole(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, "ops", bundle.Code)
	require.Equal(t, []string{"btn:role:add", "menu:system", "menu:system:roles", "system:role:list"}, bundle.PermissionCodes)

	// Cached copy survives a store wipe.
	store.roleCodes = map[int64]string{}
	bundle, err = resolver.ResolveRole(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, "ops", bundle.Code)
}

func TestResolveRoleUnknownRole(t *testing.T) {
	store := &mockResolverStore{roleCodes: map[int64]string{}}
	resolver := NewResolver(store, nil, nil)
	_, err := resolver.ResolveRole(context.Background(), 1, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
