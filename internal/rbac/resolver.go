package rbac

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// ResolverStore is the slow-path persistence port: consulted only on cache
// misses.
type ResolverStore interface {
	// EffectiveRoles returns the roles a user holds directly plus every
	// closure ancestor of those roles.
	EffectiveRoles(ctx context.Context, tenantID, userID int64) ([]EffectiveRole, error)
	// EffectivePermissions returns the deduplicated permissions across the
	// materialized view rows of the user's direct roles.
	EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error)
	// RolePermissions returns a role's materialized effective permissions.
	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	// RoleCode returns the unique code of a role.
	RoleCode(ctx context.Context, tenantID, roleID int64) (string, error)
}

// Resolver is the facade used at login and on every authorization check.
// Cache-aside: bundle from cache on hit; on miss the aggregated state is
// loaded from the store and cached. Concurrent misses for the same
// principal collapse into one load.
type Resolver struct {
	store  ResolverStore
	cache  *UserCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver constructs a Resolver. cache may be nil; resolution then
// always takes the slow path.
func NewResolver(store ResolverStore, cache *UserCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, logger: logger}
}

// ResolveUser returns the full bundle for a principal.
func (r *Resolver) ResolveUser(ctx context.Context, tenantID, userID int64) (UserBundle, error) {
	if bundle, ok := r.cache.GetUserBundle(ctx, tenantID, userID); ok {
		return bundle, nil
	}

	key := UserKey(tenantID, userID)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		bundle, err := r.buildBundle(ctx, tenantID, userID)
		if err != nil {
			return UserBundle{}, err
		}
		r.cache.SetUserBundle(ctx, bundle)
		return bundle, nil
	})
	select {
	case <-ctx.Done():
		return UserBundle{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return UserBundle{}, res.Err
		}
		return res.Val.(UserBundle), nil
	}
}

// EffectivePermissionsOf returns the deduplicated permission codes a user
// holds across its role set.
func (r *Resolver) EffectivePermissionsOf(ctx context.Context, userID int64) ([]string, error) {
	bundle, err := r.ResolveUser(ctx, shared.TenantFromContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return bundle.PermissionCodes, nil
}

// EffectiveRolesOf returns every role a user holds: direct assignments plus
// all closure ancestors of those roles.
func (r *Resolver) EffectiveRolesOf(ctx context.Context, userID int64) ([]EffectiveRole, error) {
	bundle, err := r.ResolveUser(ctx, shared.TenantFromContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return bundle.Roles, nil
}

// ResolveRole returns a role's materialized permission bundle, cache-aside.
func (r *Resolver) ResolveRole(ctx context.Context, tenantID, roleID int64) (RoleBundle, error) {
	if bundle, ok := r.cache.GetRoleBundle(ctx, tenantID, roleID); ok {
		return bundle, nil
	}
	code, err := r.store.RoleCode(ctx, tenantID, roleID)
	if err != nil {
		return RoleBundle{}, err
	}
	perms, err := r.store.RolePermissions(ctx, roleID)
	if err != nil {
		return RoleBundle{}, err
	}
	bundle := RoleBundle{
		RoleID:          roleID,
		TenantID:        tenantID,
		Code:            code,
		PermissionCodes: permissionCodes(perms, ""),
		CachedAt:        time.Now().UTC(),
	}
	r.cache.SetRoleBundle(ctx, bundle)
	return bundle, nil
}

func (r *Resolver) buildBundle(ctx context.Context, tenantID, userID int64) (UserBundle, error) {
	roles, err := r.store.EffectiveRoles(ctx, tenantID, userID)
	if err != nil {
		return UserBundle{}, err
	}
	perms, err := r.store.EffectivePermissions(ctx, userID)
	if err != nil {
		return UserBundle{}, err
	}

	bundle := UserBundle{
		UserID:          userID,
		TenantID:        tenantID,
		Roles:           roles,
		RoleCodes:       roleCodes(roles),
		PermissionCodes: permissionCodes(perms, ""),
		MenuCodes:       permissionCodes(perms, KindMenu),
		ButtonCodes:     permissionCodes(perms, KindButton),
		Routes:          permissionRoutes(perms),
		CachedAt:        time.Now().UTC(),
	}
	return bundle, nil
}

func roleCodes(roles []EffectiveRole) []string {
	codes := make([]string, 0, len(roles))
	for _, role := range roles {
		codes = append(codes, role.Code)
	}
	sort.Strings(codes)
	return codes
}

func permissionCodes(perms []Permission, kind string) []string {
	codes := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if kind != "" && p.Kind != kind {
			continue
		}
		if _, ok := seen[p.Code]; ok {
			continue
		}
		seen[p.Code] = struct{}{}
		codes = append(codes, p.Code)
	}
	sort.Strings(codes)
	return codes
}

func permissionRoutes(perms []Permission) []string {
	routes := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p.Kind != KindMenu || p.Route == "" {
			continue
		}
		if _, ok := seen[p.Route]; ok {
			continue
		}
		seen[p.Route] = struct{}{}
		routes = append(routes, p.Route)
	}
	sort.Strings(routes)
	return routes
}
