package roles

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/keystone-admin/keystone-admin/internal/hierarchy"
	"github.com/keystone-admin/keystone-admin/internal/rbac"
	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// GrantStore manages direct grants and the permission catalog.
type GrantStore interface {
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	DirectGrantIDs(ctx context.Context, roleID int64) ([]int64, error)
	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
	EnsurePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error)
}

// ViewRefresher cascades materialized-view refreshes after grant edits.
type ViewRefresher interface {
	CascadeGrantChange(ctx context.Context, roleID int64) error
}

// CacheEvictor invalidates cached bundles after grant edits.
type CacheEvictor interface {
	EvictRole(ctx context.Context, tenantID, roleID int64) error
	EvictAllUsers(ctx context.Context) error
	EvictAllRoles(ctx context.Context) error
}

// Service handles role management business logic on top of the hierarchy
// engine, the aggregator and the cache layer.
type Service struct {
	hierarchy *hierarchy.Service
	grants    GrantStore
	refresher ViewRefresher
	cache     CacheEvictor
	collator  *collate.Collator
	logger    *slog.Logger
}

// NewService builds Service instance.
func NewService(h *hierarchy.Service, grants GrantStore, refresher ViewRefresher, cache CacheEvictor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		hierarchy: h,
		grants:    grants,
		refresher: refresher,
		cache:     cache,
		collator:  collate.New(language.Und, collate.IgnoreCase),
		logger:    logger,
	}
}

// CreateRole creates a role under the given parent.
func (s *Service) CreateRole(ctx context.Context, input hierarchy.NewRole) (hierarchy.Role, error) {
	return s.hierarchy.InsertRole(ctx, input)
}

// UpdateRole updates a role, rebuilding the subtree on a parent change.
func (s *Service) UpdateRole(ctx context.Context, input hierarchy.RoleUpdate) (hierarchy.Role, error) {
	return s.hierarchy.UpdateRole(ctx, input)
}

// DeleteRoles deletes roles without children.
func (s *Service) DeleteRoles(ctx context.Context, ids []int64) error {
	return s.hierarchy.DeleteRoleByIDs(ctx, ids)
}

// GetRole fetches one role.
func (s *Service) GetRole(ctx context.Context, id int64) (hierarchy.Role, error) {
	return s.hierarchy.GetRole(ctx, id)
}

// TopLevelRoles returns the tenant's root roles sorted by display name.
func (s *Service) TopLevelRoles(ctx context.Context) ([]hierarchy.Role, error) {
	roles, err := s.hierarchy.SelectTopLevelRoles(ctx)
	if err != nil {
		return nil, err
	}
	s.sortByName(roles)
	return roles, nil
}

// ChildRoles returns a role's direct children sorted by display name.
func (s *Service) ChildRoles(ctx context.Context, roleID int64) ([]hierarchy.Role, error) {
	roles, err := s.hierarchy.SelectDirectChildRoles(ctx, roleID)
	if err != nil {
		return nil, err
	}
	s.sortByName(roles)
	return roles, nil
}

// AncestorRoles returns a role's proper ancestors, nearest first.
func (s *Service) AncestorRoles(ctx context.Context, roleID int64) ([]hierarchy.Role, error) {
	return s.hierarchy.SelectAncestorRoles(ctx, roleID)
}

// DescendantRoles returns a role's proper descendants in breadth-first order.
func (s *Service) DescendantRoles(ctx context.Context, roleID int64) ([]hierarchy.Role, error) {
	return s.hierarchy.SelectDescendantRoles(ctx, roleID)
}

// CheckCircularDependency validates a proposed parent assignment.
func (s *Service) CheckCircularDependency(ctx context.Context, roleID, parentID int64) error {
	return s.hierarchy.CheckCircularDependency(ctx, roleID, parentID)
}

// RefreshHierarchy rebuilds closure rows and permission views for a subtree.
func (s *Service) RefreshHierarchy(ctx context.Context, roleID int64) error {
	return s.hierarchy.RefreshRoleHierarchy(ctx, roleID)
}

// SetRolePermissions replaces a role's direct grants, cascades the
// materialized view refresh to the role and its descendants, and evicts
// every affected role bundle. User bundles are evicted at the assignment
// call sites; otherwise TTL expiry bounds staleness.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := s.grants.ReplaceRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	if err := s.refresher.CascadeGrantChange(ctx, roleID); err != nil {
		return err
	}
	s.evictSubtree(ctx, roleID)
	return nil
}

// RolePermissionIDs returns a role's direct grant ids.
func (s *Service) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return s.grants.DirectGrantIDs(ctx, roleID)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return s.grants.ListPermissions(ctx)
}

// EnsurePermission upserts a catalog entry.
func (s *Service) EnsurePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	return s.grants.EnsurePermission(ctx, p)
}

// EvictRoleCache drops one role bundle from the cache.
func (s *Service) EvictRoleCache(ctx context.Context, roleID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.EvictRole(ctx, shared.TenantFromContext(ctx), roleID)
}

// FlushRoleCaches drops every role bundle. Escape hatch after bulk migrations.
func (s *Service) FlushRoleCaches(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.EvictAllRoles(ctx)
}

// FlushUserCaches drops every principal bundle.
func (s *Service) FlushUserCaches(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.EvictAllUsers(ctx)
}

func (s *Service) evictSubtree(ctx context.Context, roleID int64) {
	if s.cache == nil {
		return
	}
	tenantID := shared.TenantFromContext(ctx)
	if err := s.cache.EvictRole(ctx, tenantID, roleID); err != nil {
		s.logger.Warn("evict role cache", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
	descendants, err := s.hierarchy.SelectDescendantRoles(ctx, roleID)
	if err != nil {
		s.logger.Warn("list descendants for eviction", slog.Int64("role_id", roleID), slog.Any("error", err))
		return
	}
	for _, d := range descendants {
		if err := s.cache.EvictRole(ctx, tenantID, d.ID); err != nil {
			s.logger.Warn("evict role cache", slog.Int64("role_id", d.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) sortByName(roles []hierarchy.Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		if c := s.collator.CompareString(roles[i].Name, roles[j].Name); c != 0 {
			return c < 0
		}
		return roles[i].ID < roles[j].ID
	})
}
