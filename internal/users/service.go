package users

import (
	"context"
	"log/slog"

	"github.com/keystone-admin/keystone-admin/internal/rbac"
	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, tenantID int64) ([]User, error)
	GetUser(ctx context.Context, tenantID, id int64) (User, error)
	DirectRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
}

// BundleResolver resolves effective roles and permissions for a principal.
type BundleResolver interface {
	ResolveUser(ctx context.Context, tenantID, userID int64) (rbac.UserBundle, error)
	EffectiveRolesOf(ctx context.Context, userID int64) ([]rbac.EffectiveRole, error)
	EffectivePermissionsOf(ctx context.Context, userID int64) ([]string, error)
}

// CacheEvictor invalidates principal bundles.
type CacheEvictor interface {
	EvictUser(ctx context.Context, tenantID, userID int64) error
	EvictAllUsers(ctx context.Context) error
}

// Service handles user management and is the main eviction call site for
// principal bundles: any role reassignment invalidates the user's cache.
type Service struct {
	repo     RepositoryPort
	resolver BundleResolver
	cache    CacheEvictor
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, resolver BundleResolver, cache CacheEvictor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, cache: cache, logger: logger}
}

// ListUsers returns the tenant's users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx, shared.TenantFromContext(ctx))
}

// GetUser fetches one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, shared.TenantFromContext(ctx), id)
}

// DirectRoleIDs returns the roles assigned directly to a user.
func (s *Service) DirectRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.repo.DirectRoleIDs(ctx, userID)
}

// AssignRoles replaces a user's direct role assignments and evicts the
// user's cached bundle so the next resolution sees the new role set.
func (s *Service) AssignRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	if _, err := s.repo.GetUser(ctx, shared.TenantFromContext(ctx), userID); err != nil {
		return err
	}
	if err := s.repo.ReplaceUserRoles(ctx, userID, roleIDs); err != nil {
		return err
	}
	s.evict(ctx, userID)
	return nil
}

// ResolveUser returns the user's full permission bundle.
func (s *Service) ResolveUser(ctx context.Context, userID int64) (rbac.UserBundle, error) {
	return s.resolver.ResolveUser(ctx, shared.TenantFromContext(ctx), userID)
}

// EffectiveRoles returns the user's direct and inherited roles.
func (s *Service) EffectiveRoles(ctx context.Context, userID int64) ([]rbac.EffectiveRole, error) {
	return s.resolver.EffectiveRolesOf(ctx, userID)
}

// EffectivePermissions returns the user's deduplicated permission codes.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return s.resolver.EffectivePermissionsOf(ctx, userID)
}

// EvictUserCache drops one principal bundle. Called by business operations
// that change role or permission data out of band (password reset, role
// reassignment, permission edit).
func (s *Service) EvictUserCache(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.EvictUser(ctx, shared.TenantFromContext(ctx), userID)
}

// FlushUserCaches drops every principal bundle. Escape hatch after bulk
// migrations.
func (s *Service) FlushUserCaches(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.EvictAllUsers(ctx)
}

func (s *Service) evict(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.EvictUser(ctx, shared.TenantFromContext(ctx), userID); err != nil {
		s.logger.Warn("evict user cache", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
