package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// Store is the persistence port for the role tree.
type Store interface {
	GetRole(ctx context.Context, tenantID, id int64) (Role, error)
	AncestorRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error)
	DescendantRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error)
	DirectChildRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error)
	TopLevelRoles(ctx context.Context, tenantID int64) ([]Role, error)

	// InStructuralTx runs fn inside one transaction holding the tenant's
	// hierarchy lock. All structural writes go through it.
	InStructuralTx(ctx context.Context, tenantID int64, fn func(StructuralTx) error) error
}

// StructuralTx exposes the write primitives available inside a structural edit.
type StructuralTx interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRoleRow(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id int64) error
	HasChildren(ctx context.Context, id int64) (bool, error)

	// ClosureOf returns the closure rows whose descendant is roleID,
	// self-row included, ordered by distance.
	ClosureOf(ctx context.Context, roleID int64) ([]ClosureRow, error)
	// DescendantRolesOf returns the proper descendants of roleID ordered by
	// closure distance (breadth-first levels).
	DescendantRolesOf(ctx context.Context, roleID int64) ([]Role, error)
	// ApplyPlacements updates role_path/role_level for the planned nodes.
	ApplyPlacements(ctx context.Context, placements []NodePlacement) error
	// ReplaceSubtreeClosure deletes every closure row whose descendant is in
	// roleIDs and inserts the replacement rows.
	ReplaceSubtreeClosure(ctx context.Context, roleIDs []int64, rows []ClosureRow) error
	// DeleteClosureFor removes all closure rows referencing roleID on either side.
	DeleteClosureFor(ctx context.Context, roleID int64) error

	// RefreshPermissionView rebuilds the materialized inherited-permission
	// rows for roleID from its closure and direct grants.
	RefreshPermissionView(ctx context.Context, roleID int64) error
	// DeletePermissionRows drops the role's direct grants and view rows.
	DeletePermissionRows(ctx context.Context, roleID int64) error
}

// CacheInvalidator evicts cached permission bundles after structural edits.
// Optional: a nil invalidator means eviction falls back to TTL expiry.
type CacheInvalidator interface {
	EvictRole(ctx context.Context, tenantID, roleID int64) error
}

// Auditor records structural edits. Optional.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates structural edits and closure queries on the role tree.
type Service struct {
	store  Store
	cache  CacheInvalidator
	audit  Auditor
	logger *slog.Logger
}

// NewService constructs a hierarchy Service.
func NewService(store Store, cache CacheInvalidator, audit Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, audit: audit, logger: logger}
}

// InsertRole creates a role under the given parent (or as a root) and
// materializes its closure rows and permission view in one transaction.
func (s *Service) InsertRole(ctx context.Context, input NewRole) (Role, error) {
	tenantID := s.tenant(ctx, input.TenantID)
	input.Code = strings.TrimSpace(input.Code)
	input.Name = strings.TrimSpace(input.Name)
	if input.Code == "" || input.Name == "" {
		return Role{}, fmt.Errorf("hierarchy: role code and name required")
	}

	var created Role
	err := s.store.InStructuralTx(ctx, tenantID, func(tx StructuralTx) error {
		var parent *Role
		var parentClosure []ClosureRow
		if input.ParentRoleID != nil {
			p, err := tx.GetRole(ctx, *input.ParentRoleID)
			if err != nil {
				return fmt.Errorf("hierarchy: load parent %d: %w", *input.ParentRoleID, err)
			}
			rows, err := tx.ClosureOf(ctx, p.ID)
			if err != nil {
				return err
			}
			parent = &p
			parentClosure = rows
		}

		role, err := tx.InsertRole(ctx, Role{
			TenantID:      tenantID,
			Code:          input.Code,
			Name:          input.Name,
			ParentRoleID:  input.ParentRoleID,
			IsInheritable: input.IsInheritable,
		})
		if err != nil {
			return err
		}

		plan, err := PlanRebuild(RebuildInput{Root: role, NewParent: parent, ParentClosure: parentClosure})
		if err != nil {
			return err
		}
		if err := tx.ApplyPlacements(ctx, plan.Placements); err != nil {
			return err
		}
		if err := tx.ReplaceSubtreeClosure(ctx, plan.RoleIDs(), plan.ClosureRows); err != nil {
			return err
		}
		if err := tx.RefreshPermissionView(ctx, role.ID); err != nil {
			return err
		}
		role.RolePath = plan.Placements[0].RolePath
		role.RoleLevel = plan.Placements[0].RoleLevel
		created = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	s.invalidate(ctx, tenantID, created.ID)
	s.record(ctx, "role.create", created.ID, map[string]any{"code": created.Code, "parent": input.ParentRoleID})
	return created, nil
}

// UpdateRole changes a role's fields. A parent change rebuilds the closure
// rows and permission views for the role and every descendant; the cycle
// guard runs inside the same transaction as the write.
func (s *Service) UpdateRole(ctx context.Context, input RoleUpdate) (Role, error) {
	tenantID := s.tenant(ctx, 0)
	input.Code = strings.TrimSpace(input.Code)
	input.Name = strings.TrimSpace(input.Name)
	if input.Code == "" || input.Name == "" {
		return Role{}, fmt.Errorf("hierarchy: role code and name required")
	}

	var updated Role
	var affected []int64
	err := s.store.InStructuralTx(ctx, tenantID, func(tx StructuralTx) error {
		role, err := tx.GetRole(ctx, input.ID)
		if err != nil {
			return err
		}

		var parent *Role
		var parentClosure []ClosureRow
		if input.ParentRoleID != nil {
			p, err := tx.GetRole(ctx, *input.ParentRoleID)
			if err != nil {
				return fmt.Errorf("hierarchy: load parent %d: %w", *input.ParentRoleID, err)
			}
			rows, err := tx.ClosureOf(ctx, p.ID)
			if err != nil {
				return err
			}
			if WouldCreateCycle(role.ID, p.ID, closureAncestorIDs(rows)) {
				return fmt.Errorf("hierarchy: role %d under %d: %w", role.ID, p.ID, shared.ErrCircularHierarchy)
			}
			parent = &p
			parentClosure = rows
		}

		parentChanged := !sameParent(role.ParentRoleID, input.ParentRoleID)
		role.Code = input.Code
		role.Name = input.Name
		role.IsInheritable = input.IsInheritable
		role.ParentRoleID = input.ParentRoleID

		if !parentChanged {
			if err := tx.UpdateRoleRow(ctx, role); err != nil {
				return err
			}
			// An inheritability flip changes every descendant's view.
			descendants, err := tx.DescendantRolesOf(ctx, role.ID)
			if err != nil {
				return err
			}
			affected = append(affected, role.ID)
			for _, d := range descendants {
				affected = append(affected, d.ID)
			}
			for _, id := range affected {
				if err := tx.RefreshPermissionView(ctx, id); err != nil {
					return err
				}
			}
			updated = role
			return nil
		}

		// Descendant list must be captured before closure rows are replaced.
		descendants, err := tx.DescendantRolesOf(ctx, role.ID)
		if err != nil {
			return err
		}
		plan, err := PlanRebuild(RebuildInput{
			Root:          role,
			NewParent:     parent,
			ParentClosure: parentClosure,
			Descendants:   descendants,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateRoleRow(ctx, role); err != nil {
			return err
		}
		if err := tx.ApplyPlacements(ctx, plan.Placements); err != nil {
			return err
		}
		affected = plan.RoleIDs()
		if err := tx.ReplaceSubtreeClosure(ctx, affected, plan.ClosureRows); err != nil {
			return err
		}
		for _, id := range affected {
			if err := tx.RefreshPermissionView(ctx, id); err != nil {
				return err
			}
		}
		role.RolePath = plan.Placements[0].RolePath
		role.RoleLevel = plan.Placements[0].RoleLevel
		updated = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	for _, id := range affected {
		s.invalidate(ctx, tenantID, id)
	}
	s.record(ctx, "role.update", updated.ID, map[string]any{"code": updated.Code, "parent": input.ParentRoleID, "affected": len(affected)})
	return updated, nil
}

// DeleteRoleByIDs removes roles that have no direct children, along with
// their closure rows, direct grants and view rows.
func (s *Service) DeleteRoleByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tenantID := s.tenant(ctx, 0)
	err := s.store.InStructuralTx(ctx, tenantID, func(tx StructuralTx) error {
		for _, id := range ids {
			hasChildren, err := tx.HasChildren(ctx, id)
			if err != nil {
				return err
			}
			if hasChildren {
				return fmt.Errorf("hierarchy: role %d: %w", id, shared.ErrRoleHasChildren)
			}
		}
		for _, id := range ids {
			if err := tx.DeletePermissionRows(ctx, id); err != nil {
				return err
			}
			if err := tx.DeleteClosureFor(ctx, id); err != nil {
				return err
			}
			if err := tx.DeleteRole(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		s.invalidate(ctx, tenantID, id)
		s.record(ctx, "role.delete", id, nil)
	}
	return nil
}

// RefreshRoleHierarchy rebuilds the closure rows and permission views for a
// role and its whole descendant subtree from the parent pointers. Idempotent;
// doubles as the repair tool after manual data surgery.
func (s *Service) RefreshRoleHierarchy(ctx context.Context, roleID int64) error {
	tenantID := s.tenant(ctx, 0)
	var affected []int64
	err := s.store.InStructuralTx(ctx, tenantID, func(tx StructuralTx) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		var parent *Role
		var parentClosure []ClosureRow
		if role.ParentRoleID != nil {
			p, err := tx.GetRole(ctx, *role.ParentRoleID)
			if err != nil {
				return err
			}
			rows, err := tx.ClosureOf(ctx, p.ID)
			if err != nil {
				return err
			}
			parent = &p
			parentClosure = rows
		}
		descendants, err := tx.DescendantRolesOf(ctx, role.ID)
		if err != nil {
			return err
		}
		plan, err := PlanRebuild(RebuildInput{
			Root:          role,
			NewParent:     parent,
			ParentClosure: parentClosure,
			Descendants:   descendants,
		})
		if err != nil {
			return err
		}
		if err := tx.ApplyPlacements(ctx, plan.Placements); err != nil {
			return err
		}
		affected = plan.RoleIDs()
		if err := tx.ReplaceSubtreeClosure(ctx, affected, plan.ClosureRows); err != nil {
			return err
		}
		for _, id := range affected {
			if err := tx.RefreshPermissionView(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range affected {
		s.invalidate(ctx, tenantID, id)
	}
	return nil
}

// CheckCircularDependency validates a proposed parent assignment against the
// committed closure without writing anything. The authoritative check reruns
// inside UpdateRole's transaction.
func (s *Service) CheckCircularDependency(ctx context.Context, roleID, parentID int64) error {
	tenantID := s.tenant(ctx, 0)
	if roleID == parentID {
		return fmt.Errorf("hierarchy: role %d under %d: %w", roleID, parentID, shared.ErrCircularHierarchy)
	}
	ancestors, err := s.store.AncestorRoles(ctx, tenantID, parentID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(ancestors)+1)
	ids = append(ids, parentID)
	for _, a := range ancestors {
		ids = append(ids, a.ID)
	}
	if WouldCreateCycle(roleID, parentID, ids) {
		return fmt.Errorf("hierarchy: role %d under %d: %w", roleID, parentID, shared.ErrCircularHierarchy)
	}
	return nil
}

// SelectAncestorRoles returns the proper ancestors of a role, nearest first.
func (s *Service) SelectAncestorRoles(ctx context.Context, roleID int64) ([]Role, error) {
	return s.store.AncestorRoles(ctx, s.tenant(ctx, 0), roleID)
}

// SelectDescendantRoles returns the proper descendants of a role in
// breadth-first order.
func (s *Service) SelectDescendantRoles(ctx context.Context, roleID int64) ([]Role, error) {
	return s.store.DescendantRoles(ctx, s.tenant(ctx, 0), roleID)
}

// SelectDirectChildRoles returns the roles whose parent is roleID.
func (s *Service) SelectDirectChildRoles(ctx context.Context, roleID int64) ([]Role, error) {
	return s.store.DirectChildRoles(ctx, s.tenant(ctx, 0), roleID)
}

// SelectTopLevelRoles returns the tenant's root roles.
func (s *Service) SelectTopLevelRoles(ctx context.Context) ([]Role, error) {
	return s.store.TopLevelRoles(ctx, s.tenant(ctx, 0))
}

// GetRole fetches a single role.
func (s *Service) GetRole(ctx context.Context, roleID int64) (Role, error) {
	return s.store.GetRole(ctx, s.tenant(ctx, 0), roleID)
}

func (s *Service) tenant(ctx context.Context, explicit int64) int64 {
	if explicit > 0 {
		return explicit
	}
	return shared.TenantFromContext(ctx)
}

func (s *Service) invalidate(ctx context.Context, tenantID, roleID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.EvictRole(ctx, tenantID, roleID); err != nil {
		s.logger.Warn("evict role cache", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action string, roleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if p, ok := shared.PrincipalFromContext(ctx); ok {
		actorID = p.UserID
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		EditID:   uuid.New(),
		ActorID:  actorID,
		Action:   action,
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func closureAncestorIDs(rows []ClosureRow) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.AncestorID)
	}
	return ids
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
