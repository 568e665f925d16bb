package hierarchy

import "time"

// Role is a node in the tenant's role tree. RolePath and RoleLevel are
// derived from the parent chain; the closure table is authoritative for
// ancestor and descendant queries.
type Role struct {
	ID            int64
	TenantID      int64
	Code          string
	Name          string
	ParentRoleID  *int64
	IsInheritable bool
	RolePath      string
	RoleLevel     int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsRoot reports whether the role sits at the top of the tree.
func (r Role) IsRoot() bool {
	return r.ParentRoleID == nil
}

// ClosureRow is one materialized ancestor-descendant pair. Every role owns
// exactly one self-row (distance 0) plus one row per proper ancestor.
type ClosureRow struct {
	DescendantID int64
	AncestorID   int64
	Distance     int
	TenantID     int64
}

// NewRole carries the fields needed to create a role.
type NewRole struct {
	TenantID      int64
	Code          string
	Name          string
	ParentRoleID  *int64
	IsInheritable bool
}

// RoleUpdate carries the fields an administrator may change on a role.
// A ParentRoleID change triggers a subtree closure rebuild.
type RoleUpdate struct {
	ID            int64
	Code          string
	Name          string
	ParentRoleID  *int64
	IsInheritable bool
}
