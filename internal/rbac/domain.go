package rbac

import "time"

// Permission kinds. Menu and button permissions feed the UI-facing subsets
// of a principal's bundle; api permissions gate endpoints.
const (
	KindAPI    = "api"
	KindMenu   = "menu"
	KindButton = "button"
)

// Permission represents an atomic capability.
type Permission struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Route string `json:"route,omitempty"`
}

// RoleGrants is one ancestor's contribution to an aggregation: its direct
// grant set plus whether those grants flow down.
type RoleGrants struct {
	RoleID        int64
	Inheritable   bool
	PermissionIDs []int64
}

// EffectiveRole is a role a principal holds, directly or through inheritance.
type EffectiveRole struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Direct bool   `json:"direct"`
}

// UserBundle is the per-principal cache entry: everything resolution needs
// at login and on authorization checks. Stored in Redis, never the system
// of record.
type UserBundle struct {
	UserID          int64           `json:"userId"`
	TenantID        int64           `json:"tenantId"`
	Roles           []EffectiveRole `json:"roles"`
	RoleCodes       []string        `json:"roleCodes"`
	PermissionCodes []string        `json:"permissionCodes"`
	MenuCodes       []string        `json:"menuCodes"`
	ButtonCodes     []string        `json:"buttonCodes"`
	Routes          []string        `json:"routes"`
	CachedAt        time.Time       `json:"cachedAt"`
}

// RoleBundle is the cached effective permission set of one role.
type RoleBundle struct {
	RoleID          int64     `json:"roleId"`
	TenantID        int64     `json:"tenantId"`
	Code            string    `json:"code"`
	PermissionCodes []string  `json:"permissionCodes"`
	CachedAt        time.Time `json:"cachedAt"`
}
