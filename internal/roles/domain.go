package roles

import (
	"time"

	"github.com/keystone-admin/keystone-admin/internal/hierarchy"
)

// RoleView is the JSON shape returned by the management endpoints.
type RoleView struct {
	ID            int64     `json:"id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	ParentRoleID  *int64    `json:"parentRoleId,omitempty"`
	IsInheritable bool      `json:"isInheritable"`
	RolePath      string    `json:"rolePath"`
	RoleLevel     int       `json:"roleLevel"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toView(r hierarchy.Role) RoleView {
	return RoleView{
		ID:            r.ID,
		Code:          r.Code,
		Name:          r.Name,
		ParentRoleID:  r.ParentRoleID,
		IsInheritable: r.IsInheritable,
		RolePath:      r.RolePath,
		RoleLevel:     r.RoleLevel,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toViews(rs []hierarchy.Role) []RoleView {
	out := make([]RoleView, len(rs))
	for i, r := range rs {
		out[i] = toView(r)
	}
	return out
}
