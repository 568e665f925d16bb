package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrCircularHierarchy indicates a structural edit would create a cycle in the role graph.
	ErrCircularHierarchy = errors.New("circular role hierarchy")
	// ErrRoleHasChildren indicates a role cannot be deleted while direct children exist.
	ErrRoleHasChildren = errors.New("role has child roles")
	// ErrDuplicateCode indicates a role or permission code already exists in the tenant.
	ErrDuplicateCode = errors.New("duplicate code")
	// ErrNoPrincipal occurs when a request carries no authenticated principal.
	ErrNoPrincipal = errors.New("no principal in context")
)
