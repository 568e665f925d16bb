package shared

import "context"

// DefaultTenantID scopes queries when no tenant context is supplied.
const DefaultTenantID int64 = 1

// Principal identifies the authenticated actor and its tenant.
// Authentication happens upstream; the gateway forwards identity headers.
type Principal struct {
	UserID   int64
	TenantID int64
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// TenantFromContext returns the current tenant id, falling back to the default tenant.
func TenantFromContext(ctx context.Context) int64 {
	if p, ok := PrincipalFromContext(ctx); ok && p.TenantID > 0 {
		return p.TenantID
	}
	return DefaultTenantID
}
