package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-admin/keystone-admin/internal/platform/db"
	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// Repository provides PostgreSQL backed persistence for grants, the
// materialized inherited-permission view and slow-path resolution queries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// DirectGrantIDs returns the permission ids granted directly to roleID.
func (r *Repository) DirectGrantIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return queryIDs(ctx, r.pool,
		`SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
}

// AncestorGrants returns each proper ancestor's inheritability flag and
// direct grant set, read from the closure table.
func (r *Repository) AncestorGrants(ctx context.Context, roleID int64) ([]RoleGrants, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.is_inheritable, COALESCE(rp.permission_id, 0)
		FROM role_closure rc
		JOIN roles a ON a.id = rc.ancestor_id
		LEFT JOIN role_permissions rp ON rp.role_id = a.id
		WHERE rc.descendant_id = $1 AND rc.distance > 0
		ORDER BY rc.distance, rp.permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoleGrants
	index := make(map[int64]int)
	for rows.Next() {
		var id, permID int64
		var inheritable bool
		if err := rows.Scan(&id, &inheritable, &permID); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, RoleGrants{RoleID: id, Inheritable: inheritable})
		}
		if permID != 0 {
			out[i].PermissionIDs = append(out[i].PermissionIDs, permID)
		}
	}
	return out, rows.Err()
}

// ReplaceInheritedView swaps the materialized view rows for roleID.
func (r *Repository) ReplaceInheritedView(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM inherited_role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO inherited_role_permissions (role_id, permission_id) VALUES ($1, $2)`,
				roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DescendantRoleIDs returns the proper descendants of roleID.
func (r *Repository) DescendantRoleIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return queryIDs(ctx, r.pool, `
		SELECT descendant_id FROM role_closure
		WHERE ancestor_id = $1 AND distance > 0
		ORDER BY distance, descendant_id`, roleID)
}

// ReplaceRolePermissions swaps a role's direct grants in one transaction.
// The caller is responsible for cascading the view refresh and eviction.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
				roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPermissions returns all permissions ordered by code.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	return queryPermissions(ctx, r.pool,
		`SELECT id, code, name, kind, route FROM permissions ORDER BY code`)
}

// EnsurePermission upserts a permission by code.
func (r *Repository) EnsurePermission(ctx context.Context, p Permission) (Permission, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (code, name, kind, route)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind, route = EXCLUDED.route
		RETURNING id`,
		p.Code, p.Name, p.Kind, p.Route).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Permission{}, fmt.Errorf("rbac: permission %q: %w", p.Code, shared.ErrDuplicateCode)
		}
		return Permission{}, err
	}
	return p, nil
}

// EffectiveRoles returns the roles a user holds directly plus every closure
// ancestor of those roles. This is RBAC1 resolution: holding a role implies
// holding all of its ancestors.
func (r *Repository) EffectiveRoles(ctx context.Context, tenantID, userID int64) ([]EffectiveRole, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.code, r.name, BOOL_OR(rc.distance = 0) AS direct
		FROM user_roles ur
		JOIN role_closure rc ON rc.descendant_id = ur.role_id
		JOIN roles r ON r.id = rc.ancestor_id
		WHERE ur.user_id = $1 AND r.tenant_id = $2
		GROUP BY r.id, r.code, r.name
		ORDER BY r.id`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []EffectiveRole
	for rows.Next() {
		var role EffectiveRole
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.Direct); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// EffectivePermissions unions the materialized view rows of the user's
// direct roles.
func (r *Repository) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	return queryPermissions(ctx, r.pool, `
		SELECT DISTINCT p.id, p.code, p.name, p.kind, p.route
		FROM user_roles ur
		JOIN inherited_role_permissions irp ON irp.role_id = ur.role_id
		JOIN permissions p ON p.id = irp.permission_id
		WHERE ur.user_id = $1
		ORDER BY p.code`, userID)
}

// RolePermissions returns a role's materialized effective permissions.
func (r *Repository) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return queryPermissions(ctx, r.pool, `
		SELECT p.id, p.code, p.name, p.kind, p.route
		FROM inherited_role_permissions irp
		JOIN permissions p ON p.id = irp.permission_id
		WHERE irp.role_id = $1
		ORDER BY p.code`, roleID)
}

// RoleCode returns the unique code of a role.
func (r *Repository) RoleCode(ctx context.Context, tenantID, roleID int64) (string, error) {
	var code string
	err := r.pool.QueryRow(ctx,
		`SELECT code FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, roleID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("rbac: role %d: %w", roleID, shared.ErrNotFound)
	}
	return code, err
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]int64, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func queryPermissions(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]Permission, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Kind, &p.Route); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
