package hierarchy

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

const roleColumns = `id, tenant_id, code, name, parent_role_id, is_inheritable, role_path, role_level, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for the role tree.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetRole fetches a role by id within the tenant.
func (r *Repository) GetRole(ctx context.Context, tenantID, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

// AncestorRoles returns the proper ancestors of roleID ordered nearest first.
func (r *Repository) AncestorRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	return queryRoles(ctx, r.pool, `
		SELECT `+prefixed("r")+`
		FROM role_closure rc
		JOIN roles r ON r.id = rc.ancestor_id
		WHERE rc.tenant_id = $1 AND rc.descendant_id = $2 AND rc.distance > 0
		ORDER BY rc.distance`, tenantID, roleID)
}

// DescendantRoles returns the proper descendants of roleID in breadth-first order.
func (r *Repository) DescendantRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	return queryRoles(ctx, r.pool, `
		SELECT `+prefixed("r")+`
		FROM role_closure rc
		JOIN roles r ON r.id = rc.descendant_id
		WHERE rc.tenant_id = $1 AND rc.ancestor_id = $2 AND rc.distance > 0
		ORDER BY rc.distance, r.id`, tenantID, roleID)
}

// DirectChildRoles returns the roles whose parent is roleID.
func (r *Repository) DirectChildRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	return queryRoles(ctx, r.pool,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND parent_role_id = $2 ORDER BY id`,
		tenantID, roleID)
}

// TopLevelRoles returns the tenant's root roles.
func (r *Repository) TopLevelRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return queryRoles(ctx, r.pool,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND parent_role_id IS NULL ORDER BY id`,
		tenantID)
}

// InStructuralTx runs fn inside one transaction after taking the tenant's
// hierarchy advisory lock, serializing structural edits per tenant.
func (r *Repository) InStructuralTx(ctx context.Context, tenantID int64, fn func(StructuralTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		classID, objID := shared.HierarchyLock(tenantID)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, classID, objID); err != nil {
			return fmt.Errorf("hierarchy: acquire tenant lock: %w", err)
		}
		return fn(&structuralTx{tx: tx, tenantID: tenantID})
	})
}

type structuralTx struct {
	tx       pgx.Tx
	tenantID int64
}

func (s *structuralTx) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(s.tx.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, s.tenantID, id))
}

func (s *structuralTx) InsertRole(ctx context.Context, role Role) (Role, error) {
	err := s.tx.QueryRow(ctx, `
		INSERT INTO roles (tenant_id, code, name, parent_role_id, is_inheritable, role_path, role_level)
		VALUES ($1, $2, $3, $4, $5, '', 0)
		RETURNING id, created_at, updated_at`,
		role.TenantID, role.Code, role.Name, role.ParentRoleID, role.IsInheritable,
	).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapDuplicate(err, role.Code)
	}
	return role, nil
}

func (s *structuralTx) UpdateRoleRow(ctx context.Context, role Role) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE roles
		SET code = $3, name = $4, parent_role_id = $5, is_inheritable = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		s.tenantID, role.ID, role.Code, role.Name, role.ParentRoleID, role.IsInheritable)
	if err != nil {
		return mapDuplicate(err, role.Code)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("hierarchy: role %d: %w", role.ID, shared.ErrNotFound)
	}
	return nil
}

func (s *structuralTx) DeleteRole(ctx context.Context, id int64) error {
	tag, err := s.tx.Exec(ctx, `DELETE FROM roles WHERE tenant_id = $1 AND id = $2`, s.tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("hierarchy: role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (s *structuralTx) HasChildren(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE tenant_id = $1 AND parent_role_id = $2)`,
		s.tenantID, id).Scan(&exists)
	return exists, err
}

func (s *structuralTx) ClosureOf(ctx context.Context, roleID int64) ([]ClosureRow, error) {
	rows, err := s.tx.Query(ctx, `
		SELECT descendant_id, ancestor_id, distance, tenant_id
		FROM role_closure
		WHERE tenant_id = $1 AND descendant_id = $2
		ORDER BY distance`, s.tenantID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClosureRow
	for rows.Next() {
		var row ClosureRow
		if err := rows.Scan(&row.DescendantID, &row.AncestorID, &row.Distance, &row.TenantID); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *structuralTx) DescendantRolesOf(ctx context.Context, roleID int64) ([]Role, error) {
	return queryRoles(ctx, s.tx, `
		SELECT `+prefixed("r")+`
		FROM role_closure rc
		JOIN roles r ON r.id = rc.descendant_id
		WHERE rc.tenant_id = $1 AND rc.ancestor_id = $2 AND rc.distance > 0
		ORDER BY rc.distance, r.id`, s.tenantID, roleID)
}

func (s *structuralTx) ApplyPlacements(ctx context.Context, placements []NodePlacement) error {
	for _, p := range placements {
		if _, err := s.tx.Exec(ctx, `
			UPDATE roles SET role_path = $3, role_level = $4, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2`,
			s.tenantID, p.RoleID, p.RolePath, p.RoleLevel); err != nil {
			return err
		}
	}
	return nil
}

func (s *structuralTx) ReplaceSubtreeClosure(ctx context.Context, roleIDs []int64, rows []ClosureRow) error {
	if _, err := s.tx.Exec(ctx,
		`DELETE FROM role_closure WHERE tenant_id = $1 AND descendant_id = ANY($2)`,
		s.tenantID, roleIDs); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := s.tx.Exec(ctx, `
			INSERT INTO role_closure (descendant_id, ancestor_id, distance, tenant_id)
			VALUES ($1, $2, $3, $4)`,
			row.DescendantID, row.AncestorID, row.Distance, row.TenantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *structuralTx) DeleteClosureFor(ctx context.Context, roleID int64) error {
	_, err := s.tx.Exec(ctx,
		`DELETE FROM role_closure WHERE tenant_id = $1 AND (descendant_id = $2 OR ancestor_id = $2)`,
		s.tenantID, roleID)
	return err
}

func (s *structuralTx) RefreshPermissionView(ctx context.Context, roleID int64) error {
	if _, err := s.tx.Exec(ctx,
		`DELETE FROM inherited_role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	// Own grants always count; ancestor grants only when the ancestor is inheritable.
	_, err := s.tx.Exec(ctx, `
		INSERT INTO inherited_role_permissions (role_id, permission_id)
		SELECT DISTINCT $1, rp.permission_id
		FROM role_closure rc
		JOIN roles a ON a.id = rc.ancestor_id
		JOIN role_permissions rp ON rp.role_id = a.id
		WHERE rc.descendant_id = $1
		  AND (rc.distance = 0 OR a.is_inheritable)`, roleID)
	return err
}

func (s *structuralTx) DeletePermissionRows(ctx context.Context, roleID int64) error {
	if _, err := s.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := s.tx.Exec(ctx, `DELETE FROM inherited_role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	_, err := s.tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, roleID)
	return err
}

func queryRoles(ctx context.Context, q rowQuerier, sql string, args ...any) ([]Role, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRoleRows(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func prefixed(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.code, ` + alias + `.name, ` +
		alias + `.parent_role_id, ` + alias + `.is_inheritable, ` + alias + `.role_path, ` +
		alias + `.role_level, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.TenantID, &role.Code, &role.Name, &role.ParentRoleID,
		&role.IsInheritable, &role.RolePath, &role.RoleLevel, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("hierarchy: role: %w", shared.ErrNotFound)
	}
	return role, err
}

func scanRoleRows(rows pgx.Rows) (Role, error) {
	var role Role
	err := rows.Scan(&role.ID, &role.TenantID, &role.Code, &role.Name, &role.ParentRoleID,
		&role.IsInheritable, &role.RolePath, &role.RoleLevel, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func mapDuplicate(err error, code string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("hierarchy: code %q: %w", code, shared.ErrDuplicateCode)
	}
	return err
}
