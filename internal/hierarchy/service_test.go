package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// fakeStore keeps the role tree and closure rows in memory and implements
// both the Store and StructuralTx ports.
type fakeStore struct {
	roles   map[int64]Role
	closure map[int64][]ClosureRow // keyed by descendant
	grants  map[int64][]int64

	nextID      int64
	refreshed   []int64
	permDeleted []int64
	txCount     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:   make(map[int64]Role),
		closure: make(map[int64][]ClosureRow),
		grants:  make(map[int64][]int64),
		nextID:  100,
	}
}

// seed inserts a role and its closure rows directly, bypassing the service.
func (f *fakeStore) seed(role Role) Role {
	if role.ID == 0 {
		f.nextID++
		role.ID = f.nextID
	}
	if role.TenantID == 0 {
		role.TenantID = shared.DefaultTenantID
	}
	f.roles[role.ID] = role
	rows := []ClosureRow{{DescendantID: role.ID, AncestorID: role.ID, Distance: 0, TenantID: role.TenantID}}
	if role.ParentRoleID != nil {
		for _, pr := range f.closure[*role.ParentRoleID] {
			rows = append(rows, ClosureRow{DescendantID: role.ID, AncestorID: pr.AncestorID, Distance: pr.Distance + 1, TenantID: role.TenantID})
		}
	}
	f.closure[role.ID] = rows
	return role
}

func (f *fakeStore) GetRole(ctx context.Context, tenantID, id int64) (Role, error) {
	return f.getRole(id)
}

func (f *fakeStore) getRole(id int64) (Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, shared.ErrNotFound)
	}
	return role, nil
}

func (f *fakeStore) AncestorRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	rows := append([]ClosureRow(nil), f.closure[roleID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Distance < rows[j].Distance })
	var out []Role
	for _, r := range rows {
		if r.Distance == 0 {
			continue
		}
		out = append(out, f.roles[r.AncestorID])
	}
	return out, nil
}

func (f *fakeStore) DescendantRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	return f.descendantsOf(roleID), nil
}

func (f *fakeStore) descendantsOf(roleID int64) []Role {
	type hit struct {
		role     Role
		distance int
	}
	var hits []hit
	for desc, rows := range f.closure {
		for _, r := range rows {
			if r.AncestorID == roleID && r.Distance > 0 {
				hits = append(hits, hit{role: f.roles[desc], distance: r.Distance})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].role.ID < hits[j].role.ID
	})
	out := make([]Role, len(hits))
	for i, h := range hits {
		out[i] = h.role
	}
	return out
}

func (f *fakeStore) DirectChildRoles(ctx context.Context, tenantID, roleID int64) ([]Role, error) {
	var out []Role
	for _, r := range f.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == roleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) TopLevelRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	var out []Role
	for _, r := range f.roles {
		if r.ParentRoleID == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InStructuralTx(ctx context.Context, tenantID int64, fn func(StructuralTx) error) error {
	f.txCount++
	return fn(fakeTx{f})
}

// fakeTx adapts fakeStore to the StructuralTx port, whose GetRole takes no
// tenant id.
type fakeTx struct{ *fakeStore }

func (t fakeTx) GetRole(ctx context.Context, id int64) (Role, error) {
	return t.fakeStore.getRole(id)
}

func (f *fakeStore) InsertRole(ctx context.Context, role Role) (Role, error) {
	for _, existing := range f.roles {
		if existing.TenantID == role.TenantID && existing.Code == role.Code {
			return Role{}, fmt.Errorf("role %q: %w", role.Code, shared.ErrDuplicateCode)
		}
	}
	f.nextID++
	role.ID = f.nextID
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeStore) UpdateRoleRow(ctx context.Context, role Role) error {
	if _, ok := f.roles[role.ID]; !ok {
		return shared.ErrNotFound
	}
	f.roles[role.ID] = role
	return nil
}

func (f *fakeStore) DeleteRole(ctx context.Context, id int64) error {
	delete(f.roles, id)
	return nil
}

func (f *fakeStore) HasChildren(ctx context.Context, id int64) (bool, error) {
	for _, r := range f.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == id {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ClosureOf(ctx context.Context, roleID int64) ([]ClosureRow, error) {
	rows := append([]ClosureRow(nil), f.closure[roleID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Distance < rows[j].Distance })
	return rows, nil
}

func (f *fakeStore) DescendantRolesOf(ctx context.Context, roleID int64) ([]Role, error) {
	return f.descendantsOf(roleID), nil
}

func (f *fakeStore) ApplyPlacements(ctx context.Context, placements []NodePlacement) error {
	for _, p := range placements {
		role, ok := f.roles[p.RoleID]
		if !ok {
			return shared.ErrNotFound
		}
		role.RolePath = p.RolePath
		role.RoleLevel = p.RoleLevel
		f.roles[p.RoleID] = role
	}
	return nil
}

func (f *fakeStore) ReplaceSubtreeClosure(ctx context.Context, roleIDs []int64, rows []ClosureRow) error {
	for _, id := range roleIDs {
		delete(f.closure, id)
	}
	for _, r := range rows {
		f.closure[r.DescendantID] = append(f.closure[r.DescendantID], r)
	}
	return nil
}

func (f *fakeStore) DeleteClosureFor(ctx context.Context, roleID int64) error {
	delete(f.closure, roleID)
	for desc, rows := range f.closure {
		kept := rows[:0]
		for _, r := range rows {
			if r.AncestorID != roleID {
				kept = append(kept, r)
			}
		}
		f.closure[desc] = kept
	}
	return nil
}

func (f *fakeStore) RefreshPermissionView(ctx context.Context, roleID int64) error {
	f.refreshed = append(f.refreshed, roleID)
	return nil
}

func (f *fakeStore) DeletePermissionRows(ctx context.Context, roleID int64) error {
	delete(f.grants, roleID)
	f.permDeleted = append(f.permDeleted, roleID)
	return nil
}

type fakeEvictor struct {
	evicted []int64
}

func (f *fakeEvictor) EvictRole(ctx context.Context, tenantID, roleID int64) error {
	f.evicted = append(f.evicted, roleID)
	return nil
}

func testContext() context.Context {
	return shared.ContextWithPrincipal(context.Background(), shared.Principal{UserID: 1, TenantID: shared.DefaultTenantID})
}

func TestInsertRoleBuildsClosureAndView(t *testing.T) {
	store := newFakeStore()
	evictor := &fakeEvictor{}
	svc := NewService(store, evictor, nil, nil)
	ctx := testContext()

	root, err := svc.InsertRole(ctx, NewRole{Code: "admin", Name: "Administrator", IsInheritable: true})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("/%d", root.ID), root.RolePath)
	require.Equal(t, 0, root.RoleLevel)

	child, err := svc.InsertRole(ctx, NewRole{Code: "ops", Name: "Operations", ParentRoleID: &root.ID, IsInheritable: true})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("/%d/%d", root.ID, child.ID), child.RolePath)
	require.Equal(t, 1, child.RoleLevel)

	rows, err := store.ClosureOf(context.Background(), child.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, child.ID, rows[0].AncestorID)
	require.Equal(t, root.ID, rows[1].AncestorID)
	require.Equal(t, 1, rows[1].Distance)

	require.Contains(t, store.refreshed, child.ID)
	require.Contains(t, evictor.evicted, child.ID)
}

func TestInsertRoleRejectsBlankFields(t *testing.T) {
	svc := NewService(newFakeStore(), nil, nil, nil)
	_, err := svc.InsertRole(testContext(), NewRole{Code: "  ", Name: "x"})
	require.Error(t, err)
	_, err = svc.InsertRole(testContext(), NewRole{Code: "x", Name: ""})
	require.Error(t, err)
}

func TestInsertRoleDuplicateCode(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)
	ctx := testContext()
	_, err := svc.InsertRole(ctx, NewRole{Code: "admin", Name: "Administrator"})
	require.NoError(t, err)
	_, err = svc.InsertRole(ctx, NewRole{Code: "admin", Name: "Other"})
	require.ErrorIs(t, err, shared.ErrDuplicateCode)
}

func TestUpdateRoleRejectsCycle(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A", RolePath: "/101", IsInheritable: true})
	b := store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID, IsInheritable: true})
	c := store.seed(Role{Code: "c", Name: "C", ParentRoleID: &b.ID, IsInheritable: true})

	// Reparenting A under its grandchild C must fail.
	_, err := svc.UpdateRole(testContext(), RoleUpdate{
		ID: a.ID, Code: "a", Name: "A", ParentRoleID: &c.ID, IsInheritable: true,
	})
	require.ErrorIs(t, err, shared.ErrCircularHierarchy)

	// Self-parenting must fail.
	_, err = svc.UpdateRole(testContext(), RoleUpdate{
		ID: a.ID, Code: "a", Name: "A", ParentRoleID: &a.ID, IsInheritable: true,
	})
	require.ErrorIs(t, err, shared.ErrCircularHierarchy)
}

func TestUpdateRoleReparentRebuildsSubtree(t *testing.T) {
	store := newFakeStore()
	evictor := &fakeEvictor{}
	svc := NewService(store, evictor, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A", IsInheritable: true})
	a.RolePath, a.RoleLevel = fmt.Sprintf("/%d", a.ID), 0
	store.roles[a.ID] = a
	b := store.seed(Role{Code: "b", Name: "B", IsInheritable: true})
	b.RolePath, b.RoleLevel = fmt.Sprintf("/%d", b.ID), 0
	store.roles[b.ID] = b
	child := store.seed(Role{Code: "c", Name: "C", ParentRoleID: &a.ID, IsInheritable: true})
	grand := store.seed(Role{Code: "d", Name: "D", ParentRoleID: &child.ID, IsInheritable: true})

	// Move C (and its child D) from under A to under B.
	updated, err := svc.UpdateRole(testContext(), RoleUpdate{
		ID: child.ID, Code: "c", Name: "C", ParentRoleID: &b.ID, IsInheritable: true,
	})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("/%d/%d", b.ID, child.ID), updated.RolePath)
	require.Equal(t, 1, updated.RoleLevel)

	// Grandchild followed the move.
	got := store.roles[grand.ID]
	require.Equal(t, fmt.Sprintf("/%d/%d/%d", b.ID, child.ID, grand.ID), got.RolePath)
	require.Equal(t, 2, got.RoleLevel)

	rows, err := store.ClosureOf(context.Background(), grand.ID)
	require.NoError(t, err)
	ancestors := make(map[int64]int)
	for _, r := range rows {
		ancestors[r.AncestorID] = r.Distance
	}
	require.Equal(t, map[int64]int{grand.ID: 0, child.ID: 1, b.ID: 2}, ancestors)

	// Both moved roles got fresh views and evictions; A did not move.
	require.Contains(t, store.refreshed, child.ID)
	require.Contains(t, store.refreshed, grand.ID)
	require.Contains(t, evictor.evicted, child.ID)
	require.Contains(t, evictor.evicted, grand.ID)
	require.NotContains(t, evictor.evicted, a.ID)
}

func TestUpdateRoleInheritabilityFlipRefreshesDescendants(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A", IsInheritable: true})
	b := store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID, IsInheritable: true})
	c := store.seed(Role{Code: "c", Name: "C", ParentRoleID: &b.ID, IsInheritable: true})

	_, err := svc.UpdateRole(testContext(), RoleUpdate{
		ID: a.ID, Code: "a", Name: "A", IsInheritable: false,
	})
	require.NoError(t, err)
	require.False(t, store.roles[a.ID].IsInheritable)
	require.Contains(t, store.refreshed, a.ID)
	require.Contains(t, store.refreshed, b.ID)
	require.Contains(t, store.refreshed, c.ID)
}

func TestDeleteRoleWithChildren(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A"})
	store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID})

	err := svc.DeleteRoleByIDs(testContext(), []int64{a.ID})
	require.ErrorIs(t, err, shared.ErrRoleHasChildren)
	_, ok := store.roles[a.ID]
	require.True(t, ok, "role must survive a refused delete")
}

func TestDeleteLeafRoleCleansUp(t *testing.T) {
	store := newFakeStore()
	evictor := &fakeEvictor{}
	svc := NewService(store, evictor, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A"})
	b := store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID})

	require.NoError(t, svc.DeleteRoleByIDs(testContext(), []int64{b.ID}))
	_, err := store.getRole(b.ID)
	require.True(t, errors.Is(err, shared.ErrNotFound))
	require.Empty(t, store.closure[b.ID])
	require.Contains(t, store.permDeleted, b.ID)
	require.Contains(t, evictor.evicted, b.ID)
}

func TestRefreshRoleHierarchyIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A"})
	a.RolePath = fmt.Sprintf("/%d", a.ID)
	store.roles[a.ID] = a
	b := store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID})

	// Corrupt B's derived fields, then repair.
	broken := store.roles[b.ID]
	broken.RolePath, broken.RoleLevel = "/stale", 9
	store.roles[b.ID] = broken

	require.NoError(t, svc.RefreshRoleHierarchy(testContext(), a.ID))
	require.Equal(t, fmt.Sprintf("/%d/%d", a.ID, b.ID), store.roles[b.ID].RolePath)
	require.Equal(t, 1, store.roles[b.ID].RoleLevel)

	before := store.closure[b.ID]
	require.NoError(t, svc.RefreshRoleHierarchy(testContext(), a.ID))
	require.ElementsMatch(t, before, store.closure[b.ID])
}

func TestCheckCircularDependency(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, nil, nil)

	a := store.seed(Role{Code: "a", Name: "A"})
	b := store.seed(Role{Code: "b", Name: "B", ParentRoleID: &a.ID})
	c := store.seed(Role{Code: "c", Name: "C", ParentRoleID: &b.ID})

	require.ErrorIs(t, svc.CheckCircularDependency(testContext(), a.ID, c.ID), shared.ErrCircularHierarchy)
	require.ErrorIs(t, svc.CheckCircularDependency(testContext(), a.ID, a.ID), shared.ErrCircularHierarchy)
	require.NoError(t, svc.CheckCircularDependency(testContext(), c.ID, a.ID))
}
