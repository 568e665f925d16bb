package hierarchy

import (
	"fmt"
	"strconv"
)

// RebuildInput describes a subtree whose placement is being recomputed.
// Root is the edited role; NewParent is its target parent (nil for a root
// placement). ParentClosure must hold the closure rows of the new parent,
// self-row included. Descendants is the proper descendant set of Root,
// captured before any closure rows are touched.
type RebuildInput struct {
	Root          Role
	NewParent     *Role
	ParentClosure []ClosureRow
	Descendants   []Role
}

// NodePlacement is the recomputed path and depth for one role.
type NodePlacement struct {
	RoleID    int64
	RolePath  string
	RoleLevel int
}

// RebuildPlan is the full replacement state for a subtree: placements in
// breadth-first order (root first) and the complete closure row set for
// every node in the subtree, self-rows included.
type RebuildPlan struct {
	Placements  []NodePlacement
	ClosureRows []ClosureRow
}

// RoleIDs returns the ids covered by the plan, in placement order.
func (p RebuildPlan) RoleIDs() []int64 {
	ids := make([]int64, len(p.Placements))
	for i, pl := range p.Placements {
		ids[i] = pl.RoleID
	}
	return ids
}

// PlanRebuild computes the replacement paths, levels and closure rows for a
// subtree after a structural edit. It is a pure function: the caller applies
// the plan inside the edit's transaction. Running it twice over the same
// input yields the same plan.
func PlanRebuild(in RebuildInput) (RebuildPlan, error) {
	if in.NewParent != nil {
		if in.NewParent.ID == in.Root.ID {
			return RebuildPlan{}, fmt.Errorf("hierarchy: role %d cannot parent itself", in.Root.ID)
		}
		for _, d := range in.Descendants {
			if d.ID == in.NewParent.ID {
				return RebuildPlan{}, fmt.Errorf("hierarchy: role %d is a descendant of role %d", in.NewParent.ID, in.Root.ID)
			}
		}
	}

	children := make(map[int64][]Role, len(in.Descendants))
	for _, d := range in.Descendants {
		if d.ParentRoleID == nil {
			return RebuildPlan{}, fmt.Errorf("hierarchy: descendant %d has no parent", d.ID)
		}
		children[*d.ParentRoleID] = append(children[*d.ParentRoleID], d)
	}

	// ancestor lists per node: (ancestorID, distance) pairs, self at distance 0.
	type link struct {
		id       int64
		distance int
	}

	var rootPath string
	var rootLevel int
	rootAncestors := []link{{id: in.Root.ID, distance: 0}}
	if in.NewParent == nil {
		rootPath = "/" + strconv.FormatInt(in.Root.ID, 10)
		rootLevel = 0
	} else {
		rootPath = in.NewParent.RolePath + "/" + strconv.FormatInt(in.Root.ID, 10)
		rootLevel = in.NewParent.RoleLevel + 1
		for _, row := range in.ParentClosure {
			if row.DescendantID != in.NewParent.ID {
				return RebuildPlan{}, fmt.Errorf("hierarchy: closure row for %d passed as parent closure of %d", row.DescendantID, in.NewParent.ID)
			}
			rootAncestors = append(rootAncestors, link{id: row.AncestorID, distance: row.Distance + 1})
		}
	}

	plan := RebuildPlan{}
	ancestors := map[int64][]link{in.Root.ID: rootAncestors}
	placements := map[int64]NodePlacement{
		in.Root.ID: {RoleID: in.Root.ID, RolePath: rootPath, RoleLevel: rootLevel},
	}

	queue := []int64{in.Root.ID}
	seen := map[int64]bool{in.Root.ID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		pl := placements[id]
		plan.Placements = append(plan.Placements, pl)
		for _, a := range ancestors[id] {
			plan.ClosureRows = append(plan.ClosureRows, ClosureRow{
				DescendantID: id,
				AncestorID:   a.id,
				Distance:     a.distance,
				TenantID:     in.Root.TenantID,
			})
		}

		for _, child := range children[id] {
			if seen[child.ID] {
				return RebuildPlan{}, fmt.Errorf("hierarchy: descendant %d visited twice", child.ID)
			}
			seen[child.ID] = true
			placements[child.ID] = NodePlacement{
				RoleID:    child.ID,
				RolePath:  pl.RolePath + "/" + strconv.FormatInt(child.ID, 10),
				RoleLevel: pl.RoleLevel + 1,
			}
			childAncestors := make([]link, 0, len(ancestors[id])+1)
			childAncestors = append(childAncestors, link{id: child.ID, distance: 0})
			for _, a := range ancestors[id] {
				childAncestors = append(childAncestors, link{id: a.id, distance: a.distance + 1})
			}
			ancestors[child.ID] = childAncestors
			queue = append(queue, child.ID)
		}
	}

	if len(plan.Placements) != len(in.Descendants)+1 {
		return RebuildPlan{}, fmt.Errorf("hierarchy: %d descendants unreachable from role %d", len(in.Descendants)+1-len(plan.Placements), in.Root.ID)
	}
	return plan, nil
}
