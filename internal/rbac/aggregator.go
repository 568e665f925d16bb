package rbac

import (
	"context"
	"log/slog"
	"sort"
)

// AggregatorStore is the persistence port for permission aggregation.
type AggregatorStore interface {
	// DirectGrantIDs returns the permission ids granted directly to roleID.
	DirectGrantIDs(ctx context.Context, roleID int64) ([]int64, error)
	// AncestorGrants returns, for every proper ancestor of roleID, its
	// inheritability flag and direct grant set.
	AncestorGrants(ctx context.Context, roleID int64) ([]RoleGrants, error)
	// ReplaceInheritedView swaps the materialized view rows for roleID.
	ReplaceInheritedView(ctx context.Context, roleID int64, permissionIDs []int64) error
	// DescendantRoleIDs returns the proper descendants of roleID.
	DescendantRoleIDs(ctx context.Context, roleID int64) ([]int64, error)
}

// EffectiveGrantIDs computes a role's effective permission set: its own
// grants unioned with the grants of every inheritable ancestor. Own grants
// always count; a role's inheritability flag only gates what flows down to
// its descendants. Result is sorted and deduplicated.
func EffectiveGrantIDs(own []int64, ancestors []RoleGrants) []int64 {
	set := make(map[int64]struct{}, len(own))
	for _, id := range own {
		set[id] = struct{}{}
	}
	for _, a := range ancestors {
		if !a.Inheritable {
			continue
		}
		for _, id := range a.PermissionIDs {
			set[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Aggregator maintains the materialized inherited-permission view.
type Aggregator struct {
	store  AggregatorStore
	logger *slog.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store AggregatorStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger}
}

// RefreshInheritedPermissions rebuilds the view rows for a single role.
func (a *Aggregator) RefreshInheritedPermissions(ctx context.Context, roleID int64) error {
	own, err := a.store.DirectGrantIDs(ctx, roleID)
	if err != nil {
		return err
	}
	ancestors, err := a.store.AncestorGrants(ctx, roleID)
	if err != nil {
		return err
	}
	return a.store.ReplaceInheritedView(ctx, roleID, EffectiveGrantIDs(own, ancestors))
}

// CascadeGrantChange refreshes the view for a role and all of its
// descendants after the role's direct grants or inheritability changed.
// Ancestors are never touched: grants only flow down.
func (a *Aggregator) CascadeGrantChange(ctx context.Context, roleID int64) error {
	if err := a.RefreshInheritedPermissions(ctx, roleID); err != nil {
		return err
	}
	descendants, err := a.store.DescendantRoleIDs(ctx, roleID)
	if err != nil {
		return err
	}
	for _, id := range descendants {
		if err := a.RefreshInheritedPermissions(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
