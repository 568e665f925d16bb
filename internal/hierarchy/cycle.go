package hierarchy

// WouldCreateCycle reports whether making proposedParentID the parent of
// roleID would place roleID on its own ancestor chain. ancestorsOfParent
// must hold the closure ancestor ids of the proposed parent, including the
// parent itself (its self-row). The closure table bounds the walk, so a
// corrupted parent pointer chain cannot cause unbounded recursion here.
func WouldCreateCycle(roleID, proposedParentID int64, ancestorsOfParent []int64) bool {
	if proposedParentID == roleID {
		return true
	}
	for _, id := range ancestorsOfParent {
		if id == roleID {
			return true
		}
	}
	return false
}
