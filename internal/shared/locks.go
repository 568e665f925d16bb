package shared

// hierarchyLockClass partitions the advisory lock key space used to
// serialize structural role edits per tenant.
const hierarchyLockClass int32 = 7301

// HierarchyLock returns the (classID, objID) pair for pg_advisory_xact_lock.
func HierarchyLock(tenantID int64) (int32, int32) {
	return hierarchyLockClass, int32(tenantID)
}
