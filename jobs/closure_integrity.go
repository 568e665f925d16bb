package jobs

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ClosureIntegrityReport summarizes invariant violations found in the
// materialized hierarchy.
type ClosureIntegrityReport struct {
	MissingSelfRows  []int64
	PathMismatches   []int64
	OrphanedClosures int64
}

// Clean reports whether no violations were found.
func (r ClosureIntegrityReport) Clean() bool {
	return len(r.MissingSelfRows) == 0 && len(r.PathMismatches) == 0 && r.OrphanedClosures == 0
}

// RunClosureIntegrityScan verifies the closure-table invariants: every role
// has exactly one self-row, role_level matches the materialized ancestor
// count, and no closure row references a deleted role. Violations are
// logged; repair is RefreshRoleHierarchy on the affected subtree.
func RunClosureIntegrityScan(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (ClosureIntegrityReport, error) {
	var report ClosureIntegrityReport

	rows, err := pool.Query(ctx, `
		SELECT r.id
		FROM roles r
		LEFT JOIN role_closure rc ON rc.descendant_id = r.id AND rc.ancestor_id = r.id AND rc.distance = 0
		WHERE rc.descendant_id IS NULL
		ORDER BY r.id`)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return report, err
		}
		report.MissingSelfRows = append(report.MissingSelfRows, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	rows, err = pool.Query(ctx, `
		SELECT r.id
		FROM roles r
		JOIN (
			SELECT descendant_id, COUNT(*) - 1 AS ancestor_count
			FROM role_closure GROUP BY descendant_id
		) c ON c.descendant_id = r.id
		WHERE c.ancestor_count <> r.role_level
		ORDER BY r.id`)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return report, err
		}
		report.PathMismatches = append(report.PathMismatches, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM role_closure rc
		LEFT JOIN roles d ON d.id = rc.descendant_id
		LEFT JOIN roles a ON a.id = rc.ancestor_id
		WHERE d.id IS NULL OR a.id IS NULL`).Scan(&report.OrphanedClosures)
	if err != nil {
		return report, err
	}

	if logger != nil {
		if report.Clean() {
			logger.Info("closure integrity scan clean", slog.String("job", "closure_integrity"))
		} else {
			logger.Warn("closure integrity violations",
				slog.Int("missing_self_rows", len(report.MissingSelfRows)),
				slog.Int("path_mismatches", len(report.PathMismatches)),
				slog.Int64("orphaned_closures", report.OrphanedClosures))
		}
	}
	return report, nil
}
