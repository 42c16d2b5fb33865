package store

import (
	"context"
	"fmt"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

// CountSessionsWithoutCwd returns the number of sessions that were
// ingested before a working directory could be determined for them, for
// surfacing in maintenance/status commands.
func (s *Store) CountSessionsWithoutCwd(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE cwd IS NULL OR cwd = ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count sessions without cwd: %w", err)
	}
	return n, nil
}

// ListProjectsWithSource returns every project annotated with the distinct
// sources (vendor adapters) that have contributed sessions to it.
func (s *Store) ListProjectsWithSource(ctx context.Context) ([]agentdb.ProjectWithSource, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]agentdb.ProjectWithSource, 0, len(projects))
	for _, p := range projects {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM sessions WHERE project_id = ? AND source != ''`, p.ID)
		if err != nil {
			return nil, fmt.Errorf("store: list project sources: %w", err)
		}
		var sources []string
		for rows.Next() {
			var src string
			if err := rows.Scan(&src); err != nil {
				rows.Close()
				return nil, err
			}
			sources = append(sources, src)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out = append(out, agentdb.ProjectWithSource{Project: p, Sources: sources})
	}
	return out, nil
}

// ReassignSessionsProject moves every session currently attached to
// fromProjectID to toProjectID, for use by DeduplicateProjects.
func (s *Store) ReassignSessionsProject(ctx context.Context, fromProjectID, toProjectID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET project_id = ? WHERE project_id = ?`, toProjectID, fromProjectID)
	if err != nil {
		return 0, fmt.Errorf("store: reassign sessions project: %w", err)
	}
	return res.RowsAffected()
}

// DeleteProject removes a project row. Callers must reassign or delete its
// sessions first; the foreign key on sessions.project_id otherwise rejects
// the delete.
func (s *Store) DeleteProject(ctx context.Context, projectID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	return nil
}

// DeduplicateProjects finds groups of project rows whose path strings are
// identical (possible only in a database whose projects table lacks the
// UNIQUE constraint on path; paths that differ only in letter case or by a
// symlink are not grouped), reassigns all of their sessions to the row
// listed first in each group, and deletes the rest. Returns the number of project rows removed. Grounded
// on original_source/src/db.rs's deduplicate_projects.
func (s *Store) DeduplicateProjects(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, GROUP_CONCAT(id) FROM projects GROUP BY path HAVING COUNT(*) > 1`)
	if err != nil {
		return 0, fmt.Errorf("store: find duplicate projects: %w", err)
	}

	type group struct {
		path string
		ids  string
	}
	var groups []group
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.path, &g.ids); err != nil {
			rows.Close()
			return 0, err
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, g := range groups {
		ids, err := parseIDList(g.ids)
		if err != nil {
			return removed, fmt.Errorf("store: parse duplicate group for %s: %w", g.path, err)
		}
		if len(ids) < 2 {
			continue
		}
		keep := ids[0]
		for _, id := range ids[1:] {
			if _, err := s.ReassignSessionsProject(ctx, id, keep); err != nil {
				return removed, err
			}
			if err := s.DeleteProject(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func parseIDList(csv string) ([]int64, error) {
	var ids []int64
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				var v int64
				if _, err := fmt.Sscanf(csv[start:i], "%d", &v); err != nil {
					return nil, err
				}
				ids = append(ids, v)
			}
			start = i + 1
		}
	}
	return ids, nil
}
