package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

// SearchOptions narrows a full-text search over message content. Grounded
// on original_source/src/search.rs's search_fts_full_with_sessions and its
// dynamic WHERE-clause construction.
type SearchOptions struct {
	ProjectID      *int64
	StartTimestamp *int64
	EndTimestamp   *int64
	SessionIDs     []string
	OrderBy        agentdb.SearchOrderBy
	Limit          int
}

// escapeLikePattern escapes the three characters SQLite's LIKE operator
// treats specially, so a literal session-id prefix or search term can be
// safely embedded in a LIKE pattern.
func escapeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// escapeFTS5Query turns a raw user query into an FTS5 MATCH expression by
// wrapping each word in double quotes and OR-ing them together, so
// punctuation and FTS5 operator syntax in the input can't break the query.
// Grounded on search.rs's escape_fts5_query.
func escapeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return `""`
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return strings.Join(quoted, " OR ")
}

func orderClause(order agentdb.SearchOrderBy) string {
	switch order {
	case agentdb.SearchOrderTimeDesc:
		return "m.timestamp DESC"
	case agentdb.SearchOrderTimeAsc:
		return "m.timestamp ASC"
	default:
		return "score"
	}
}

// SearchMessages runs an FTS5 query over message content, falling back to a
// LIKE scan to top up results when FTS returns fewer than the requested
// limit and a project scope narrows the fallback to a reasonable size.
// Grounded on search.rs's search_fts_full_with_sessions.
func (s *Store) SearchMessages(ctx context.Context, query string, opts SearchOptions) ([]agentdb.SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var where []string
	var args []interface{}

	if opts.ProjectID != nil {
		where = append(where, "s.project_id = ?")
		args = append(args, *opts.ProjectID)
	}
	if opts.StartTimestamp != nil {
		where = append(where, "m.timestamp >= ?")
		args = append(args, *opts.StartTimestamp)
	}
	if opts.EndTimestamp != nil {
		where = append(where, "m.timestamp <= ?")
		args = append(args, *opts.EndTimestamp)
	}
	if len(opts.SessionIDs) > 0 {
		var ors []string
		for _, id := range opts.SessionIDs {
			ors = append(ors, "m.session_id LIKE ? ESCAPE '\\'")
			args = append(args, escapeLikePattern(id)+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " AND " + strings.Join(where, " AND ")
	}

	ftsQuery := append([]interface{}{escapeFTS5Query(query)}, args...)
	sqlStr := fmt.Sprintf(`
		SELECT m.id, m.session_id, s.project_id, p.name, m.type, m.content_full,
		       snippet(messages_fts, 0, '<mark>', '</mark>', '...', 64) AS snippet,
		       bm25(messages_fts) AS score, m.timestamp
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions s ON s.session_id = m.session_id
		JOIN projects p ON p.id = s.project_id
		WHERE messages_fts MATCH ?%s
		ORDER BY %s
		LIMIT ?`, whereSQL, orderClause(opts.OrderBy))
	ftsQuery = append(ftsQuery, opts.Limit)

	results, err := s.runSearch(ctx, sqlStr, ftsQuery)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}

	if len(results) >= opts.Limit || opts.ProjectID == nil {
		return results, nil
	}

	seen := map[int64]bool{}
	for _, r := range results {
		seen[r.MessageID] = true
	}
	remaining := opts.Limit - len(results)
	fallback, err := s.searchLikeFallback(ctx, query, opts, remaining, seen)
	if err != nil {
		return nil, fmt.Errorf("store: like fallback search: %w", err)
	}
	return append(results, fallback...), nil
}

func (s *Store) searchLikeFallback(ctx context.Context, query string, opts SearchOptions, limit int, exclude map[int64]bool) ([]agentdb.SearchResult, error) {
	where := []string{"m.content_full LIKE ? ESCAPE '\\'", "s.project_id = ?"}
	args := []interface{}{"%" + escapeLikePattern(query) + "%", *opts.ProjectID}

	sqlStr := fmt.Sprintf(`
		SELECT m.id, m.session_id, s.project_id, p.name, m.type, m.content_full, m.content_full, 0.0 AS score, m.timestamp
		FROM messages m
		JOIN sessions s ON s.session_id = m.session_id
		JOIN projects p ON p.id = s.project_id
		WHERE %s
		ORDER BY %s
		LIMIT ?`, strings.Join(where, " AND "), orderClause(opts.OrderBy))
	args = append(args, limit)

	all, err := s.runSearch(ctx, sqlStr, args)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if exclude[r.MessageID] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) runSearch(ctx context.Context, query string, args []interface{}) ([]agentdb.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agentdb.SearchResult
	for rows.Next() {
		var r agentdb.SearchResult
		var typ string
		if err := rows.Scan(&r.MessageID, &r.SessionID, &r.ProjectID, &r.ProjectName, &typ, &r.ContentFull, &r.Snippet, &r.Score, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Type = agentdb.MessageType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
