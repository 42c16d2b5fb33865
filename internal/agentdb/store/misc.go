package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

// UpsertTalkSummary idempotently writes (or overwrites) the summary for a
// talk. Talk summaries are produced by an external summarizer; this store
// only persists and serves them.
func (s *Store) UpsertTalkSummary(ctx context.Context, summary agentdb.TalkSummary) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO talks (talk_id, session_id, summary_l2, summary_l3, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(talk_id) DO UPDATE SET
			session_id = excluded.session_id,
			summary_l2 = COALESCE(excluded.summary_l2, talks.summary_l2),
			summary_l3 = COALESCE(excluded.summary_l3, talks.summary_l3),
			updated_at = excluded.updated_at`,
		summary.TalkID, summary.SessionID, nullableString(summary.SummaryL2), nullableString(summary.SummaryL3), now)
	if err != nil {
		return fmt.Errorf("store: upsert talk summary: %w", err)
	}
	return nil
}

// AddSessionRelation records a directed parent/child link between two
// sessions, ignoring the write if the identical link already exists.
func (s *Store) AddSessionRelation(ctx context.Context, parentSessionID, childSessionID, relationType string) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if parentSessionID == childSessionID {
		return fmt.Errorf("store: session cannot relate to itself: %s", parentSessionID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_relations (parent_session_id, child_session_id, relation_type, created_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM session_relations
			WHERE parent_session_id = ? AND child_session_id = ? AND relation_type = ?)`,
		parentSessionID, childSessionID, relationType, time.Now().UnixMilli(),
		parentSessionID, childSessionID, relationType)
	if err != nil {
		return fmt.Errorf("store: add session relation: %w", err)
	}
	return nil
}

// MarkMessagesIndexed flags the given message IDs as successfully vector
// indexed, clearing any prior failed flag.
func (s *Store) MarkMessagesIndexed(ctx context.Context, ids []int64) error {
	return s.updateIndexFlag(ctx, ids, "vector_indexed = 1, vector_index_failed = 0")
}

// MarkMessagesIndexFailed flags the given message IDs as having failed
// vector indexing, for later retry or inspection.
func (s *Store) MarkMessagesIndexFailed(ctx context.Context, ids []int64) error {
	return s.updateIndexFlag(ctx, ids, "vector_index_failed = 1")
}

// ResetFailedIndexedMessages clears the failed flag on every message that
// carries it, so a subsequent indexing pass retries them.
func (s *Store) ResetFailedIndexedMessages(ctx context.Context) (int64, error) {
	if err := s.requireWriter(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET vector_index_failed = 0 WHERE vector_index_failed = 1`)
	if err != nil {
		return 0, fmt.Errorf("store: reset failed indexed messages: %w", err)
	}
	return res.RowsAffected()
}

// GetUnindexedMessages returns up to limit messages that have not yet been
// vector indexed and have not previously failed.
func (s *Store) GetUnindexedMessages(ctx context.Context, limit int) ([]agentdb.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, uuid, type, content_text, content_full, timestamp, sequence, source, channel,
		       model, tool_call_id, tool_name, tool_args, raw, vector_indexed, approval_status, approval_resolved_at
		FROM messages WHERE vector_indexed = 0 AND vector_index_failed = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get unindexed messages: %w", err)
	}
	defer rows.Close()

	var out []agentdb.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) updateIndexFlag(ctx context.Context, ids []int64, setClause string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.requireWriter(); err != nil {
		return err
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	q := fmt.Sprintf("UPDATE messages SET %s WHERE id IN (%s)", setClause, string(placeholders))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store: update index flag: %w", err)
	}
	return nil
}

// UpdateApprovalStatus records the outcome of an approval gate for the
// message carrying the given tool_call_id.
func (s *Store) UpdateApprovalStatus(ctx context.Context, toolCallID string, status agentdb.ApprovalStatus, resolvedAt int64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET approval_status = ?, approval_resolved_at = ? WHERE tool_call_id = ?`,
		string(status), resolvedAt, toolCallID)
	if err != nil {
		return fmt.Errorf("store: update approval status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: no message with tool_call_id %q", toolCallID)
	}
	return nil
}

// GetScanCheckpoint returns the last recorded full-scan timestamp for a
// source adapter, or nil if it has never completed one.
func (s *Store) GetScanCheckpoint(ctx context.Context, source string) (*int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_scanned_at FROM scan_checkpoints WHERE source = ?`, source).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get scan checkpoint: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	v := ts.Int64
	return &v, nil
}

// SetScanCheckpoint records the completion time of a full scan for a
// source adapter.
func (s *Store) SetScanCheckpoint(ctx context.Context, source string, at int64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_checkpoints (source, last_scanned_at) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET last_scanned_at = excluded.last_scanned_at`, source, at)
	if err != nil {
		return fmt.Errorf("store: set scan checkpoint: %w", err)
	}
	return nil
}
