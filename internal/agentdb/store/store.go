// Package store is the Storage Engine Adapter: the single point of contact
// between this system's components and the SQLite database. Grounded on
// original_source/src/db.rs's SessionDB methods, translated from a
// Mutex-guarded rusqlite connection to Go's database/sql connection pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/schema"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// RewindWindow is subtracted from a session's last known message timestamp
// before incremental ingestion resumes from it, giving a safety margin
// against out-of-order arrival and clock skew between the writer and the
// filesystem. Matches original_source/src/collector.rs's BUFFER_MS.
const RewindWindow = 30 * time.Minute

// Store wraps a pooled SQLite connection and exposes the domain operations
// every component in this system needs. It is safe for concurrent use; the
// underlying *sql.DB serializes writers at the SQLite layer.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger

	isWriter func() bool // nil: no coordinator attached, mutations always allowed
}

// SetWriterCheck attaches the predicate every mutating operation consults
// before touching the database: isWriter typically wraps a
// coordinate.Coordinator's IsWriter method. Until this is called, mutating
// operations are unguarded, matching standalone/test usage that never
// participates in writer election. Grounded on spec.md §5/§7: all mutation
// must be refused once this process is not the current Writer.
func (s *Store) SetWriterCheck(isWriter func() bool) {
	s.isWriter = isWriter
}

// requireWriter is called first by every mutating operation.
func (s *Store) requireWriter() error {
	if s.isWriter != nil && !s.isWriter() {
		return agentdb.ErrNotWriter
	}
	return nil
}

// Open opens (creating the file itself if necessary) the SQLite database at
// path and converges its schema. The parent directory must already exist.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer process; one logical connection avoids SQLITE_BUSY storms

	if err := schema.Ensure(db, true); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	st := &Store{db: db, path: path, log: logging.For("store")}
	st.log.Debug().Str("path", path).Msg("store opened")
	return st, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path this store was opened against.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying *sql.DB for components (the writer
// coordinator) that need to issue their own statements against the same
// connection pool rather than duplicate one.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetOrCreateProject looks up a project by its filesystem path, creating it
// if absent. If encodedDirName is non-empty and the stored project's
// encoded_dir_name is still unset, it is backfilled; otherwise only
// updated_at advances. Grounded on db.rs's
// get_or_create_project_with_encoded.
func (s *Store) GetOrCreateProject(ctx context.Context, path, name, source, encodedDirName string) (int64, error) {
	if err := s.requireWriter(); err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()

	var id int64
	var existingEncoded sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, encoded_dir_name FROM projects WHERE path = ?`, path).Scan(&id, &existingEncoded)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (name, path, source, encoded_dir_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			name, path, source, nullableString(encodedDirName), now, now)
		if err != nil {
			return 0, fmt.Errorf("store: insert project: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("store: lookup project: %w", err)
	}

	if encodedDirName != "" && !existingEncoded.Valid {
		_, err = s.db.ExecContext(ctx, `UPDATE projects SET encoded_dir_name = ?, updated_at = ? WHERE id = ?`, encodedDirName, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return 0, fmt.Errorf("store: touch project: %w", err)
	}
	return id, nil
}

// GetProject returns a single project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*agentdb.Project, error) {
	var p agentdb.Project
	var encoded sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, path, source, encoded_dir_name, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Path, &p.Source, &encoded, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, agentdb.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project: %w", err)
	}
	p.EncodedDirName = encoded.String
	return &p, nil
}

// ListProjects returns every project, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]agentdb.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, source, encoded_dir_name, created_at, updated_at FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []agentdb.Project
	for rows.Next() {
		var p agentdb.Project
		var encoded sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Source, &encoded, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.EncodedDirName = encoded.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertSession inserts or updates a session, never overwriting a
// previously-known non-null column with a null incoming value (COALESCE
// semantics). Grounded on db.rs's upsert_session_full.
func (s *Store) UpsertSession(ctx context.Context, in agentdb.SessionInput, projectID int64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project_id, cwd, model, channel, file_mtime, file_size, meta, session_type, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			cwd          = COALESCE(excluded.cwd, sessions.cwd),
			model        = COALESCE(excluded.model, sessions.model),
			channel      = COALESCE(excluded.channel, sessions.channel),
			file_mtime   = COALESCE(excluded.file_mtime, sessions.file_mtime),
			file_size    = COALESCE(excluded.file_size, sessions.file_size),
			meta         = COALESCE(excluded.meta, sessions.meta),
			session_type = COALESCE(excluded.session_type, sessions.session_type),
			source       = COALESCE(NULLIF(excluded.source, ''), sessions.source),
			updated_at   = excluded.updated_at`,
		in.SessionID, projectID, nullableString(in.Cwd), nullableString(in.Model), nullableString(in.Channel),
		nullableInt64(in.FileMtime), nullableInt64(in.FileSize), nullableString(in.Meta), nullableString(in.SessionType),
		in.Source, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// GetSession returns a single session by its vendor-assigned session ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*agentdb.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, project_id, message_count, first_message_at, last_message_at,
		       cwd, model, channel, file_mtime, file_size, meta, session_type, source, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ResolveSessionID resolves a short, user-typed prefix to the single
// matching full session ID, or an error if zero or more than one session
// matches. Grounded on db.rs's resolve_session_id.
func (s *Store) ResolveSessionID(ctx context.Context, prefix string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE session_id LIKE ? ESCAPE '\' LIMIT 2`, escapeLikePattern(prefix)+"%")
	if err != nil {
		return "", fmt.Errorf("store: resolve session prefix: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	switch len(matches) {
	case 0:
		return "", agentdb.ErrSessionNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("store: ambiguous session prefix %q matches %d sessions", prefix, len(matches))
	}
}

// GetSessionLatestTimestamp returns the timestamp of the most recent
// message recorded for a session, or nil if the session has none yet.
func (s *Store) GetSessionLatestTimestamp(ctx context.Context, sessionID string) (*int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_message_at FROM sessions WHERE session_id = ?`, sessionID).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	v := ts.Int64
	return &v, nil
}

// IngestionCutoff returns the timestamp after which messages for sessionID
// should be (re-)ingested: the session's last known message time minus
// RewindWindow, or zero (ingest everything) if the session has no
// messages yet.
func (s *Store) IngestionCutoff(ctx context.Context, sessionID string) (int64, error) {
	ts, err := s.GetSessionLatestTimestamp(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, nil
	}
	cutoff := *ts - RewindWindow.Milliseconds()
	if cutoff < 0 {
		cutoff = 0
	}
	return cutoff, nil
}

// InsertMessages idempotently inserts messages for sessionID in a single
// transaction, ignoring any whose uuid already exists, then recomputes
// sessions.message_count and first/last_message_at by counting rather than
// incrementing, so the count never diverges from reality. Returns the
// number of rows actually inserted. Grounded on db.rs's insert_messages.
func (s *Store) InsertMessages(ctx context.Context, sessionID string, messages []agentdb.MessageInput) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	if err := s.requireWriter(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin insert messages: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, uuid, type, content_text, content_full, timestamp, sequence,
		                       source, channel, model, tool_call_id, tool_name, tool_args, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert message: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		res, err := stmt.ExecContext(ctx, sessionID, m.UUID, string(m.Type), m.ContentText, m.ContentFull,
			m.Timestamp, m.Sequence, m.Source, nullableString(m.Channel), nullableString(m.Model),
			nullableString(m.ToolCallID), nullableString(m.ToolName), nullableString(m.ToolArgs), nullableString(m.Raw))
		if err != nil {
			return 0, fmt.Errorf("store: insert message %s: %w", m.UUID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			inserted++
		}
	}

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			message_count    = (SELECT COUNT(*) FROM messages WHERE session_id = ?1),
			first_message_at = (SELECT MIN(timestamp) FROM messages WHERE session_id = ?1),
			last_message_at  = (SELECT MAX(timestamp) FROM messages WHERE session_id = ?1),
			updated_at       = ?2
		WHERE session_id = ?1`, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("store: recompute message_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit insert messages: %w", err)
	}
	return inserted, nil
}

// NextSequence returns one past the highest sequence number currently
// recorded for sessionID, for callers assigning sequence numbers to
// messages parsed outside of the Collector's per-file enumeration (e.g. a
// single hook-triggered append). InsertMessages stores each message's
// Sequence as given and assigns none itself.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM messages WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

// GetMessages returns every message for a session in sequence order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]agentdb.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, uuid, type, content_text, content_full, timestamp, sequence, source, channel,
		       model, tool_call_id, tool_name, tool_args, raw, vector_indexed, approval_status, approval_resolved_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
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

// Stats returns cheap aggregate row counts.
func (s *Store) Stats(ctx context.Context) (agentdb.Stats, error) {
	var st agentdb.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM projects),
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM messages)`).Scan(&st.ProjectCount, &st.SessionCount, &st.MessageCount)
	if err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

func scanSession(row *sql.Row) (*agentdb.Session, error) {
	var s agentdb.Session
	var first, last, mtime, size sql.NullInt64
	var cwd, model, channel, meta, sessionType sql.NullString
	err := row.Scan(&s.ID, &s.SessionID, &s.ProjectID, &s.MessageCount, &first, &last,
		&cwd, &model, &channel, &mtime, &size, &meta, &sessionType, &s.Source, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, agentdb.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	s.FirstMessageAt, s.LastMessageAt, s.FileMtime, s.FileSize = first.Int64, last.Int64, mtime.Int64, size.Int64
	s.Cwd, s.Model, s.Channel, s.Meta, s.SessionType = cwd.String, model.String, channel.String, meta.String, sessionType.String
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*agentdb.Message, error) {
	var m agentdb.Message
	var channel, model, toolCallID, toolName, toolArgs, raw sql.NullString
	var approval sql.NullString
	var resolvedAt sql.NullInt64
	var indexed int
	err := row.Scan(&m.ID, &m.SessionID, &m.UUID, &m.Type, &m.ContentText, &m.ContentFull, &m.Timestamp, &m.Sequence,
		&m.Source, &channel, &model, &toolCallID, &toolName, &toolArgs, &raw, &indexed, &approval, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.Channel, m.Model, m.ToolCallID, m.ToolName, m.ToolArgs, m.Raw = channel.String, model.String, toolCallID.String, toolName.String, toolArgs.String, raw.String
	m.VectorIndexed = indexed != 0
	if approval.Valid {
		st := agentdb.ApprovalStatus(approval.String)
		m.ApprovalStatus = &st
	}
	if resolvedAt.Valid {
		m.ApprovalResolvedAt = &resolvedAt.Int64
	}
	return &m, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
