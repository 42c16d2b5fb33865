// Package schema owns the SQL table/index/FTS definitions and the
// convergence-based schema establishment routine: CREATE TABLE IF NOT
// EXISTS, add-column-if-missing, bump user_version. It intentionally does
// not replay a numbered list of migrations — every statement here is safe
// to run against a brand-new database, an old one created by a prior
// version of this schema, or one restored from a backup.
package schema

import (
	"database/sql"
	"fmt"
)

// CurrentVersion is stored in PRAGMA user_version once schema
// establishment completes successfully.
const CurrentVersion = 1

// tablesSQL creates every table this system needs if it does not already
// exist. Column additions for tables that predate a given column are
// handled separately by ensureColumns, since SQLite's CREATE TABLE IF NOT
// EXISTS is a no-op against an existing table of the same name.
const tablesSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	path TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL DEFAULT '',
	encoded_dir_name TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	message_count INTEGER NOT NULL DEFAULT 0,
	first_message_at INTEGER,
	last_message_at INTEGER,
	cwd TEXT,
	model TEXT,
	channel TEXT,
	file_mtime INTEGER,
	file_size INTEGER,
	meta TEXT,
	session_type TEXT,
	source TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	uuid TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	content_text TEXT,
	content_full TEXT,
	timestamp INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	channel TEXT,
	model TEXT,
	tool_call_id TEXT,
	tool_name TEXT,
	tool_args TEXT,
	raw TEXT,
	vector_indexed INTEGER NOT NULL DEFAULT 0,
	vector_index_failed INTEGER NOT NULL DEFAULT 0,
	approval_status TEXT,
	approval_resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS talks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	talk_id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	summary_l2 TEXT,
	summary_l3 TEXT,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_session_id TEXT NOT NULL,
	child_session_id TEXT NOT NULL,
	relation_type TEXT NOT NULL DEFAULT 'subagent',
	created_at INTEGER NOT NULL,
	CHECK (parent_session_id <> child_session_id)
);

CREATE TABLE IF NOT EXISTS writer_lease (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	writer_id TEXT NOT NULL,
	writer_type INTEGER NOT NULL,
	priority INTEGER NOT NULL,
	last_heartbeat_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_checkpoints (
	source TEXT PRIMARY KEY,
	last_scanned_at INTEGER
);
`

const indexesSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_message_at ON sessions(last_message_at);
CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_session_sequence ON messages(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_messages_unindexed ON messages(vector_indexed) WHERE vector_indexed = 0;
CREATE INDEX IF NOT EXISTS idx_messages_approval_pending ON messages(approval_status) WHERE approval_status = 'pending';
CREATE INDEX IF NOT EXISTS idx_messages_approval_not_null ON messages(approval_status) WHERE approval_status IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_talks_session_id ON talks(session_id);
CREATE INDEX IF NOT EXISTS idx_session_relations_parent ON session_relations(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_session_relations_child ON session_relations(child_session_id);
`

const ftsSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	content_full,
	content='messages',
	content_rowid='id',
	tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, content_full) VALUES (new.id, new.content_full);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_full) VALUES ('delete', old.id, old.content_full);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_full) VALUES ('delete', old.id, old.content_full);
	INSERT INTO messages_fts(rowid, content_full) VALUES (new.id, new.content_full);
END;
`

// columnSpec is one column this schema version expects a table to carry,
// added after the fact if an older database predates it.
type columnSpec struct {
	table      string
	name       string
	definition string
}

var expectedColumns = []columnSpec{
	{"messages", "vector_index_failed", "INTEGER NOT NULL DEFAULT 0"},
	{"messages", "approval_status", "TEXT"},
	{"messages", "approval_resolved_at", "INTEGER"},
	{"sessions", "session_type", "TEXT"},
	{"sessions", "source", "TEXT NOT NULL DEFAULT ''"},
	{"projects", "encoded_dir_name", "TEXT"},
	{"projects", "source", "TEXT NOT NULL DEFAULT ''"},
}

// Ensure establishes the full schema against db, converging an empty
// database, an older one, or one already at the current version to the
// same end state. It is safe to call on every process startup.
func Ensure(db *sql.DB, withFTS bool) error {
	// The table, column and index steps below run idempotently on every
	// call, whatever user_version says: a database at the current version
	// may still be missing a column if it was restored from a backup taken
	// mid-upgrade. The FTS step runs only when withFTS is set.
	version, err := userVersion(db)
	if err != nil {
		return fmt.Errorf("schema: read user_version: %w", err)
	}

	if _, err := db.Exec(tablesSQL); err != nil {
		return fmt.Errorf("schema: create tables: %w", err)
	}

	if err := ensureColumns(db); err != nil {
		return fmt.Errorf("schema: ensure columns: %w", err)
	}

	if _, err := db.Exec(indexesSQL); err != nil {
		return fmt.Errorf("schema: create indexes: %w", err)
	}

	if withFTS {
		if _, err := db.Exec(ftsSQL); err != nil {
			return fmt.Errorf("schema: create fts: %w", err)
		}
	}

	if version < CurrentVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentVersion)); err != nil {
			return fmt.Errorf("schema: bump user_version: %w", err)
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func ensureColumns(db *sql.DB) error {
	have := map[string]map[string]bool{}
	for _, c := range expectedColumns {
		if have[c.table] == nil {
			cols, err := tableColumns(db, c.table)
			if err != nil {
				return err
			}
			have[c.table] = cols
		}
		if have[c.table][c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.definition)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.name, err)
		}
		have[c.table][c.name] = true
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
