// Package ingest is the Incremental Ingestion Pipeline: a Collector that
// drives a registry of source-pluralized transcript Adapters, applying the
// rewind-window/idempotent-insert/sequence-assignment algorithm common to
// every vendor's transcript format. Grounded on
// original_source/src/collector.rs, with the adapter contract itself
// (the Source Adapter Registry, C5) treated as an interface matching
// original_source/src/lib.rs's re-export of ai_cli_session_collector's
// ConversationAdapter trait — that crate's concrete vendor parsers were
// not part of the retrieved sources, so only the contract is implemented
// here, plus one worked example adapter.
package ingest

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

// SessionMeta describes one discovered transcript file before it has been
// parsed.
type SessionMeta struct {
	SessionPath string // absolute path to the transcript file
	ProjectPath string // working directory the session was recorded against
}

// ParseResult is what an Adapter produces for one transcript file: the
// session-level metadata plus every message found in it, in file order.
// Sequence numbers are assigned by the Collector, not the adapter.
type ParseResult struct {
	Session  agentdb.SessionInput
	Messages []agentdb.MessageInput
}

// Adapter is the Source Adapter Registry contract (C5): one implementation
// per vendor transcript format (Claude Code, Codex, OpenCode, ...).
type Adapter interface {
	// Name identifies this adapter's source tag, stored on every Session
	// and Message row it produces.
	Name() string

	// ShouldHandle reports whether this adapter recognizes path as one of
	// its own transcript files, by extension and/or directory shape.
	ShouldHandle(path string) bool

	// ListSessions enumerates every transcript file this adapter can find
	// across its configured watch roots.
	ListSessions(ctx context.Context) ([]SessionMeta, error)

	// ParseSession parses one transcript file in full. A nil ParseResult
	// with a nil error means the file existed but contained nothing this
	// adapter considers a session (e.g. an empty or header-only file).
	ParseSession(ctx context.Context, meta SessionMeta) (*ParseResult, error)

	// WatchRoots returns the directories (and file extensions within
	// them) this adapter wants the File Watcher to observe.
	WatchRoots() []WatchRoot
}

// WatchRoot is one directory an Adapter wants watched, and the extensions
// within it that are worth reacting to.
type WatchRoot struct {
	Path       string
	Recursive  bool
	Extensions []string
}

// ExtractEncodedDirName returns the basename of path's parent directory —
// the vendor-specific encoded form of a project path (e.g. Claude Code
// encodes "/Users/test/myproject" as a sessions directory named
// "-Users-test-myproject"). Grounded on collector.rs's
// extract_encoded_dir_name.
func ExtractEncodedDirName(path string) string {
	parent := filepath.Dir(path)
	return filepath.Base(parent)
}

// ExtractProjectName returns the last non-empty path segment of an encoded
// directory name, splitting on '-' the way Claude Code's encoding does
// (e.g. "-Users-test-myproject" -> "myproject"). Grounded on collector.rs's
// extract_project_name.
func ExtractProjectName(encodedDirName string) string {
	parts := strings.Split(encodedDirName, "-")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}
