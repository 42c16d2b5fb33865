package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

func TestDecodeClaudeDirName(t *testing.T) {
	cases := []struct {
		encoded string
		want    string
	}{
		{"-Users-test-myproject", "/Users/test/myproject"},
		{"-repo", "/repo"},
		{"no-leading-dash", "no-leading-dash"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := decodeClaudeDirName(tc.encoded); got != tc.want {
			t.Errorf("decodeClaudeDirName(%q) = %q, want %q", tc.encoded, got, tc.want)
		}
	}
}

func TestClaudeAdapterShouldHandle(t *testing.T) {
	a := &ClaudeAdapter{SessionsRoot: "/home/user/.claude/projects"}

	if !a.ShouldHandle("/home/user/.claude/projects/-repo/session.jsonl") {
		t.Fatalf("expected a .jsonl path under SessionsRoot to be handled")
	}
	if a.ShouldHandle("/home/user/.claude/projects/-repo/session.txt") {
		t.Fatalf("expected a non-jsonl extension to be rejected")
	}
	if a.ShouldHandle("/some/other/path/session.jsonl") {
		t.Fatalf("expected a path outside SessionsRoot to be rejected")
	}
}

func TestClaudeAdapterListSessions(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "-Users-test-myproject")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir project dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "session-a.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write non-session file: %v", err)
	}

	a := &ClaudeAdapter{SessionsRoot: root}
	sessions, err := a.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d: %+v", len(sessions), sessions)
	}
	if sessions[0].ProjectPath != "/Users/test/myproject" {
		t.Fatalf("expected decoded project path, got %q", sessions[0].ProjectPath)
	}
}

func TestClaudeAdapterListSessionsMissingRootIsNotAnError(t *testing.T) {
	a := &ClaudeAdapter{SessionsRoot: filepath.Join(t.TempDir(), "does-not-exist")}
	sessions, err := a.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("expected a missing root to be treated as zero sessions, got err: %v", err)
	}
	if sessions != nil {
		t.Fatalf("expected nil sessions, got %+v", sessions)
	}
}

func TestClaudeAdapterParseSession(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "-repo")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir project dir: %v", err)
	}
	sessionPath := filepath.Join(projectDir, "sess-123.jsonl")

	lines := `{"uuid":"u1","type":"user","timestamp":1000,"cwd":"/repo","model":"claude-x","message":{"content":"hello"}}
{"uuid":"u2","type":"assistant","timestamp":2000,"message":{"content":[{"type":"text","text":"hi there"}]}}
not even json
{"uuid":"u3","type":"summary","timestamp":3000,"message":{}}
{"type":"tool","timestamp":4000,"message":{"content":[{"type":"tool_use","name":"bash"}]}}
`
	if err := os.WriteFile(sessionPath, []byte(lines), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	a := &ClaudeAdapter{SessionsRoot: root}
	result, err := a.ParseSession(context.Background(), SessionMeta{SessionPath: sessionPath, ProjectPath: "/repo"})
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a non-nil result")
	}

	if result.Session.SessionID != "sess-123" {
		t.Fatalf("expected session id derived from filename, got %q", result.Session.SessionID)
	}
	if result.Session.Cwd != "/repo" {
		t.Fatalf("expected cwd carried from the line that set it, got %q", result.Session.Cwd)
	}
	if result.Session.Model != "claude-x" {
		t.Fatalf("expected model carried from the line that set it, got %q", result.Session.Model)
	}

	// The "summary" type line and the malformed line are both excluded,
	// leaving user, assistant, and tool.
	if len(result.Messages) != 3 {
		t.Fatalf("expected 3 recognized messages, got %d: %+v", len(result.Messages), result.Messages)
	}

	if result.Messages[0].UUID != "u1" || result.Messages[0].ContentText != "hello" {
		t.Fatalf("unexpected first message: %+v", result.Messages[0])
	}
	if result.Messages[1].ContentText != "hi there" {
		t.Fatalf("expected text-block preview, got %q", result.Messages[1].ContentText)
	}
	if result.Messages[2].Type != agentdb.MessageTool || result.Messages[2].UUID == "" {
		t.Fatalf("expected a generated uuid for the tool message missing one, got %+v", result.Messages[2])
	}
	if result.Messages[2].ContentText != "[tool: bash]" {
		t.Fatalf("expected tool_use preview, got %q", result.Messages[2].ContentText)
	}
}

func TestClaudeAdapterParseSessionEmptyReturnsNil(t *testing.T) {
	root := t.TempDir()
	sessionPath := filepath.Join(root, "empty.jsonl")
	if err := os.WriteFile(sessionPath, []byte(`{"uuid":"u1","type":"summary","timestamp":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	a := &ClaudeAdapter{SessionsRoot: root}
	result, err := a.ParseSession(context.Background(), SessionMeta{SessionPath: sessionPath})
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if result != nil {
		t.Fatalf("expected a nil result when no recognized messages are present, got %+v", result)
	}
}

func TestExtractPreviewVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"string content", `{"content":"hello world"}`, "hello world"},
		{"text block", `{"content":[{"type":"text","text":"hi"}]}`, "hi"},
		{"tool_use block", `{"content":[{"type":"tool_use","name":"grep"}]}`, "[tool: grep]"},
		{"unrecognized block type", `{"content":[{"type":"image"}]}`, ""},
		{"malformed json falls back to truncated raw", `not json`, "not json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractPreview([]byte(tc.raw)); got != tc.want {
				t.Errorf("extractPreview(%s) = %q, want %q", tc.name, got, tc.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("hello", 10); got != "hello" {
		t.Fatalf("expected short strings to pass through unchanged, got %q", got)
	}
	if got := truncateRunes("hello world", 5); got != "hello" {
		t.Fatalf("expected truncation to 5 runes, got %q", got)
	}
}
