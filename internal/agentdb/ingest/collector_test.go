package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/store"
)

// fakeAdapter is an in-memory Adapter for exercising Collector without a
// real transcript file format on disk.
type fakeAdapter struct {
	sessions map[string]*ParseResult // keyed by SessionPath
}

func (f *fakeAdapter) Name() string                { return "fake" }
func (f *fakeAdapter) ShouldHandle(path string) bool { _, ok := f.sessions[path]; return ok }

func (f *fakeAdapter) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	metas := make([]SessionMeta, 0, len(f.sessions))
	for path, r := range f.sessions {
		metas = append(metas, SessionMeta{SessionPath: path, ProjectPath: r.Session.ProjectPath})
	}
	return metas, nil
}

func (f *fakeAdapter) ParseSession(ctx context.Context, meta SessionMeta) (*ParseResult, error) {
	return f.sessions[meta.SessionPath], nil
}

func (f *fakeAdapter) WatchRoots() []WatchRoot { return nil }

func setupCollectorStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCollectAllInsertsMessagesAndCountsSessions(t *testing.T) {
	st := setupCollectorStore(t)

	adapter := &fakeAdapter{sessions: map[string]*ParseResult{
		"/home/user/.claude/projects/-repo-one/s1.jsonl": {
			Session: agentdb.SessionInput{SessionID: "s1", ProjectPath: "/repo/one", Cwd: "/repo/one", Source: "fake"},
			Messages: []agentdb.MessageInput{
				{UUID: "m1", Type: agentdb.MessageUser, ContentText: "hi", Timestamp: 100, Source: "fake"},
				{UUID: "m2", Type: agentdb.MessageAssistant, ContentText: "hello", Timestamp: 200, Source: "fake"},
			},
		},
	}}

	c := New(st, []Adapter{adapter})
	result := c.CollectAll(context.Background())

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.SessionsScanned != 1 {
		t.Fatalf("expected 1 session scanned, got %d", result.SessionsScanned)
	}
	if result.MessagesInserted != 2 {
		t.Fatalf("expected 2 messages inserted, got %d", result.MessagesInserted)
	}

	got, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", got.MessageCount)
	}
}

func TestCollectAllSkipsSessionsWithoutProjectPath(t *testing.T) {
	st := setupCollectorStore(t)

	adapter := &fakeAdapter{sessions: map[string]*ParseResult{
		"/tmp/orphan.jsonl": {
			Session:  agentdb.SessionInput{SessionID: "orphan", ProjectPath: "", Cwd: "/tmp", Source: "fake"},
			Messages: []agentdb.MessageInput{{UUID: "m1", Timestamp: 1, Source: "fake"}},
		},
	}}

	c := New(st, []Adapter{adapter})
	result := c.CollectAll(context.Background())

	if result.SessionsScanned != 0 || result.MessagesInserted != 0 {
		t.Fatalf("expected session with empty project path to be skipped, got %+v", result)
	}
}

func TestCollectAllDefersSessionsMissingCwd(t *testing.T) {
	st := setupCollectorStore(t)

	path := "/home/user/.claude/projects/-repo-four/s4.jsonl"
	adapter := &fakeAdapter{sessions: map[string]*ParseResult{
		path: {
			// ProjectPath is set (e.g. derived from an encoded directory
			// name) but Cwd is not: the transcript's first line hasn't
			// reported a working directory yet.
			Session:  agentdb.SessionInput{SessionID: "s4", ProjectPath: "/repo/four", Source: "fake"},
			Messages: []agentdb.MessageInput{{UUID: "m1", Timestamp: 1, Source: "fake"}},
		},
	}}

	c := New(st, []Adapter{adapter})
	result := c.CollectAll(context.Background())

	if result.SessionsScanned != 0 || result.MessagesInserted != 0 {
		t.Fatalf("expected session with no cwd yet to be deferred, got %+v", result)
	}

	if _, err := st.GetSession(context.Background(), "s4"); err != agentdb.ErrSessionNotFound {
		t.Fatalf("expected no session row to be written while cwd is unknown, got err=%v", err)
	}

	// Once the adapter reports a cwd on a later trigger, the session ingests normally.
	adapter.sessions[path].Session.Cwd = "/repo/four"
	result = c.CollectAll(context.Background())
	if result.SessionsScanned != 1 || result.MessagesInserted != 1 {
		t.Fatalf("expected the session to ingest once cwd is known, got %+v", result)
	}
}

func TestCollectAllAppliesRewindWindowOnSecondPass(t *testing.T) {
	st := setupCollectorStore(t)

	path := "/home/user/.claude/projects/-repo-two/s2.jsonl"
	adapter := &fakeAdapter{sessions: map[string]*ParseResult{
		path: {
			Session: agentdb.SessionInput{SessionID: "s2", ProjectPath: "/repo/two", Cwd: "/repo/two", Source: "fake"},
			Messages: []agentdb.MessageInput{
				{UUID: "m1", Timestamp: 10 * 60 * 60 * 1000, Source: "fake"},
			},
		},
	}}

	c := New(st, []Adapter{adapter})
	if result := c.CollectAll(context.Background()); result.MessagesInserted != 1 {
		t.Fatalf("expected 1 message on first pass, got %d", result.MessagesInserted)
	}

	// Append a message older than the rewind cutoff: it must NOT be re-ingested.
	adapter.sessions[path].Messages = append(adapter.sessions[path].Messages, agentdb.MessageInput{
		UUID: "m-old", Timestamp: 1, Source: "fake",
	})
	// And one past the cutoff, which must be ingested.
	adapter.sessions[path].Messages = append(adapter.sessions[path].Messages, agentdb.MessageInput{
		UUID: "m-new", Timestamp: 10*60*60*1000 + 1, Source: "fake",
	})

	result := c.CollectAll(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.MessagesInserted != 1 {
		t.Fatalf("expected exactly 1 newly inserted message on the second pass, got %d", result.MessagesInserted)
	}
}

func TestCollectByPathDispatchesToOwningAdapter(t *testing.T) {
	st := setupCollectorStore(t)

	path := "/home/user/.claude/projects/-repo-three/s3.jsonl"
	adapter := &fakeAdapter{sessions: map[string]*ParseResult{
		path: {
			Session:  agentdb.SessionInput{SessionID: "s3", ProjectPath: "/repo/three", Cwd: "/repo/three", Source: "fake"},
			Messages: []agentdb.MessageInput{{UUID: "m1", Timestamp: 1, Source: "fake"}},
		},
	}}

	c := New(st, []Adapter{adapter})
	inserted, sessionID, err := c.CollectByPath(context.Background(), path)
	if err != nil {
		t.Fatalf("collect by path: %v", err)
	}
	if inserted != 1 || sessionID != "s3" {
		t.Fatalf("expected (1, s3), got (%d, %s)", inserted, sessionID)
	}

	inserted, _, err = c.CollectByPath(context.Background(), "/not/tracked.jsonl")
	if err != nil {
		t.Fatalf("collect by path for untracked file: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 insertions for a file no adapter claims, got %d", inserted)
	}
}
