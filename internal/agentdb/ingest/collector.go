package ingest

import (
	"context"
	"fmt"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/store"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// Result summarizes one CollectAll or CollectByPath pass. Grounded on
// collector.rs's CollectResult.
type Result struct {
	ProjectsScanned  int
	SessionsScanned  int
	MessagesInserted int
	NewMessageIDs    []int64
	Errors           []error
}

// Collector drives a set of Adapters against a Store, applying the
// rewind-window incremental scan and idempotent insert on every pass.
// Grounded directly on original_source/src/collector.rs's Collector.
type Collector struct {
	store    *store.Store
	adapters []Adapter
}

// New builds a Collector over the given store and adapter registry.
func New(st *store.Store, adapters []Adapter) *Collector {
	return &Collector{store: st, adapters: adapters}
}

// CollectAll runs a full incremental scan across every adapter: for each
// session an adapter reports, only messages newer than
// (last known timestamp - RewindWindow) are inserted, and ingestion errors
// for one session never abort the scan of the rest. Grounded on
// collector.rs's collect_all.
func (c *Collector) CollectAll(ctx context.Context) Result {
	log := logging.For("ingest")
	var result Result

	for _, adapter := range c.adapters {
		sessions, err := adapter.ListSessions(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: list sessions: %w", adapter.Name(), err))
			continue
		}

		for _, meta := range sessions {
			if meta.ProjectPath == "" {
				continue
			}
			inserted, _, err := c.collectOne(ctx, adapter, meta)
			if err != nil {
				result.Errors = append(result.Errors, err)
				log.Warn().Str("session", meta.SessionPath).Msg("ingest failed: " + err.Error())
				continue
			}
			if inserted > 0 {
				result.SessionsScanned++
				result.MessagesInserted += inserted
			}
		}
	}

	projects, err := c.store.ListProjects(ctx)
	if err == nil {
		result.ProjectsScanned = len(projects)
	}
	return result
}

// CollectByPath runs the same incremental scan for a single transcript
// file, dispatching to whichever registered adapter claims it. Returns the
// number of messages inserted and the session ID they belong to, for the
// File Watcher to decide whether to broadcast. Grounded on collector.rs's
// collect_by_path.
func (c *Collector) CollectByPath(ctx context.Context, path string) (int, string, error) {
	for _, adapter := range c.adapters {
		if !adapter.ShouldHandle(path) {
			continue
		}

		sessions, err := adapter.ListSessions(ctx)
		if err != nil {
			return 0, "", fmt.Errorf("%s: list sessions: %w", adapter.Name(), err)
		}
		for _, meta := range sessions {
			if meta.SessionPath != path {
				continue
			}
			return c.collectOne(ctx, adapter, meta)
		}
		return 0, "", nil
	}
	return 0, "", nil
}

// collectOne parses one session file, upserts its project and session
// rows, and inserts only the messages newer than the session's rewind
// cutoff, giving each inserted message its index in the parsed file's
// message list as its sequence number. This is the shared core of CollectAll
// and CollectByPath.
func (c *Collector) collectOne(ctx context.Context, adapter Adapter, meta SessionMeta) (int, string, error) {
	parsed, err := adapter.ParseSession(ctx, meta)
	if err != nil {
		return 0, "", fmt.Errorf("%s: parse %s: %w", adapter.Name(), meta.SessionPath, err)
	}
	if parsed == nil {
		return 0, "", nil
	}
	if parsed.Session.Cwd == "" {
		// No cwd recorded yet (e.g. the transcript's first line hasn't been
		// written): defer this session to a later trigger rather than
		// ingest it under a guessed project identity.
		return 0, "", nil
	}

	encodedDirName := ExtractEncodedDirName(meta.SessionPath)
	projectName := ExtractProjectName(encodedDirName)
	if projectName == "" {
		projectName = parsed.Session.ProjectPath
	}

	projectID, err := c.store.GetOrCreateProject(ctx, meta.ProjectPath, projectName, adapter.Name(), encodedDirName)
	if err != nil {
		return 0, "", fmt.Errorf("get or create project: %w", err)
	}

	if err := c.store.UpsertSession(ctx, parsed.Session, projectID); err != nil {
		return 0, "", fmt.Errorf("upsert session: %w", err)
	}

	cutoff, err := c.store.IngestionCutoff(ctx, parsed.Session.SessionID)
	if err != nil {
		return 0, "", fmt.Errorf("ingestion cutoff: %w", err)
	}

	var toInsert []agentdb.MessageInput
	for i, m := range parsed.Messages {
		if m.Timestamp <= cutoff {
			continue
		}
		m.Sequence = int64(i)
		toInsert = append(toInsert, m)
	}
	if len(toInsert) == 0 {
		return 0, parsed.Session.SessionID, nil
	}

	inserted, err := c.store.InsertMessages(ctx, parsed.Session.SessionID, toInsert)
	if err != nil {
		return 0, "", fmt.Errorf("insert messages: %w", err)
	}
	return inserted, parsed.Session.SessionID, nil
}
