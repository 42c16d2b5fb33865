package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
)

// ClaudeAdapter parses Claude Code's JSONL transcript format: one project
// directory per encoded working directory under SessionsRoot, one file per
// session, one JSON object per line. This is the one worked Source Adapter
// this implementation carries; every other vendor format is left to the
// Adapter interface's implementors, per the Source Adapter Registry's
// scope (C5).
type ClaudeAdapter struct {
	// SessionsRoot is the directory containing one subdirectory per
	// encoded project path (e.g. ~/.claude/projects).
	SessionsRoot string
}

const claudeSource = "claude"

func (a *ClaudeAdapter) Name() string { return claudeSource }

func (a *ClaudeAdapter) ShouldHandle(path string) bool {
	return strings.HasPrefix(path, a.SessionsRoot) && filepath.Ext(path) == ".jsonl"
}

func (a *ClaudeAdapter) WatchRoots() []WatchRoot {
	return []WatchRoot{{Path: a.SessionsRoot, Recursive: true, Extensions: []string{".jsonl"}}}
}

func (a *ClaudeAdapter) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	var out []SessionMeta
	entries, err := os.ReadDir(a.SessionsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		dir := filepath.Join(a.SessionsRoot, dirEntry.Name())
		projectPath := decodeClaudeDirName(dirEntry.Name())

		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".jsonl" {
				continue
			}
			out = append(out, SessionMeta{
				SessionPath: filepath.Join(dir, f.Name()),
				ProjectPath: projectPath,
			})
		}
	}
	return out, nil
}

// decodeClaudeDirName reverses Claude Code's directory-name encoding,
// where "/Users/test/myproject" becomes "-Users-test-myproject".
func decodeClaudeDirName(encoded string) string {
	if encoded == "" || encoded[0] != '-' {
		return encoded
	}
	return "/" + strings.ReplaceAll(encoded[1:], "-", "/")
}

// claudeLine is the subset of Claude Code's per-line JSON shape this
// adapter cares about; unrecognized fields are ignored.
type claudeLine struct {
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Cwd       string          `json:"cwd"`
	Model     string          `json:"model"`
	Message   json.RawMessage `json:"message"`
}

func (a *ClaudeAdapter) ParseSession(ctx context.Context, meta SessionMeta) (*ParseResult, error) {
	f, err := os.Open(meta.SessionPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sessionID := strings.TrimSuffix(filepath.Base(meta.SessionPath), ".jsonl")

	info, _ := f.Stat()
	var mtime, size int64
	if info != nil {
		mtime = info.ModTime().UnixMilli()
		size = info.Size()
	}

	var messages []agentdb.MessageInput
	var cwd, model string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed claudeLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue // skip malformed lines rather than abort the whole session
		}
		if parsed.Cwd != "" {
			cwd = parsed.Cwd
		}
		if parsed.Model != "" {
			model = parsed.Model
		}

		msgType := agentdb.MessageType(parsed.Type)
		switch msgType {
		case agentdb.MessageUser, agentdb.MessageAssistant, agentdb.MessageSystem, agentdb.MessageTool:
		default:
			continue
		}

		id := parsed.UUID
		if id == "" {
			id = uuid.NewString()
		}

		messages = append(messages, agentdb.MessageInput{
			UUID:        id,
			Type:        msgType,
			ContentText: extractPreview(parsed.Message),
			ContentFull: string(parsed.Message),
			Timestamp:   parsed.Timestamp,
			Source:      claudeSource,
			Model:       model,
			Raw:         line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	return &ParseResult{
		Session: agentdb.SessionInput{
			SessionID:   sessionID,
			ProjectPath: meta.ProjectPath,
			Cwd:         cwd,
			Model:       model,
			FileMtime:   mtime,
			FileSize:    size,
			Source:      claudeSource,
		},
		Messages: messages,
	}, nil
}

// extractPreview pulls a short, human-readable preview out of a message's
// JSON content blocks, looking for "text" and "tool_use" block types.
// Grounded on original_source/src/reader.rs's generate_preview family.
func extractPreview(raw json.RawMessage) string {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return truncateRunes(string(raw), 100)
	}

	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		return truncateRunes(text, 100)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body.Content, &blocks); err == nil {
		for _, b := range blocks {
			switch b.Type {
			case "text":
				return truncateRunes(b.Text, 100)
			case "tool_use":
				return truncateRunes("[tool: "+b.Name+"]", 100)
			}
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
