// Package watch is the File Watcher (C6): it watches the transcript tree
// for changes, coalesces bursts of writes into a single trigger per file,
// and hands the result off to the ingestion pipeline. Grounded on
// original_source/src/agent/watcher.rs: fsnotify (a real dependency
// already declared by this module) replaces the original's
// notify/notify_debouncer_mini crates; since fsnotify has no built-in
// debounce, a small per-path timer map reproduces the same 2-second
// coalescing window.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// DebounceWindow matches the original debouncer's coalescing interval.
const DebounceWindow = 2 * time.Second

// Root is one directory this watcher recurses into, alongside the file
// extensions it cares about there.
type Root struct {
	Path       string
	Recursive  bool
	Extensions map[string]struct{}
}

// Collector is the subset of the Ingestion Core the watcher drives: a
// single-file incremental scan triggered by a filesystem event.
type Collector interface {
	CollectByPath(ctx context.Context, path string) (messagesInserted int, sessionID string, err error)
}

// Watcher owns an fsnotify.Watcher, a debounce timer per pending path, and
// a reference to the collector and broadcaster it drives on settle.
type Watcher struct {
	roots     []Root
	collector Collector
	broadcast func(sessionID, path string, count int, messageIDs []int64)

	mu      sync.Mutex
	pending map[string]*time.Timer

	fsw *fsnotify.Watcher
}

// New builds a Watcher over the given roots. broadcast is called once per
// settled file whose collection inserted at least one message; it is
// typically bound to a Broadcaster.Broadcast(Event{Type: EventNewMessage, ...}).
func New(roots []Root, collector Collector, broadcast func(sessionID, path string, count int, messageIDs []int64)) *Watcher {
	return &Watcher{
		roots:     roots,
		collector: collector,
		broadcast: broadcast,
		pending:   make(map[string]*time.Timer),
	}
}

// Start begins watching every configured root and processing events until
// ctx is cancelled. Errors watching an individual root are logged and
// skipped; the watcher proceeds with whatever roots succeeded, matching
// watcher.rs's per-root tolerance.
func (w *Watcher) Start(ctx context.Context) error {
	log := logging.For("watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	for _, root := range w.roots {
		if root.Recursive {
			if err := w.addRecursive(root.Path); err != nil {
				log.Warn().Str("root", root.Path).Msg("failed to watch root: " + err.Error())
				continue
			}
		} else {
			if err := fsw.Add(root.Path); err != nil {
				log.Warn().Str("root", root.Path).Msg("failed to watch root: " + err.Error())
				continue
			}
		}
		log.Debug().Str("root", root.Path).Msg("watching root")
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable subdirectories, keep walking the rest
		}
		if info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return nil
			}
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	log := logging.For("watcher")
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleSettle(ctx, event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Msg("watcher error: " + err.Error())
		}
	}
}

// scheduleSettle (re)starts a per-path debounce timer so a burst of writes
// to the same file within DebounceWindow collapses into one handleSettled
// call, matching notify_debouncer_mini's DebouncedEventKind::Any coalescing.
func (w *Watcher) scheduleSettle(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(DebounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handleSettled(ctx, path)
	})
}

func (w *Watcher) handleSettled(ctx context.Context, path string) {
	if !w.extensionSupported(path) {
		return // unknown extensions are silently dropped
	}
	if err := w.TriggerCollect(ctx, path); err != nil {
		logging.For("watcher").Warn().Str("path", path).Msg("collection failed: " + err.Error())
	}
}

func (w *Watcher) extensionSupported(path string) bool {
	ext := filepath.Ext(path)
	for _, root := range w.roots {
		if _, ok := root.Extensions[ext]; ok {
			return true
		}
	}
	return false
}

// TriggerCollect runs an incremental scan of a single file and, if it
// inserted any messages, invokes the broadcast callback. Exposed so the
// Request Handler can drive the same path for NotifyFileChange and
// HookEvent requests.
func (w *Watcher) TriggerCollect(ctx context.Context, path string) error {
	count, sessionID, err := w.collector.CollectByPath(ctx, path)
	if err != nil {
		return err
	}
	if count > 0 && w.broadcast != nil {
		w.broadcast(sessionID, path, count, nil)
	}
	return nil
}
