package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/coordinate"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/ingest"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/store"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/watch"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// Config configures one Broker Server instance. Grounded on
// original_source/src/agent/server.rs's AgentConfig. Unix-domain sockets
// only, matching the teacher's own socket_path.go (!windows build tag).
type Config struct {
	DataDir     string
	IdleTimeout time.Duration
}

// DefaultIdleTimeout matches the original's 30-second default.
const DefaultIdleTimeout = 30 * time.Second

func (c Config) SocketPath() string { return filepath.Join(c.DataDir, "agent.sock") }
func (c Config) PidPath() string    { return filepath.Join(c.DataDir, "agent.pid") }
func (c Config) LockPath() string   { return filepath.Join(c.DataDir, "agent.lock") }
func (c Config) DBPath() string     { return filepath.Join(c.DataDir, "db", "ai-cli-session.db") }

// Server is the Broker Server (C10): it owns the Store, the connection
// manager, the broadcaster, the watcher, and the accept loop. Grounded on
// original_source/src/agent/server.rs's Agent.
type Server struct {
	config      Config
	store       *store.Store
	coordinator *coordinate.Coordinator
	collector   *ingest.Collector
	conns       *ConnectionManager
	broadcaster *Broadcaster
	watcher     *watch.Watcher
	handler     *Handler
	lock        *flock.Flock
}

// New builds a Server from config, opening the store and wiring the
// watcher/broadcaster/handler together. It does not bind the socket or
// start accepting connections; call Run for that.
func New(config Config, adapters []ingest.Adapter) (*Server, error) {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	if err := os.MkdirAll(filepath.Dir(config.DBPath()), 0o755); err != nil {
		return nil, fmt.Errorf("broker: create data dir: %w", err)
	}

	st, err := store.Open(config.DBPath())
	if err != nil {
		return nil, fmt.Errorf("broker: open store: %w", err)
	}

	conns := NewConnectionManager()
	broadcaster := NewBroadcaster(conns)
	collector := ingest.New(st, adapters)
	coordinator := coordinate.New(st.DB(), coordinate.WriterMemexDaemon, coordinate.DefaultConfig())
	st.SetWriterCheck(coordinator.IsWriter)

	var roots []watch.Root
	for _, a := range adapters {
		for _, wr := range a.WatchRoots() {
			exts := make(map[string]struct{}, len(wr.Extensions))
			for _, e := range wr.Extensions {
				exts[e] = struct{}{}
			}
			roots = append(roots, watch.Root{Path: wr.Path, Recursive: wr.Recursive, Extensions: exts})
		}
	}

	watcher := watch.New(roots, collector, func(sessionID, path string, count int, messageIDs []int64) {
		broadcaster.Broadcast(Event{Type: EventNewMessage, SessionID: sessionID, Path: path, Count: count, MessageIDs: messageIDs})
	})

	return &Server{
		config:      config,
		store:       st,
		coordinator: coordinator,
		collector:   collector,
		conns:       conns,
		broadcaster: broadcaster,
		watcher:     watcher,
		handler:     NewHandler(st, broadcaster, watcher),
		lock:        flock.New(config.LockPath()),
	}, nil
}

// Run binds the socket, performs a startup full scan, starts the file
// watcher and idle checker, and serves connections until ctx is cancelled
// or the idle-shutdown condition is reached. Grounded on server.rs's run.
func (s *Server) Run(ctx context.Context) error {
	log := logging.For("server")

	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("broker: acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("broker: another agent already owns %s", s.config.DataDir)
	}
	defer s.lock.Unlock()

	if err := s.writePidFile(); err != nil {
		return fmt.Errorf("broker: write pid file: %w", err)
	}
	defer s.cleanup()

	os.Remove(s.config.SocketPath()) // stale socket from an unclean prior exit

	listener, err := net.Listen("unix", s.config.SocketPath())
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.config.SocketPath(), err)
	}
	defer listener.Close()

	os.Chmod(s.config.SocketPath(), 0o600)

	log.Info().Str("socket", s.config.SocketPath()).Msg("agent starting")

	if _, err := s.coordinator.TryRegister(ctx); err != nil {
		return fmt.Errorf("broker: register writer: %w", err)
	}
	go s.coordinator.Run(ctx)

	go func() {
		result := s.collector.CollectAll(ctx)
		log.Info().Int("sessions", result.SessionsScanned).Int("messages", result.MessagesInserted).Msg("startup scan complete")
	}()

	if err := s.watcher.Start(ctx); err != nil {
		log.Warn().Msg("watcher failed to start: " + err.Error())
	}

	idleDone := make(chan struct{})
	go s.idleChecker(ctx, listener, idleDone)
	defer func() { <-idleDone }()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Either ctx was cancelled or idleChecker closed the listener
			// after a sustained idle period with no open connections.
			return nil
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	outbound := make(chan string, 100)
	id := s.conns.Register(outbound)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			if _, err := conn.Write([]byte(msg)); err != nil {
				return
			}
		}
	}()

	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for reader.Scan() {
		line := reader.Text()
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			errLine, _ := encodeLine(errResponse(400, "malformed request"))
			s.conns.TrySendTo(id, errLine)
			continue
		}

		resp := s.handler.Handle(ctx, id, req)
		encoded, err := encodeLine(resp)
		if err != nil {
			break
		}
		if !s.conns.SendTo(id, encoded) {
			break
		}
	}

	s.conns.Unregister(id)
	s.broadcaster.UnsubscribeAll(id)
	close(outbound)
	<-writerDone
	conn.Close()
}

// idleChecker shuts the server down once no connection has been open for a
// sustained idle period, or once ctx is cancelled, by closing listener (which
// unblocks Accept with an error). done is closed when the checker itself exits, so Run can wait for
// it before returning.
func (s *Server) idleChecker(ctx context.Context, listener net.Listener, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	idleThreshold := int(s.config.IdleTimeout / (5 * time.Second))
	if idleThreshold < 1 {
		idleThreshold = 1
	}
	idleTicks := 0

	for {
		select {
		case <-ctx.Done():
			listener.Close()
			return
		case <-ticker.C:
			if s.conns.HasConnections() {
				idleTicks = 0
				continue
			}
			idleTicks++
			if idleTicks >= idleThreshold {
				listener.Close()
				return
			}
		}
	}
}

func (s *Server) writePidFile() error {
	return os.WriteFile(s.config.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (s *Server) cleanup() {
	// ctx passed to Run may already be cancelled by the time cleanup runs;
	// releasing the lease is a best-effort final write, not tied to it.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.coordinator.Release(releaseCtx)

	os.Remove(s.config.SocketPath())
	os.Remove(s.config.PidPath())
	s.store.Close()
}
