package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/broker"
)

// fakeServer accepts exactly one connection, answers the handshake, and
// lets the test drive further request/response and push traffic over it.
type fakeServer struct {
	t        *testing.T
	listener net.Listener
	conn     net.Conn
	reader   *bufio.Scanner
}

func startFakeServer(t *testing.T, dataDir string) *fakeServer {
	t.Helper()

	listener, err := net.Listen("unix", filepath.Join(dataDir, "agent.sock"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	fs := &fakeServer{t: t, listener: listener}
	accepted := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		fs.conn = conn
		fs.reader = bufio.NewScanner(conn)
		close(accepted)

		// Handshake: the first line in is always ReqHandshake.
		if fs.reader.Scan() {
			writeFakeLine(conn, broker.Response{Type: broker.RespHandshakeOk, AgentVersion: "test"})
		}
	}()

	t.Cleanup(func() { listener.Close() })
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("fake server never accepted a connection")
	}
	return fs
}

func writeFakeLine(conn net.Conn, v interface{}) {
	b, _ := json.Marshal(v)
	conn.Write(append(b, '\n'))
}

func TestConnectOrStartHandshakesOverExistingSocket(t *testing.T) {
	dataDir := t.TempDir()
	startFakeServer(t, dataDir)

	c, err := ConnectOrStart(context.Background(), Config{DataDir: dataDir, Component: "test", Version: "1.0"})
	if err != nil {
		t.Fatalf("connect or start: %v", err)
	}
	defer c.Close()
}

func TestClientDemultiplexesResponsesAndPushes(t *testing.T) {
	dataDir := t.TempDir()
	fs := startFakeServer(t, dataDir)

	c, err := ConnectOrStart(context.Background(), Config{DataDir: dataDir, Component: "test", Version: "1.0"})
	if err != nil {
		t.Fatalf("connect or start: %v", err)
	}
	defer c.Close()

	// The server answers the next Request with a Response, and separately
	// emits an unsolicited Push — the client must route each to the right
	// channel by whether its type names a Response variant.
	go func() {
		if !fs.reader.Scan() {
			return
		}
		writeFakeLine(fs.conn, broker.Response{Type: broker.RespOk, Success: true})
		writeFakeLine(fs.conn, broker.Push{Type: broker.PushNewMessages, SessionID: "s1", Count: 3})
	}()

	resp, err := c.Request(broker.Request{Type: broker.ReqNotifyFileChange, Path: "/tmp/x"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != broker.RespOk {
		t.Fatalf("expected ok response, got %q", resp.Type)
	}

	push, ok := c.RecvPush()
	if !ok {
		t.Fatalf("expected a push to be received")
	}
	if push.SessionID != "s1" || push.Count != 3 {
		t.Fatalf("unexpected push: %+v", push)
	}
}

func TestIsAgentStuckDetectsLivePidWithMissingSocket(t *testing.T) {
	dataDir := t.TempDir()
	config := Config{DataDir: dataDir}

	if err := os.WriteFile(config.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if !isAgentStuck(config) {
		t.Fatalf("expected a live pid with no socket to be detected as stuck")
	}
}

func TestIsAgentStuckFalseWhenSocketPresent(t *testing.T) {
	dataDir := t.TempDir()
	config := Config{DataDir: dataDir}

	if err := os.WriteFile(config.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	listener, err := net.Listen("unix", config.socketPath())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	if isAgentStuck(config) {
		t.Fatalf("expected a live agent with its socket present to not be stuck")
	}
}

func TestIsAgentStuckFalseWhenPidFileMissing(t *testing.T) {
	config := Config{DataDir: t.TempDir()}
	if isAgentStuck(config) {
		t.Fatalf("expected no pid file to mean not stuck")
	}
}

func TestCleanupStaleRemovesSocketAndPidFiles(t *testing.T) {
	dataDir := t.TempDir()
	config := Config{DataDir: dataDir}

	// A pid that is certainly not this test process: cleanupStale signals
	// whatever pid the file names, and signalling the test runner itself
	// would be self-destructive.
	if err := os.WriteFile(config.pidPath(), []byte("999999999"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := os.WriteFile(config.socketPath(), []byte("not a real socket"), 0o600); err != nil {
		t.Fatalf("write fake socket file: %v", err)
	}

	cleanupStale(config)

	if _, err := os.Stat(config.pidPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pid file to be removed")
	}
	if _, err := os.Stat(config.socketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected socket file to be removed")
	}
}
