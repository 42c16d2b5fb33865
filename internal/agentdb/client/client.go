// Package client is the Broker Client (C11): it connects to a running
// Broker Server, auto-spawning one if none answers, and exposes the
// request/response and push-event surface over that connection. Grounded
// on original_source/src/client/connect.rs.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/broker"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// Config configures the connect-or-spawn handshake.
type Config struct {
	DataDir           string
	Component         string
	Version           string
	ConnectRetries    int
	RetryInterval     time.Duration
	AgentBinaryPath   string // overrides the AGENTDB_AGENT_PATH env var and the default <DataDir>/bin/agent
	SpawnWaitAttempts int
	SpawnWaitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.SpawnWaitAttempts == 0 {
		c.SpawnWaitAttempts = 10
	}
	if c.SpawnWaitInterval == 0 {
		c.SpawnWaitInterval = 200 * time.Millisecond
	}
	return c
}

func (c Config) socketPath() string { return filepath.Join(c.DataDir, "agent.sock") }
func (c Config) pidPath() string    { return filepath.Join(c.DataDir, "agent.pid") }
func (c Config) logPath() string    { return filepath.Join(c.DataDir, "agent.log") }

func (c Config) agentBinaryPath() string {
	if c.AgentBinaryPath != "" {
		return c.AgentBinaryPath
	}
	if p := os.Getenv("AGENTDB_AGENT_PATH"); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "bin", "agent")
}

// Client is one connection to the Broker Server: a request/response surface
// plus a separate channel for unsolicited push events. Grounded on
// connect.rs's AgentClient.
type Client struct {
	config Config
	conn   net.Conn

	mu         sync.Mutex
	responseCh chan string
	pushCh     chan string
}

// ConnectOrStart implements connect_or_start_agent: try to connect, and on
// repeated failure detect and clean up a stuck agent before spawning a new
// one and retrying.
func ConnectOrStart(ctx context.Context, config Config) (*Client, error) {
	config = config.withDefaults()
	log := logging.For("client")

	var lastErr error
	for attempt := 1; attempt <= config.ConnectRetries; attempt++ {
		conn, err := net.Dial("unix", config.socketPath())
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("connected to agent")
			return finishConnect(config, conn)
		}
		lastErr = err
		if attempt < config.ConnectRetries {
			time.Sleep(config.RetryInterval)
		}
	}

	if isAgentStuck(config) {
		log.Warn().Msg("agent appears stuck, cleaning up stale state")
		cleanupStale(config)
	}

	if err := startAgent(config); err != nil {
		return nil, fmt.Errorf("client: start agent: %w", err)
	}

	for attempt := 1; attempt <= config.SpawnWaitAttempts; attempt++ {
		time.Sleep(config.SpawnWaitInterval)
		conn, err := net.Dial("unix", config.socketPath())
		if err == nil {
			log.Info().Msg("agent started, connected")
			return finishConnect(config, conn)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("client: timeout starting agent: %w", lastErr)
}

// finishConnect performs the handshake and starts the demultiplexing reader
// task. Grounded on connect.rs's finish_connect: inbound lines are routed by
// their "type" field — a line whose type names a Response variant (ok,
// error, handshake_ok, query_result) goes to the response channel, and
// anything else is treated as a Push.
func finishConnect(config Config, conn net.Conn) (*Client, error) {
	w := bufio.NewWriter(conn)
	handshake := broker.Request{Type: broker.ReqHandshake, Component: config.Component, Version: config.Version}
	if err := writeLine(w, handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send handshake: %w", err)
	}

	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	if !reader.Scan() {
		conn.Close()
		return nil, fmt.Errorf("client: no handshake response: %w", reader.Err())
	}

	var resp broker.Response
	if err := json.Unmarshal(reader.Bytes(), &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: parse handshake response: %w", err)
	}
	if resp.Type == broker.RespError {
		conn.Close()
		return nil, fmt.Errorf("client: handshake failed: %s (code=%d)", resp.Error, resp.Code)
	}
	if resp.Type != broker.RespHandshakeOk {
		conn.Close()
		return nil, fmt.Errorf("client: unexpected handshake response type %q", resp.Type)
	}

	c := &Client{
		config:     config,
		conn:       conn,
		responseCh: make(chan string, 100),
		pushCh:     make(chan string, 100),
	}
	go c.readLoop(reader)
	return c, nil
}

func (c *Client) readLoop(reader *bufio.Scanner) {
	defer close(c.responseCh)
	defer close(c.pushCh)

	for reader.Scan() {
		line := reader.Text()
		if line == "" {
			continue
		}
		var probe broker.Response
		if err := json.Unmarshal([]byte(line), &probe); err == nil {
			switch probe.Type {
			case broker.RespOk, broker.RespError, broker.RespHandshakeOk, broker.RespQueryResult:
				c.responseCh <- line
				continue
			}
		}
		c.pushCh <- line
	}
}

// Request sends req and blocks for the next line on the response channel.
// Request/response pairing relies on the server answering requests on one
// connection in order; concurrent callers must serialize their own calls.
func (c *Client) Request(req broker.Request) (broker.Response, error) {
	c.mu.Lock()
	w := bufio.NewWriter(c.conn)
	err := writeLine(w, req)
	c.mu.Unlock()
	if err != nil {
		return broker.Response{}, fmt.Errorf("client: send request: %w", err)
	}

	line, ok := <-c.responseCh
	if !ok {
		return broker.Response{}, fmt.Errorf("client: connection closed")
	}
	var resp broker.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return broker.Response{}, fmt.Errorf("client: parse response: %w", err)
	}
	return resp, nil
}

// Subscribe requests delivery of the given event types on the push channel.
func (c *Client) Subscribe(events []broker.EventType) error {
	resp, err := c.Request(broker.Request{Type: broker.ReqSubscribe, Events: events})
	return checkOK(resp, err, "subscribe")
}

// NotifyFileChange asks the agent to run an incremental scan of one path.
func (c *Client) NotifyFileChange(path string) error {
	resp, err := c.Request(broker.Request{Type: broker.ReqNotifyFileChange, Path: path})
	return checkOK(resp, err, "notify file change")
}

// WriteApproveResult records a tool-approval decision.
func (c *Client) WriteApproveResult(toolCallID string, status string, resolvedAt int64) error {
	resp, err := c.Request(broker.Request{
		Type:       broker.ReqWriteApproveResult,
		ToolCallID: toolCallID,
		Status:     status,
		ResolvedAt: resolvedAt,
	})
	return checkOK(resp, err, "write approve result")
}

// RecvPush blocks for the next pushed event, or returns false once the
// connection has closed.
func (c *Client) RecvPush() (broker.Push, bool) {
	line, ok := <-c.pushCh
	if !ok {
		return broker.Push{}, false
	}
	var push broker.Push
	if err := json.Unmarshal([]byte(line), &push); err != nil {
		return broker.Push{}, false
	}
	return push, true
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func checkOK(resp broker.Response, err error, action string) error {
	if err != nil {
		return err
	}
	if resp.Type == broker.RespError {
		return fmt.Errorf("client: %s failed: %s (code=%d)", action, resp.Error, resp.Code)
	}
	if resp.Type != broker.RespOk {
		return fmt.Errorf("client: %s: unexpected response type %q", action, resp.Type)
	}
	return nil
}

func writeLine(w *bufio.Writer, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// isAgentStuck reports whether the pid file names a live process while the
// socket is absent — the signature of an agent that crashed mid-lifecycle
// without cleaning up.
func isAgentStuck(config Config) bool {
	pidBytes, err := os.ReadFile(config.pidPath())
	if err != nil {
		return false
	}
	var pid int
	if _, err := fmt.Sscanf(string(pidBytes), "%d", &pid); err != nil {
		return false
	}
	if !isProcessAlive(pid) {
		return false
	}
	_, err = os.Stat(config.socketPath())
	return os.IsNotExist(err)
}

func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func cleanupStale(config Config) {
	if pidBytes, err := os.ReadFile(config.pidPath()); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(pidBytes), "%d", &pid); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				process.Kill()
			}
		}
	}
	os.Remove(config.socketPath())
	os.Remove(config.pidPath())
}

func startAgent(config Config) error {
	agentPath := config.agentBinaryPath()
	if _, err := os.Stat(agentPath); err != nil {
		return fmt.Errorf("agent binary not found at %s (set AGENTDB_AGENT_PATH or pass AgentBinaryPath): %w", agentPath, err)
	}

	logFile, err := os.OpenFile(config.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open agent log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(agentPath)
	cmd.Stdout = nil
	cmd.Stderr = logFile
	return cmd.Start()
}
