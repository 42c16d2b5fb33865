package coordinate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/schema"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "coordinate.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := schema.Ensure(db, false); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTryRegisterFirstCallerBecomesWriter(t *testing.T) {
	db := openTestDB(t)
	c := New(db, WriterMemexDaemon, DefaultConfig())

	role, err := c.TryRegister(context.Background())
	if err != nil {
		t.Fatalf("try register: %v", err)
	}
	if role != RoleWriter {
		t.Fatalf("expected RoleWriter, got %v", role)
	}
	if c.Role() != RoleWriter {
		t.Fatalf("expected coordinator role to reflect writer, got %v", c.Role())
	}
}

func TestTryRegisterSecondCallerBecomesReaderWhileLeaseLive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := New(db, WriterMemexDaemon, DefaultConfig())
	if _, err := first.TryRegister(ctx); err != nil {
		t.Fatalf("first register: %v", err)
	}

	second := New(db, WriterMemexDaemon, DefaultConfig())
	role, err := second.TryRegister(ctx)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if role != RoleReader {
		t.Fatalf("expected RoleReader while another writer's lease is live, got %v", role)
	}
}

func TestHigherPriorityWriterPreemptsImmediately(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	daemon := New(db, WriterMemexDaemon, DefaultConfig())
	if _, err := daemon.TryRegister(ctx); err != nil {
		t.Fatalf("daemon register: %v", err)
	}

	kit := New(db, WriterVlaudeKit, DefaultConfig())
	role, err := kit.TryRegister(ctx)
	if err != nil {
		t.Fatalf("kit register: %v", err)
	}
	if role != RoleWriter {
		t.Fatalf("expected higher-priority writer to preempt immediately, got %v", role)
	}

	// The daemon's next heartbeat should now be rejected.
	if err := daemon.Heartbeat(ctx); err != agentdb.ErrNotWriter {
		t.Fatalf("expected preempted writer's heartbeat to fail with ErrNotWriter, got %v", err)
	}
	if daemon.Role() != RoleReader {
		t.Fatalf("expected preempted writer to be demoted to reader, got %v", daemon.Role())
	}
}

func TestStaleLeaseIsTakenOverByEqualPriority(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cfg := Config{HeartbeatInterval: 10 * time.Second, TimeoutThreshold: 1 * time.Millisecond, ConfirmCount: 3}
	first := New(db, WriterMemexDaemon, cfg)
	if _, err := first.TryRegister(ctx); err != nil {
		t.Fatalf("first register: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // let the lease go stale against the 1ms threshold

	second := New(db, WriterMemexDaemon, cfg)
	role, err := second.TryRegister(ctx)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if role != RoleWriter {
		t.Fatalf("expected second coordinator to take over a stale lease, got %v", role)
	}
}

func TestReleaseClearsLease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := New(db, WriterMemexDaemon, DefaultConfig())
	if _, err := c.TryRegister(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	lease, err := c.GetCurrentWriter(ctx)
	if err != nil {
		t.Fatalf("get current writer: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected no writer lease after release, got %+v", lease)
	}

	other := New(db, WriterMemexDaemon, DefaultConfig())
	role, err := other.TryRegister(ctx)
	if err != nil {
		t.Fatalf("register after release: %v", err)
	}
	if role != RoleWriter {
		t.Fatalf("expected a fresh coordinator to win the lease after release, got %v", role)
	}
}

func TestCheckWriterHealth(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cfg := Config{HeartbeatInterval: 10 * time.Second, TimeoutThreshold: 5 * time.Millisecond, ConfirmCount: 3}
	c := New(db, WriterMemexDaemon, cfg)

	health, err := c.CheckWriterHealth(ctx)
	if err != nil {
		t.Fatalf("check health with no lease: %v", err)
	}
	if health != HealthReleased {
		t.Fatalf("expected HealthReleased with no lease row, got %v", health)
	}

	if _, err := c.TryRegister(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	health, err = c.CheckWriterHealth(ctx)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if health != HealthAlive {
		t.Fatalf("expected HealthAlive immediately after registering, got %v", health)
	}

	time.Sleep(10 * time.Millisecond)
	health, err = c.CheckWriterHealth(ctx)
	if err != nil {
		t.Fatalf("check health after timeout: %v", err)
	}
	if health != HealthTimeout {
		t.Fatalf("expected HealthTimeout once the threshold elapses, got %v", health)
	}
}

func TestIsWriterTracksRoleAcrossPreemption(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	daemon := New(db, WriterMemexDaemon, DefaultConfig())
	if daemon.IsWriter() {
		t.Fatalf("expected IsWriter false before any registration attempt")
	}

	if _, err := daemon.TryRegister(ctx); err != nil {
		t.Fatalf("daemon register: %v", err)
	}
	if !daemon.IsWriter() {
		t.Fatalf("expected IsWriter true after winning the lease")
	}

	kit := New(db, WriterVlaudeKit, DefaultConfig())
	if _, err := kit.TryRegister(ctx); err != nil {
		t.Fatalf("kit register: %v", err)
	}
	if err := daemon.Heartbeat(ctx); err != agentdb.ErrNotWriter {
		t.Fatalf("expected preempted writer's heartbeat to fail with ErrNotWriter, got %v", err)
	}
	if daemon.IsWriter() {
		t.Fatalf("expected IsWriter false once preempted")
	}
	if !kit.IsWriter() {
		t.Fatalf("expected the preempting writer's IsWriter to report true")
	}
}
