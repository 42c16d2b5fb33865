// Package coordinate implements the cross-process writer election and
// heartbeat lease described by spec.md's Writer Coordinator (C3). Grounded
// directly on original_source/src/coordination.rs: a single-row SQLite
// table fenced by an atomic upsert, no separate epoch counter.
package coordinate

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// WriterType identifies the kind of process competing for the writer
// lease; higher-priority types can preempt a live lower-priority holder
// immediately.
type WriterType int

const (
	WriterMemexDaemon WriterType = iota + 1
	WriterMemexKit
	WriterVlaudeKit
)

// Priority returns the preemption priority for a writer type: higher wins.
func (w WriterType) Priority() int {
	switch w {
	case WriterMemexDaemon:
		return 1
	case WriterMemexKit:
		return 2
	case WriterVlaudeKit:
		return 3
	default:
		return 0
	}
}

// Role is this process's current relationship to the writer lease.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}
	return "reader"
}

// Health describes the liveness of whichever writer currently holds (or
// last held) the lease.
type Health int

const (
	HealthAlive Health = iota
	HealthTimeout
	HealthReleased
)

// Config tunes heartbeat cadence and staleness thresholds. Defaults match
// original_source/src/coordination.rs's CoordinationConfig.
type Config struct {
	HeartbeatInterval time.Duration
	TimeoutThreshold  time.Duration
	ConfirmCount      int
}

// DefaultConfig returns the original crate's tuning: 10s heartbeat, 30s
// staleness threshold, 3 timeout confirmations before a takeover
// (Coordinator does not read ConfirmCount; confirmation counting is the
// caller's responsibility, and CheckWriterHealth is the raw check each
// confirmation needs).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		TimeoutThreshold:  30 * time.Second,
		ConfirmCount:      3,
	}
}

// Coordinator holds this process's writer identity and tracks its current
// Role, observable via RoleChanges.
type Coordinator struct {
	db         *sql.DB
	writerType WriterType
	writerID   string
	config     Config

	roleCh chan Role   // capacity 1, latest-value semantics (watch-channel analogue)
	role   atomic.Int32 // Role, read from Store call sites concurrently with Run's goroutine
}

// New creates a Coordinator bound to db with a fresh random writer ID.
func New(db *sql.DB, writerType WriterType, config Config) *Coordinator {
	c := &Coordinator{
		db:         db,
		writerType: writerType,
		writerID:   uuid.NewString(),
		config:     config,
		roleCh:     make(chan Role, 1),
	}
	return c
}

// WriterID returns this process's unique writer identity.
func (c *Coordinator) WriterID() string {
	return c.writerID
}

// Role returns this process's last-known role.
func (c *Coordinator) Role() Role {
	return Role(c.role.Load())
}

// IsWriter reports whether this process currently holds the writer lease.
// Store uses this to refuse mutating operations once a process has been
// demoted to Reader.
func (c *Coordinator) IsWriter() bool {
	return c.Role() == RoleWriter
}

func (c *Coordinator) setRole(r Role) {
	if Role(c.role.Swap(int32(r))) == r {
		return
	}
	select {
	case <-c.roleCh: // drain stale value
	default:
	}
	c.roleCh <- r
}

// RoleChanges returns a channel that receives this coordinator's role
// whenever it changes. The channel is buffered with latest-value
// semantics: a slow reader only ever sees the most recent role, never a
// backlog.
func (c *Coordinator) RoleChanges() <-chan Role {
	return c.roleCh
}

// TryRegister attempts to become the writer. It succeeds immediately if no
// lease row exists, if the existing lease is stale (no heartbeat within
// TimeoutThreshold), or if this coordinator's priority exceeds the current
// holder's. Otherwise it becomes (or remains) a Reader. Grounded on
// coordination.rs's try_register.
func (c *Coordinator) TryRegister(ctx context.Context) (Role, error) {
	now := time.Now().UnixMilli()
	staleThreshold := c.config.TimeoutThreshold.Milliseconds()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO writer_lease (id, writer_id, writer_type, priority, last_heartbeat_ms)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			writer_id         = excluded.writer_id,
			writer_type       = excluded.writer_type,
			priority          = excluded.priority,
			last_heartbeat_ms = excluded.last_heartbeat_ms
		WHERE (? - writer_lease.last_heartbeat_ms) > ?
		   OR excluded.priority > writer_lease.priority`,
		c.writerID, int(c.writerType), c.writerType.Priority(), now, now, staleThreshold)
	if err != nil {
		return RoleReader, fmt.Errorf("coordinate: try register: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return RoleReader, fmt.Errorf("coordinate: rows affected: %w", err)
	}

	if n > 0 {
		c.setRole(RoleWriter)
		return RoleWriter, nil
	}
	c.setRole(RoleReader)
	return RoleReader, nil
}

// Heartbeat renews the lease if this coordinator still owns it. If zero
// rows are updated — because another, higher-priority writer has taken
// over — this coordinator is demoted to Reader and agentdb.ErrNotWriter is
// returned. Grounded on coordination.rs's heartbeat.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	now := time.Now().UnixMilli()
	res, err := c.db.ExecContext(ctx, `
		UPDATE writer_lease SET last_heartbeat_ms = ? WHERE id = 1 AND writer_id = ?`, now, c.writerID)
	if err != nil {
		return fmt.Errorf("coordinate: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		c.setRole(RoleReader)
		return agentdb.ErrNotWriter
	}
	return nil
}

// Release relinquishes the lease if this coordinator holds it; a no-op
// otherwise.
func (c *Coordinator) Release(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM writer_lease WHERE id = 1 AND writer_id = ?`, c.writerID)
	if err != nil {
		return fmt.Errorf("coordinate: release: %w", err)
	}
	c.setRole(RoleReader)
	return nil
}

// CheckWriterHealth reports the health of whichever writer currently holds
// the lease row, without attempting to take it over.
func (c *Coordinator) CheckWriterHealth(ctx context.Context) (Health, error) {
	var heartbeat int64
	err := c.db.QueryRowContext(ctx, `SELECT last_heartbeat_ms FROM writer_lease WHERE id = 1`).Scan(&heartbeat)
	if err == sql.ErrNoRows {
		return HealthReleased, nil
	}
	if err != nil {
		return HealthReleased, fmt.Errorf("coordinate: check writer health: %w", err)
	}
	elapsed := time.Since(time.UnixMilli(heartbeat))
	if elapsed > c.config.TimeoutThreshold {
		return HealthTimeout, nil
	}
	return HealthAlive, nil
}

// TryTakeover forces this coordinator to become writer, either by
// overwriting a stale lease or inserting a fresh one if none exists. It
// does NOT check priority — callers use this only after CheckWriterHealth
// reports the current holder as Timeout or Released. Grounded on
// coordination.rs's try_takeover.
func (c *Coordinator) TryTakeover(ctx context.Context) error {
	now := time.Now().UnixMilli()
	staleThreshold := c.config.TimeoutThreshold.Milliseconds()

	res, err := c.db.ExecContext(ctx, `
		UPDATE writer_lease SET writer_id = ?, writer_type = ?, priority = ?, last_heartbeat_ms = ?
		WHERE id = 1 AND (? - last_heartbeat_ms) > ?`,
		c.writerID, int(c.writerType), c.writerType.Priority(), now, now, staleThreshold)
	if err != nil {
		return fmt.Errorf("coordinate: takeover update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		c.setRole(RoleWriter)
		return nil
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO writer_lease (id, writer_id, writer_type, priority, last_heartbeat_ms)
		VALUES (1, ?, ?, ?, ?)`,
		c.writerID, int(c.writerType), c.writerType.Priority(), now)
	if err != nil {
		// A concurrent insert from another process lost this race; that's
		// fine, it means someone else became writer first.
		role, healthErr := c.currentRole(ctx)
		if healthErr == nil {
			c.setRole(role)
		}
		return fmt.Errorf("coordinate: takeover insert: %w", err)
	}
	c.setRole(RoleWriter)
	return nil
}

func (c *Coordinator) currentRole(ctx context.Context) (Role, error) {
	var writerID string
	err := c.db.QueryRowContext(ctx, `SELECT writer_id FROM writer_lease WHERE id = 1`).Scan(&writerID)
	if err != nil {
		return RoleReader, err
	}
	if writerID == c.writerID {
		return RoleWriter, nil
	}
	return RoleReader, nil
}

// GetCurrentWriter returns the WriterLease row, or nil if no one currently
// holds it.
func (c *Coordinator) GetCurrentWriter(ctx context.Context) (*agentdb.WriterLease, error) {
	var lease agentdb.WriterLease
	err := c.db.QueryRowContext(ctx, `SELECT id, writer_id, writer_type, priority, last_heartbeat_ms FROM writer_lease WHERE id = 1`).
		Scan(&lease.ID, &lease.WriterID, &lease.WriterType, &lease.Priority, &lease.LastHeartbeatMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordinate: get current writer: %w", err)
	}
	return &lease, nil
}

// Run calls TryRegister once, then heartbeats on config.HeartbeatInterval,
// blocking until ctx is cancelled (callers run it in its own goroutine). If
// a heartbeat is rejected, it re-attempts TryRegister on the next tick
// rather than giving up, so a preempted writer can reclaim the lease once it
// becomes stale again or the preempting writer exits. It logs through the
// "coordinator" sub-logger, matching the rest of this system's
// per-subsystem sub-logger convention.
func (c *Coordinator) Run(ctx context.Context) {
	log := logging.For("coordinator")
	if _, err := c.TryRegister(ctx); err != nil {
		log.Debug().Msg("initial writer registration failed")
	}

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Role() == RoleWriter {
				if err := c.Heartbeat(ctx); err != nil {
					log.Debug().Msg("heartbeat rejected, demoted to reader")
				}
			} else {
				if _, err := c.TryRegister(ctx); err != nil {
					log.Debug().Msg("writer registration attempt failed")
				}
			}
		}
	}
}
