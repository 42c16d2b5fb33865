// Package agentdb is the shared brokerage layer that sits between CLI and
// plugin components and the local SQLite database aggregating AI-assistant
// conversation transcripts. Subpackages implement the storage adapter and
// schema steward (store, schema), the writer coordinator (coordinate), the
// incremental ingestion pipeline (ingest), the transcript watcher (watch),
// and the local IPC broker (broker, client).
package agentdb

import "errors"

var (
	// ErrNotWriter is returned when a caller that does not hold the writer
	// lease attempts an operation reserved for the writer.
	ErrNotWriter = errors.New("agentdb: caller is not the current writer")

	// ErrLeaseHeld describes a live lease held by a higher- or
	// equal-priority writer. Coordinator.TryRegister does not return it: it
	// reports that case as RoleReader with a nil error.
	ErrLeaseHeld = errors.New("agentdb: writer lease held by another process")

	// ErrSessionNotFound is returned when a lookup by session ID matches no
	// row.
	ErrSessionNotFound = errors.New("agentdb: session not found")

	// ErrProjectNotFound is returned when a lookup by project ID matches no
	// row.
	ErrProjectNotFound = errors.New("agentdb: project not found")

	// ErrShutdown describes a broker operation invoked after the server has
	// begun shutting down. No function in this module returns it.
	ErrShutdown = errors.New("agentdb: broker is shutting down")

	// ErrConnectionClosed describes a push or response that cannot be
	// delivered because the target connection is gone. No function in this
	// module returns it: ConnectionManager reports that case as false.
	ErrConnectionClosed = errors.New("agentdb: connection closed")
)
