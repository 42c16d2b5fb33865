package broker

import "sync"

// ConnID identifies one live client connection for the lifetime of the
// broker process.
type ConnID uint64

// ConnectionManager tracks the outbound channel for every live connection.
// Grounded directly on original_source/src/agent/broadcaster.rs's
// ConnectionManager: send_to clones the target sender under a read lock
// and releases the lock before awaiting the send, so one slow connection
// never blocks registration/unregistration of any other.
type ConnectionManager struct {
	mu      sync.RWMutex
	senders map[ConnID]chan string
	nextID  ConnID
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{senders: make(map[ConnID]chan string)}
}

// Register adds a new connection's outbound channel and returns its ID.
func (m *ConnectionManager) Register(ch chan string) ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.senders[id] = ch
	return id
}

// Unregister removes a connection. Safe to call more than once.
func (m *ConnectionManager) Unregister(id ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senders, id)
}

// ConnectionCount returns the number of currently registered connections.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.senders)
}

// HasConnections reports whether any connection is currently registered.
func (m *ConnectionManager) HasConnections() bool {
	return m.ConnectionCount() > 0
}

// SendTo delivers message to a connection's outbound channel, blocking
// until it is accepted. Returns false if the connection is unknown or the
// channel is closed.
func (m *ConnectionManager) SendTo(id ConnID, message string) bool {
	ch, ok := m.lookup(id)
	if !ok {
		return false
	}
	defer func() { recover() }() // channel may close concurrently with this send
	ch <- message
	return true
}

// TrySendTo delivers message without blocking, dropping it if the
// connection's outbound channel is full. Used for push events, where a
// slow subscriber must never stall the broadcaster.
func (m *ConnectionManager) TrySendTo(id ConnID, message string) bool {
	ch, ok := m.lookup(id)
	if !ok {
		return false
	}
	select {
	case ch <- message:
		return true
	default:
		return false
	}
}

func (m *ConnectionManager) lookup(id ConnID) (chan string, bool) {
	m.mu.RLock()
	ch, ok := m.senders[id]
	m.mu.RUnlock()
	return ch, ok
}

// IDs returns a snapshot of every currently registered connection ID.
func (m *ConnectionManager) IDs() []ConnID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ConnID, 0, len(m.senders))
	for id := range m.senders {
		ids = append(ids, id)
	}
	return ids
}
