package broker

import "sync"

// Broadcaster pairs a ConnectionManager with a per-connection EventType
// interest set and fans an Event out only to connections subscribed to it.
// The ConnectionManager itself is grounded directly on
// original_source/src/agent/broadcaster.rs; the subscription/broadcast
// layer is designed here from spec.md's textual description of C8 plus
// the subscribe/unsubscribe/broadcast call sites visible in
// original_source/src/agent/handler.rs (the concrete implementation file
// for that layer was not present in the retrieved sources).
type Broadcaster struct {
	conns *ConnectionManager

	mu        sync.RWMutex
	interests map[ConnID]map[EventType]struct{}
}

// NewBroadcaster creates a Broadcaster over conns.
func NewBroadcaster(conns *ConnectionManager) *Broadcaster {
	return &Broadcaster{
		conns:     conns,
		interests: make(map[ConnID]map[EventType]struct{}),
	}
}

// Subscribe adds events to id's interest set.
func (b *Broadcaster) Subscribe(id ConnID, events []EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.interests[id]
	if !ok {
		set = make(map[EventType]struct{})
		b.interests[id] = set
	}
	for _, e := range events {
		set[e] = struct{}{}
	}
}

// Unsubscribe removes events from id's interest set.
func (b *Broadcaster) Unsubscribe(id ConnID, events []EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.interests[id]
	if !ok {
		return
	}
	for _, e := range events {
		delete(set, e)
	}
}

// UnsubscribeAll drops every interest recorded for id, called when a
// connection closes.
func (b *Broadcaster) UnsubscribeAll(id ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.interests, id)
}

// Broadcast delivers event, JSON-encoded as a Push, to every connection
// subscribed to its EventType. Delivery is non-blocking per connection: a
// subscriber whose outbound channel is full has the push dropped for it
// rather than stalling every other subscriber or the caller.
func (b *Broadcaster) Broadcast(event Event) {
	line, err := encodeLine(event.ToPush())
	if err != nil {
		return
	}

	b.mu.RLock()
	targets := make([]ConnID, 0, len(b.interests))
	for id, set := range b.interests {
		if _, ok := set[event.Type]; ok {
			targets = append(targets, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range targets {
		b.conns.TrySendTo(id, line)
	}
}

// ConnectionCount delegates to the underlying ConnectionManager, matching
// the Status query's reported connection count.
func (b *Broadcaster) ConnectionCount() int {
	return b.conns.ConnectionCount()
}
