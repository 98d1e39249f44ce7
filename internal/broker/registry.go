// Package broker implements the root registry and change-notification bus
// described in spec.md §4.2: a stateless-apart-from-the-registry service
// that accepts publisher registrations, answers root lookups, and fans out
// registration/eviction events to subscribers over a websocket bus.
package broker

import (
	"log/slog"
	"sync"
	"time"

	"caterva2/internal/logging"
	"caterva2/internal/wire"
)

// entry is one registry row: root_name -> {endpoint, last_seen}.
type entry struct {
	endpoint string
	lastSeen time.Time
}

// Registry is the broker's root_name -> publisher-endpoint mapping.
// Updates are linearizable per root (spec.md §5): every mutation holds the
// single registry mutex for its whole read-modify-write.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	bus     *Bus
	logger  *slog.Logger
}

// NewRegistry creates an empty registry wired to bus for eviction/
// registration fan-out.
func NewRegistry(bus *Bus, logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		bus:     bus,
		logger:  logging.Default(logger).With("component", "broker.registry"),
	}
}

// Register binds root to endpoint, replacing any prior binding
// (last-writer-wins, spec.md §4.2's tie-break). Returns the prior endpoint,
// if any. When the endpoint changes, an "evicted" event naming the displaced
// endpoint is published to every bus client. The publisher server in this
// module does not connect to the bus, so a displaced publisher is not told
// and keeps serving its root.
func (r *Registry) Register(root, endpoint string) (prior string) {
	r.mu.Lock()
	old, existed := r.entries[root]
	r.entries[root] = entry{endpoint: endpoint, lastSeen: time.Now()}
	r.mu.Unlock()

	if existed {
		prior = old.endpoint
		if old.endpoint != endpoint {
			r.bus.Publish(wire.BusEvent{Type: "evicted", Root: root, HTTP: old.endpoint})
			r.logger.Info("publisher evicted", "root", root, "old_endpoint", old.endpoint, "new_endpoint", endpoint)
		}
	}
	r.bus.Publish(wire.BusEvent{Type: "registered", Root: root, HTTP: endpoint})
	return prior
}

// Heartbeat refreshes last_seen for an already-registered root without
// changing its endpoint or emitting a registration event. No-op if the root
// isn't registered (the caller should re-register instead).
func (r *Registry) Heartbeat(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[root]; ok {
		e.lastSeen = time.Now()
		r.entries[root] = e
	}
}

// Locate returns the endpoint currently serving root, and whether it exists.
func (r *Registry) Locate(root string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[root]
	return e.endpoint, ok
}

// Roots returns a snapshot of the registry as wire.RootInfo values, sorted
// implicitly by map iteration order (callers that need a stable order sort
// the result).
func (r *Registry) Roots() []wire.RootInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.RootInfo, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, wire.RootInfo{Name: name, HTTP: e.endpoint, LastSeen: e.lastSeen.UTC().Format(time.RFC3339)})
	}
	return out
}

// Expire drops any root whose last_seen is older than ttl, e.g. called
// periodically so a crashed publisher eventually disappears from /api/roots
// instead of returning a dead endpoint forever.
func (r *Registry) Expire(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for name, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, name)
			r.bus.Publish(wire.BusEvent{Type: "unregistered", Root: name, HTTP: e.endpoint})
			r.logger.Info("publisher expired", "root", name, "endpoint", e.endpoint)
		}
	}
}
