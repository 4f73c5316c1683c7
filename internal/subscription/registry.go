package subscription

import (
	"log/slog"
	"sync"

	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
)

// Conn is the delivery surface of one live connection. The registry references
// connections by identity; it never owns or copies them.
type Conn interface {
	ID() string
	Send(v any) error
}

// Key builds the subscription key for a (channel, request id) pair. It is pure
// and identical at subscribe time and publish time, and deliberately excludes
// any client-supplied session id: publisher and subscriber may resolve session
// differently.
func Key(ch protocol.Channel, requestID string) string {
	return string(ch) + ":" + requestID
}

// Registry is the bidirectional subscription index: key -> connections for
// fan-out, connection -> keys for O(subscriptions) cleanup on disconnect.
// Both indices are mutated under one lock so neither can observe the other
// mid-update.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]Conn
	byConn map[string]map[string]struct{}
	log    *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byKey:  make(map[string]map[string]Conn),
		byConn: make(map[string]map[string]struct{}),
		log:    log.WithComponent("subscription-registry"),
	}
}

// Subscribe adds conn to the subscriber set for key. A connection appears at
// most once per key; re-subscribing is a no-op. Returns true when the
// subscription is new.
func (r *Registry) Subscribe(key string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byKey[key]
	if conns == nil {
		conns = make(map[string]Conn)
		r.byKey[key] = conns
	}
	if _, exists := conns[c.ID()]; exists {
		return false
	}
	conns[c.ID()] = c

	keys := r.byConn[c.ID()]
	if keys == nil {
		keys = make(map[string]struct{})
		r.byConn[c.ID()] = keys
	}
	keys[key] = struct{}{}

	r.log.Debug("subscribed",
		slog.String("key", key),
		slog.String("connection_id", c.ID()),
		slog.Int("subscribers", len(conns)))

	return true
}

// Unsubscribe removes conn from the subscriber set for key, deleting the key
// when its last subscriber leaves.
func (r *Registry) Unsubscribe(key, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key, connID)
}

// Cleanup removes the connection from every key it was subscribed to. Invoked
// on disconnect and on any send failure anywhere in the system; this is the
// single choke point for subscription leak prevention. Returns the number of
// subscriptions removed.
func (r *Registry) Cleanup(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byConn[connID]
	if !ok {
		return 0
	}

	removed := 0
	for key := range keys {
		if conns, ok := r.byKey[key]; ok {
			delete(conns, connID)
			removed++
			if len(conns) == 0 {
				delete(r.byKey, key)
			}
		}
	}
	delete(r.byConn, connID)

	r.log.Debug("connection cleaned up",
		slog.String("connection_id", connID),
		slog.Int("removed_subscriptions", removed))

	return removed
}

// Subscribers returns a snapshot of the live subscriber set for key. The
// returned slice is owned by the caller; the internal set is never exposed.
func (r *Registry) Subscribers(key string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Contains reports whether conn is subscribed to key.
func (r *Registry) Contains(key, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[key][connID]
	return ok
}

// Count returns the total number of (key, connection) subscription pairs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byKey {
		n += len(conns)
	}
	return n
}

func (r *Registry) removeLocked(key, connID string) {
	if conns, ok := r.byKey[key]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byKey, key)
		}
	}
	if keys, ok := r.byConn[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byConn, connID)
		}
	}
}
