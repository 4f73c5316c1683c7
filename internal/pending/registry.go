package pending

import (
	"log/slog"
	"sync"
	"time"

	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
)

// Entry is a subscribe request parked because the target request's owner is
// not yet known. Each entry reaches exactly one terminal state: promoted to an
// active subscription, rejected on activation with a non-matching session, or
// expired.
type Entry struct {
	Conn      subscription.Conn
	Channel   protocol.Channel
	RequestID string
	SessionID string

	expiresAt time.Time
}

// Hooks is implemented by the orchestrator. The registry decides which
// entries terminate and how; the hooks perform the side effects (subscribe,
// ack, nack, backlog drain).
type Hooks interface {
	// PromotePending activates a pending entry whose claimed session matched
	// the resolved owner.
	PromotePending(e Entry)
	// RejectPending terminates a pending entry with a nack reason.
	RejectPending(e Entry, reason string)
}

// Registry holds pending subscriptions keyed by channel:requestId:sessionId.
// Multiple sessions may pend concurrently on the same request id (racing
// tabs); each is independent.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
	log     *logger.Logger
}

// NewRegistry creates a pending registry with the given TTL.
func NewRegistry(ttl time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
		log:     log.WithComponent("pending"),
	}
}

func entryKey(ch protocol.Channel, requestID, sessionID string) string {
	return string(ch) + ":" + requestID + ":" + sessionID
}

// Register parks a subscribe request. A re-register for the same
// (channel, request, session) replaces the previous entry and refreshes its TTL.
func (r *Registry) Register(ch protocol.Channel, requestID, sessionID string, c subscription.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[entryKey(ch, requestID, sessionID)] = Entry{
		Conn:      c,
		Channel:   ch,
		RequestID: requestID,
		SessionID: sessionID,
		expiresAt: r.now().Add(r.ttl),
	}

	r.log.Debug("pending subscription registered",
		slog.String("request_id", logger.HashID(requestID)),
		slog.String("channel", string(ch)),
		slog.String("connection_id", c.ID()))
}

// Activate resolves every pending entry for requestID now that its owner is
// known. Expired entries are dropped silently (the sweep owns their nack);
// entries whose claimed session does not match the owner are rejected with
// session_mismatch; matching entries are promoted. Returns the number of
// promotions.
func (r *Registry) Activate(requestID, ownerSessionID string, h Hooks) int {
	r.mu.Lock()
	now := r.now()
	var promote, reject []Entry
	for key, e := range r.entries {
		if e.RequestID != requestID {
			continue
		}
		delete(r.entries, key)
		switch {
		case now.After(e.expiresAt):
			// Past TTL: never activatable.
		case e.SessionID != ownerSessionID:
			reject = append(reject, e)
		default:
			promote = append(promote, e)
		}
	}
	r.mu.Unlock()

	for _, e := range reject {
		h.RejectPending(e, protocol.ReasonSessionMismatch)
	}
	for _, e := range promote {
		h.PromotePending(e)
	}

	if len(promote) > 0 || len(reject) > 0 {
		r.log.Info("pending subscriptions activated",
			slog.String("request_id", logger.HashID(requestID)),
			slog.Int("promoted", len(promote)),
			slog.Int("rejected", len(reject)))
	}
	return len(promote)
}

// SweepExpired deletes and negatively acknowledges every entry past its TTL.
// Run on every heartbeat tick.
func (r *Registry) SweepExpired(h Hooks) int {
	r.mu.Lock()
	now := r.now()
	var expired []Entry
	for key, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, key)
			expired = append(expired, e)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		h.RejectPending(e, protocol.ReasonInvalidRequest)
	}
	return len(expired)
}

// RemoveConn drops every pending entry held by a connection. Called from
// disconnect cleanup; no acknowledgment is sent to a closed socket.
func (r *Registry) RemoveConn(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if e.Conn.ID() == connID {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
