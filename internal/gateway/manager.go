package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luminasearch/realtime-gateway/internal/backlog"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
	"github.com/luminasearch/realtime-gateway/internal/ownership"
	"github.com/luminasearch/realtime-gateway/internal/pending"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/publish"
	"github.com/luminasearch/realtime-gateway/internal/ratelimit"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
)

// RequestStateStore loads the current snapshot of a search request so a late
// subscriber on the search channel sees the state accumulated before it
// attached. Returns (nil, nil) when no snapshot exists yet.
type RequestStateStore interface {
	GetRequestState(ctx context.Context, requestID string) (json.RawMessage, error)
}

// EventSink receives client-originated events relayed to the backend.
type EventSink interface {
	PublishClientEvent(ctx context.Context, evt RelayedEvent) error
}

// RelayedEvent is a client event forwarded to the backend bus, stamped with
// the server-side identity of the connection that sent it.
type RelayedEvent struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	RequestID  string          `json:"requestId"`
	SessionID  string          `json:"sessionId,omitempty"`
	ActionID   string          `json:"actionId,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	NewOffset  *int            `json:"newOffset,omitempty"`
	TotalShown *int            `json:"totalShown,omitempty"`
	UILanguage string          `json:"uiLanguage,omitempty"`
}

// Options carries the tunables the manager needs from configuration.
type Options struct {
	AuthRequired      bool
	LegacyEnabled     bool
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// Manager is the connection-facing orchestrator. It owns the live connection
// set and drives every state transition of the subscription engine: decode,
// rate limit, ownership check, pend, promote, publish, cleanup. It holds no
// global state; everything is built in main and injected.
type Manager struct {
	opts Options

	registry  *subscription.Registry
	backlog   *backlog.Store
	pending   *pending.Registry
	limiter   *ratelimit.Limiter
	verifier  *ownership.Verifier
	publisher *publish.Publisher
	states    RequestStateStore
	events    EventSink

	mu    sync.RWMutex
	conns map[string]*Conn

	draining bool

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewManager wires the subscription engine together.
func NewManager(
	opts Options,
	registry *subscription.Registry,
	bl *backlog.Store,
	pend *pending.Registry,
	limiter *ratelimit.Limiter,
	verifier *ownership.Verifier,
	publisher *publish.Publisher,
	states RequestStateStore,
	events EventSink,
	log *logger.Logger,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		opts:      opts,
		registry:  registry,
		backlog:   bl,
		pending:   pend,
		limiter:   limiter,
		verifier:  verifier,
		publisher: publisher,
		states:    states,
		events:    events,
		conns:     make(map[string]*Conn),
		log:       log.WithComponent("gateway"),
		metrics:   m,
	}
}

// SetEventSink attaches the backend event sink. Called once during startup,
// after the sink (which itself needs the manager) is constructed.
func (m *Manager) SetEventSink(sink EventSink) {
	m.events = sink
}

// Register admits a connection into the live set.
func (m *Manager) Register(c *Conn) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	total := len(m.conns)
	m.mu.Unlock()

	m.metrics.ConnectionsTotal.Inc()
	m.metrics.ActiveConnections.Set(float64(total))

	m.log.Info("connection registered",
		slog.String("connection_id", c.ID()),
		slog.String("session_id", logger.HashID(c.SessionID())),
		slog.Bool("authenticated", c.UserID() != ""),
		slog.Int("active_connections", total))
}

// Stats is a point-in-time snapshot of engine occupancy, served on the
// health endpoint.
type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
	Pending       int `json:"pending"`
	BacklogItems  int `json:"backlogItems"`
}

// Stats returns current engine occupancy.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	conns := len(m.conns)
	m.mu.RUnlock()

	return Stats{
		Connections:   conns,
		Subscriptions: m.registry.Count(),
		Pending:       m.pending.Len(),
		BacklogItems:  m.backlog.Len(),
	}
}

// Draining reports whether the manager has begun shutdown.
func (m *Manager) Draining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

// HandleInbound processes one raw frame from a connection. Invalid frames are
// answered and the socket stays open, with one exception: a deprecated shape
// while the legacy adapter is disabled terminates the connection.
func (m *Manager) HandleInbound(ctx context.Context, c *Conn, data []byte) {
	res := protocol.Decode(data, m.opts.LegacyEnabled)

	switch res.Status {
	case protocol.StatusParseError:
		m.publisher.SendTo(c, protocol.NewErrorFrame(protocol.CodeParseError, "message is not valid JSON"))
		return

	case protocol.StatusInvalidFormat:
		if res.MissingRequestID {
			m.publisher.SendTo(c, protocol.NewErrorFrame(protocol.CodeMissingRequestID, "subscribe requires a requestId"))
			return
		}
		m.publisher.SendTo(c, protocol.NewErrorFrame(protocol.CodeInvalidFormat, "unrecognized message format"))
		return

	case protocol.StatusLegacyRejected:
		m.log.Warn("legacy protocol frame rejected",
			slog.String("connection_id", c.ID()),
			slog.String("shape", res.LegacyShape))
		m.publisher.SendTo(c, protocol.NewErrorFrame(protocol.CodeLegacyRejected, "deprecated message format is no longer supported"))
		c.Close(websocket.ClosePolicyViolation, "legacy protocol")
		m.CleanupConn(c.ID())
		return
	}

	if res.LegacyUsed && c.ShouldWarnLegacy() {
		m.log.Warn("deprecated message shape in use",
			slog.String("connection_id", c.ID()),
			slog.String("shape", res.LegacyShape))
	}

	switch msg := res.Msg.(type) {
	case protocol.Subscribe:
		m.handleSubscribe(ctx, c, msg)
	case protocol.Unsubscribe:
		m.handleUnsubscribe(c, msg)
	case protocol.ClientEvent:
		m.relay(ctx, c, RelayedEvent{
			Type: "event", Channel: string(msg.Channel), RequestID: msg.RequestID,
		})
	case protocol.ActionClicked:
		m.relay(ctx, c, RelayedEvent{
			Type: "action_clicked", RequestID: msg.RequestID, ActionID: msg.ActionID,
		})
	case protocol.UIStateChanged:
		m.relay(ctx, c, RelayedEvent{
			Type: "ui_state_changed", RequestID: msg.RequestID, State: msg.State,
		})
	case protocol.LoadMore:
		m.relay(ctx, c, RelayedEvent{
			Type: "load_more", RequestID: msg.RequestID,
			NewOffset: &msg.NewOffset, TotalShown: &msg.TotalShown,
		})
	case protocol.RevealLimitReached:
		m.relay(ctx, c, RelayedEvent{
			Type: "reveal_limit_reached", RequestID: msg.RequestID, UILanguage: msg.UILanguage,
		})
	}
}

// handleSubscribe runs the full admission pipeline for one subscribe request.
// The session used for ownership is always the connection's admitted identity;
// a sessionId claimed inside the message never overrides it.
func (m *Manager) handleSubscribe(ctx context.Context, c *Conn, sub protocol.Subscribe) {
	if m.opts.AuthRequired && c.SessionID() == ownership.AnonymousSession && c.UserID() == "" {
		m.reject(c, sub, protocol.ReasonAuthRequired)
		return
	}

	if !m.limiter.Allow(c.ID()) {
		m.reject(c, sub, protocol.ReasonRateLimited)
		return
	}

	if sub.SessionID != "" && sub.SessionID != c.SessionID() {
		m.log.Debug("subscribe claimed a different session, using connection identity",
			slog.String("connection_id", c.ID()),
			slog.String("claimed_session", logger.HashID(sub.SessionID)))
	}

	verdict := m.verifier.Decide(ctx, sub.RequestID, c.SessionID(), c.UserID())
	switch verdict.Decision {
	case ownership.Pending:
		m.pending.Register(sub.Channel, sub.RequestID, c.SessionID(), c)
		m.metrics.PendingSubscriptions.Set(float64(m.pending.Len()))
		m.publisher.SendTo(c, protocol.NewSubAck(sub.Channel, sub.RequestID, true))

	case ownership.Allow:
		m.activate(ctx, c, sub.Channel, sub.RequestID)

	case ownership.Deny:
		m.log.Info("subscribe denied",
			slog.String("connection_id", c.ID()),
			slog.String("request_id", logger.HashID(sub.RequestID)),
			slog.String("reason", verdict.Reason))
		m.reject(c, sub, protocol.ReasonNotAuthorized)
	}
}

// activate turns an authorized subscribe into a live subscription: register,
// acknowledge, then replay. The ack always precedes replayed messages so the
// client can attribute everything after it to the subscription.
func (m *Manager) activate(ctx context.Context, c *Conn, ch protocol.Channel, requestID string) {
	key := subscription.Key(ch, requestID)
	m.registry.Subscribe(key, c)
	m.metrics.ActiveSubscriptions.Set(float64(m.registry.Count()))

	if !m.publisher.SendTo(c, protocol.NewSubAck(ch, requestID, false)) {
		m.CleanupConn(c.ID())
		return
	}

	if _, err := m.backlog.Drain(key, c); err != nil {
		m.CleanupConn(c.ID())
		return
	}

	// Late search subscribers also get the request's accumulated snapshot.
	if ch == protocol.ChannelSearch && m.states != nil {
		state, err := m.states.GetRequestState(ctx, requestID)
		if err != nil {
			m.log.Error("request state lookup failed",
				slog.String("request_id", logger.HashID(requestID)),
				slog.String("error", err.Error()))
		} else if state != nil {
			m.publisher.SendTo(c, map[string]any{
				"type":      "state_snapshot",
				"channel":   ch,
				"requestId": requestID,
				"state":     state,
			})
		}
	}
}

func (m *Manager) reject(c *Conn, sub protocol.Subscribe, reason string) {
	m.metrics.SubscribesRejected.WithLabelValues(reason).Inc()
	m.publisher.SendTo(c, protocol.NewSubNack(sub.Channel, sub.RequestID, reason))
}

func (m *Manager) handleUnsubscribe(c *Conn, msg protocol.Unsubscribe) {
	m.registry.Unsubscribe(subscription.Key(msg.Channel, msg.RequestID), c.ID())
	m.metrics.ActiveSubscriptions.Set(float64(m.registry.Count()))
}

// relay forwards a client event to the backend, stamped with the connection's
// admitted session. Relay failures are logged, never surfaced to the client.
func (m *Manager) relay(ctx context.Context, c *Conn, evt RelayedEvent) {
	if m.events == nil {
		return
	}
	evt.SessionID = c.SessionID()
	if err := m.events.PublishClientEvent(ctx, evt); err != nil {
		m.log.Error("client event relay failed",
			slog.String("type", evt.Type),
			slog.String("request_id", logger.HashID(evt.RequestID)),
			slog.String("error", err.Error()))
	}
}

// PromotePending implements pending.Hooks. Promotion follows the same
// ack-then-drain order as a direct subscribe.
func (m *Manager) PromotePending(e pending.Entry) {
	c, ok := e.Conn.(*Conn)
	if !ok {
		return
	}
	m.metrics.PendingSubscriptions.Set(float64(m.pending.Len()))
	m.activate(context.Background(), c, e.Channel, e.RequestID)
}

// RejectPending implements pending.Hooks.
func (m *Manager) RejectPending(e pending.Entry, reason string) {
	m.metrics.PendingSubscriptions.Set(float64(m.pending.Len()))
	m.metrics.SubscribesRejected.WithLabelValues(reason).Inc()
	m.publisher.SendTo(e.Conn, protocol.NewSubNack(e.Channel, e.RequestID, reason))
}

// Publish fans msg out to the subscribers of (channel, requestID).
func (m *Manager) Publish(ch protocol.Channel, requestID, sessionID string, msg any) publish.Summary {
	return m.publisher.ToChannel(ch, requestID, sessionID, msg)
}

// ActivatePendingSubscriptions resolves the pending entries for a request
// whose owner just became known. Returns the number of promotions.
func (m *Manager) ActivatePendingSubscriptions(requestID, ownerSessionID string) int {
	return m.pending.Activate(requestID, ownerSessionID, m)
}

// CleanupConn removes every trace of a connection: subscriptions, pending
// entries, its rate bucket, and the live set slot. This is the single exit
// path for a connection regardless of how it died.
func (m *Manager) CleanupConn(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	delete(m.conns, connID)
	total := len(m.conns)
	m.mu.Unlock()

	removed := m.registry.Cleanup(connID)
	pendingRemoved := m.pending.RemoveConn(connID)
	m.limiter.Remove(connID)

	if ok {
		c.Close(websocket.CloseNormalClosure, "")
	}

	m.metrics.ActiveConnections.Set(float64(total))
	m.metrics.ActiveSubscriptions.Set(float64(m.registry.Count()))
	m.metrics.PendingSubscriptions.Set(float64(m.pending.Len()))

	m.log.Info("connection cleaned up",
		slog.String("connection_id", connID),
		slog.Int("subscriptions_removed", removed),
		slog.Int("pending_removed", pendingRemoved),
		slog.Int("active_connections", total))
}

// Run drives the heartbeat: ping liveness, idle disconnects, and the pending
// and backlog TTL sweeps. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := time.Now()

	m.mu.RLock()
	snapshot := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	for _, c := range snapshot {
		switch {
		case c.AwaitingPong():
			m.log.Info("heartbeat timeout", slog.String("connection_id", c.ID()))
			c.Close(websocket.CloseGoingAway, "heartbeat timeout")
			m.CleanupConn(c.ID())

		case c.IdleFor(now) > m.opts.IdleTimeout:
			m.log.Info("idle timeout", slog.String("connection_id", c.ID()))
			c.Close(websocket.CloseNormalClosure, "idle timeout")
			m.CleanupConn(c.ID())

		default:
			if err := c.Ping(); err != nil {
				m.CleanupConn(c.ID())
			}
		}
	}

	if swept := m.pending.SweepExpired(m); swept > 0 {
		m.metrics.PendingSubscriptions.Set(float64(m.pending.Len()))
	}
	m.backlog.SweepExpired()
	m.metrics.BacklogItems.Set(float64(m.backlog.Len()))
}

// Shutdown stops admitting connections and closes every live one with a
// server_shutdown status so clients reconnect elsewhere.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.draining = true
	snapshot := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()

	m.log.Info("draining connections", slog.Int("count", len(snapshot)))

	for _, c := range snapshot {
		m.publisher.SendTo(c, protocol.NewWSStatus("server_shutdown"))
		c.Close(websocket.CloseGoingAway, "server shutdown")
		m.CleanupConn(c.ID())
	}
}
