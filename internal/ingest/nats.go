package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/luminasearch/realtime-gateway/internal/gateway"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
)

// NATS subjects shared with the search backend.
const (
	SubjectPublish        = "realtime.publish"
	SubjectRequestCreated = "realtime.request_created"
	SubjectClientEvents   = "realtime.client_events"
)

// publishEvent is one backend-originated message to fan out.
type publishEvent struct {
	Channel   string          `json:"channel"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// requestCreatedEvent signals that a request now has a known owner, so its
// pending subscriptions can be resolved.
type requestCreatedEvent struct {
	RequestID      string `json:"requestId"`
	OwnerSessionID string `json:"ownerSessionId"`
}

// Bridge connects the gateway to the backend message bus: inbound publish and
// activation events drive the manager, and client events flow back out. It
// also implements gateway.EventSink.
type Bridge struct {
	nc      *nats.Conn
	manager *gateway.Manager
	subs    []*nats.Subscription
	log     *logger.Logger
}

// NewBridge connects to NATS and subscribes to the backend subjects.
func NewBridge(url string, manager *gateway.Manager, log *logger.Logger) (*Bridge, error) {
	nc, err := nats.Connect(url, nats.Name("realtime-gateway"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := &Bridge{
		nc:      nc,
		manager: manager,
		log:     log.WithComponent("nats-bridge"),
	}

	pubSub, err := nc.Subscribe(SubjectPublish, b.handlePublish)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", SubjectPublish, err)
	}
	createdSub, err := nc.Subscribe(SubjectRequestCreated, b.handleRequestCreated)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", SubjectRequestCreated, err)
	}
	b.subs = append(b.subs, pubSub, createdSub)

	return b, nil
}

func (b *Bridge) handlePublish(msg *nats.Msg) {
	var evt publishEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.log.Error("malformed publish event", slog.String("error", err.Error()))
		return
	}
	ch, ok := protocol.ParseChannel(evt.Channel)
	if !ok {
		b.log.Error("publish event with unknown channel", slog.String("channel", evt.Channel))
		return
	}

	summary := b.manager.Publish(ch, evt.RequestID, evt.SessionID, evt.Message)
	b.log.Debug("bus publish handled",
		slog.String("request_id", logger.HashID(evt.RequestID)),
		slog.Int("attempted", summary.Attempted),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed))
}

func (b *Bridge) handleRequestCreated(msg *nats.Msg) {
	var evt requestCreatedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.log.Error("malformed request_created event", slog.String("error", err.Error()))
		return
	}
	promoted := b.manager.ActivatePendingSubscriptions(evt.RequestID, evt.OwnerSessionID)
	if promoted > 0 {
		b.log.Info("pending subscriptions promoted from bus event",
			slog.String("request_id", logger.HashID(evt.RequestID)),
			slog.Int("promoted", promoted))
	}
}

// PublishClientEvent implements gateway.EventSink.
func (b *Bridge) PublishClientEvent(ctx context.Context, evt gateway.RelayedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode client event: %w", err)
	}
	if err := b.nc.Publish(SubjectClientEvents, data); err != nil {
		return fmt.Errorf("publish client event: %w", err)
	}
	return nil
}

// Close drains the subscriptions so in-flight messages finish, then closes
// the connection.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn("drain subscription failed", slog.String("error", err.Error()))
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
