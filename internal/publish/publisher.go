package publish

import (
	"log/slog"

	"github.com/luminasearch/realtime-gateway/internal/backlog"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
)

// Summary reports the outcome of one publish so callers can distinguish
// "delivered" from "no one was listening" from "delivery partially failed".
type Summary struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Publisher fans a message out to the live subscribers of a subscription key,
// or hands it to the backlog when no subscriber exists. Nothing in here throws
// past a fan-out boundary: a single bad connection must never interrupt
// delivery to the rest of a channel's subscribers.
type Publisher struct {
	registry *subscription.Registry
	backlog  *backlog.Store
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewPublisher creates a publisher over the given registry and backlog.
func NewPublisher(registry *subscription.Registry, bl *backlog.Store, log *logger.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		registry: registry,
		backlog:  bl,
		log:      log.WithComponent("publisher"),
		metrics:  m,
	}
}

// ToChannel delivers msg to every live subscriber of (channel, requestID).
// With no subscribers the message is backlogged and a zero-attempt summary is
// returned. A failed send cleans up that connection only; remaining
// subscribers still receive the message. The sessionID is used for logging
// only and never influences the subscription key.
func (p *Publisher) ToChannel(ch protocol.Channel, requestID, sessionID string, msg any) Summary {
	key := subscription.Key(ch, requestID)
	subs := p.registry.Subscribers(key)

	if len(subs) == 0 {
		p.backlog.Enqueue(key, msg)
		p.metrics.PublishedMessages.WithLabelValues(metrics.OutcomeBacklogged).Inc()
		p.log.Debug("no subscribers, backlogged",
			slog.String("key", key),
			slog.String("session_id", logger.HashID(sessionID)))
		return Summary{}
	}

	summary := Summary{Attempted: len(subs)}
	for _, c := range subs {
		if p.SendTo(c, msg) {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}

	if summary.Failed > 0 {
		p.metrics.PublishedMessages.WithLabelValues(metrics.OutcomePartialFailure).Inc()
		p.log.Info("publish completed with failures",
			slog.String("key", key),
			slog.Int("attempted", summary.Attempted),
			slog.Int("sent", summary.Sent),
			slog.Int("failed", summary.Failed))
	} else {
		p.metrics.PublishedMessages.WithLabelValues(metrics.OutcomeDelivered).Inc()
		p.log.Debug("publish delivered",
			slog.String("key", key),
			slog.Int("sent", summary.Sent))
	}

	return summary
}

// SendTo is the single-socket send primitive, reused by replay and direct
// acknowledgments. A failure here means the connection is dead or not
// draining its send queue; either way it is cleaned out of the registry.
// Returns false when the send was not accepted.
func (p *Publisher) SendTo(c subscription.Conn, msg any) bool {
	if err := c.Send(msg); err != nil {
		p.metrics.SendFailures.Inc()
		p.registry.Cleanup(c.ID())
		p.log.Warn("send failed, connection cleaned up",
			slog.String("connection_id", c.ID()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
