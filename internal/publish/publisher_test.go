package publish

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luminasearch/realtime-gateway/internal/backlog"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
)

type fakeConn struct {
	id       string
	received []any
	fail     bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(v any) error {
	if f.fail {
		return errors.New("write: broken pipe")
	}
	f.received = append(f.received, v)
	return nil
}

func newPublisher() (*Publisher, *subscription.Registry, *backlog.Store) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	m := metrics.New(prometheus.NewRegistry())
	reg := subscription.NewRegistry(log)
	bl := backlog.NewStore(50, 10000, 2*time.Minute, log, m)
	return NewPublisher(reg, bl, log, m), reg, bl
}

func TestToChannelDeliversToAllSubscribers(t *testing.T) {
	p, reg, _ := newPublisher()
	key := subscription.Key(protocol.ChannelSearch, "req-1")
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	reg.Subscribe(key, c1)
	reg.Subscribe(key, c2)

	s := p.ToChannel(protocol.ChannelSearch, "req-1", "sess-1", "hello")
	if s.Attempted != 2 || s.Sent != 2 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(c1.received) != 1 || len(c2.received) != 1 {
		t.Error("every subscriber should receive the message")
	}
}

func TestToChannelBacklogsWhenNoSubscribers(t *testing.T) {
	p, _, bl := newPublisher()

	s := p.ToChannel(protocol.ChannelSearch, "req-1", "sess-1", "early")
	if s.Attempted != 0 || s.Sent != 0 || s.Failed != 0 {
		t.Fatalf("expected zero summary, got %+v", s)
	}
	key := subscription.Key(protocol.ChannelSearch, "req-1")
	if bl.KeyLen(key) != 1 {
		t.Errorf("message should be backlogged, got %d items", bl.KeyLen(key))
	}
}

func TestToChannelPartialFailureCleansUpOnlyBadConn(t *testing.T) {
	p, reg, _ := newPublisher()
	key := subscription.Key(protocol.ChannelAssistant, "req-1")
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad", fail: true}
	reg.Subscribe(key, good)
	reg.Subscribe(key, bad)
	reg.Subscribe(subscription.Key(protocol.ChannelSearch, "req-1"), bad)

	s := p.ToChannel(protocol.ChannelAssistant, "req-1", "sess-1", "update")
	if s.Attempted != 2 || s.Sent != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(good.received) != 1 {
		t.Error("healthy subscriber must still receive the message")
	}
	// The failing connection is removed from every key, not just this one.
	if reg.Contains(key, "bad") || reg.Contains(subscription.Key(protocol.ChannelSearch, "req-1"), "bad") {
		t.Error("failed connection must be cleaned up across all keys")
	}
	if !reg.Contains(key, "good") {
		t.Error("healthy connection must stay subscribed")
	}
}

func TestToChannelKeyIgnoresSessionID(t *testing.T) {
	p, reg, _ := newPublisher()
	key := subscription.Key(protocol.ChannelSearch, "req-1")
	c := &fakeConn{id: "c1"}
	reg.Subscribe(key, c)

	// Publisher resolves a different session than the subscriber did; the
	// message is still delivered because the key never includes the session.
	s := p.ToChannel(protocol.ChannelSearch, "req-1", "some-other-session", "msg")
	if s.Sent != 1 {
		t.Fatalf("session id must not affect routing, got %+v", s)
	}
}

func TestSendToFailureTriggersCleanup(t *testing.T) {
	p, reg, _ := newPublisher()
	key := subscription.Key(protocol.ChannelSearch, "req-1")
	bad := &fakeConn{id: "bad", fail: true}
	reg.Subscribe(key, bad)

	if p.SendTo(bad, "msg") {
		t.Fatal("SendTo should report failure")
	}
	if reg.Contains(key, "bad") {
		t.Error("failed send must remove the connection from the registry")
	}
}
