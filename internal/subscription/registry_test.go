package subscription

import (
	"log/slog"
	"testing"

	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
)

type fakeConn struct {
	id string
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) Send(v any) error { return nil }

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestKeyIsPureAndSessionIndependent(t *testing.T) {
	a := Key(protocol.ChannelSearch, "req-1")
	b := Key(protocol.ChannelSearch, "req-1")
	if a != b {
		t.Errorf("key not stable: %q vs %q", a, b)
	}
	if a == Key(protocol.ChannelAssistant, "req-1") {
		t.Error("channels must produce distinct keys")
	}
	if a == Key(protocol.ChannelSearch, "req-2") {
		t.Error("request ids must produce distinct keys")
	}
}

func TestSubscribeIsIdempotentPerKey(t *testing.T) {
	r := NewRegistry(testLogger())
	c := &fakeConn{id: "c1"}
	key := Key(protocol.ChannelSearch, "req-1")

	if !r.Subscribe(key, c) {
		t.Error("first subscribe should be new")
	}
	if r.Subscribe(key, c) {
		t.Error("second subscribe should be a no-op")
	}
	if got := len(r.Subscribers(key)); got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}
}

func TestUnsubscribeRemovesEmptyKey(t *testing.T) {
	r := NewRegistry(testLogger())
	c := &fakeConn{id: "c1"}
	key := Key(protocol.ChannelSearch, "req-1")

	r.Subscribe(key, c)
	r.Unsubscribe(key, c.ID())

	if r.Subscribers(key) != nil {
		t.Error("key should be deleted once empty")
	}
	if r.Count() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", r.Count())
	}
}

func TestCleanupRemovesAllSubscriptions(t *testing.T) {
	r := NewRegistry(testLogger())
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	k1 := Key(protocol.ChannelSearch, "req-1")
	k2 := Key(protocol.ChannelAssistant, "req-1")
	k3 := Key(protocol.ChannelSearch, "req-2")

	r.Subscribe(k1, c1)
	r.Subscribe(k2, c1)
	r.Subscribe(k3, c1)
	r.Subscribe(k1, c2)

	if removed := r.Cleanup(c1.ID()); removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	// c2 is untouched, c1 is gone everywhere.
	if !r.Contains(k1, c2.ID()) {
		t.Error("cleanup must not affect other connections")
	}
	if r.Contains(k1, c1.ID()) || r.Contains(k2, c1.ID()) || r.Contains(k3, c1.ID()) {
		t.Error("cleanup left stale subscriptions")
	}
	if r.Subscribers(k2) != nil || r.Subscribers(k3) != nil {
		t.Error("emptied keys should be deleted")
	}

	// Cleanup of an unknown connection is a no-op.
	if removed := r.Cleanup("ghost"); removed != 0 {
		t.Errorf("expected 0 removed for unknown connection, got %d", removed)
	}
}

func TestSubscribersReturnsSnapshot(t *testing.T) {
	r := NewRegistry(testLogger())
	c := &fakeConn{id: "c1"}
	key := Key(protocol.ChannelSearch, "req-1")
	r.Subscribe(key, c)

	snap := r.Subscribers(key)
	snap[0] = &fakeConn{id: "evil"}

	if !r.Contains(key, "c1") {
		t.Error("mutating the snapshot must not affect the registry")
	}
}
