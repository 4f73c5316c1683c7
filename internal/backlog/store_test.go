package backlog

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
)

type fakeConn struct {
	id        string
	received  []any
	failAfter int // fail sends once this many have succeeded; -1 never fails
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(v any) error {
	if f.failAfter >= 0 && len(f.received) >= f.failAfter {
		return errors.New("send failed")
	}
	f.received = append(f.received, v)
	return nil
}

func newStore(perKey, global int, ttl time.Duration) *Store {
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewStore(perKey, global, ttl, log, metrics.New(prometheus.NewRegistry()))
}

func TestEnqueueDrainFIFO(t *testing.T) {
	s := newStore(50, 10000, 2*time.Minute)
	for i := 0; i < 3; i++ {
		s.Enqueue("search:req-1", fmt.Sprintf("msg-%d", i))
	}
	if s.KeyLen("search:req-1") != 3 {
		t.Fatalf("expected 3 buffered, got %d", s.KeyLen("search:req-1"))
	}

	c := &fakeConn{id: "c1", failAfter: -1}
	sent, err := s.Drain("search:req-1", c)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if sent != 3 {
		t.Errorf("expected 3 sent, got %d", sent)
	}
	for i, msg := range c.received {
		if msg != fmt.Sprintf("msg-%d", i) {
			t.Errorf("out of order at %d: %v", i, msg)
		}
	}

	// Draining again is a no-op.
	c2 := &fakeConn{id: "c2", failAfter: -1}
	sent, err = s.Drain("search:req-1", c2)
	if err != nil || sent != 0 {
		t.Errorf("second drain should be a no-op, got sent=%d err=%v", sent, err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d items", s.Len())
	}
}

func TestPerKeyCapEvictsOldest(t *testing.T) {
	s := newStore(3, 10000, 2*time.Minute)
	for i := 0; i < 5; i++ {
		s.Enqueue("k", i)
	}
	if s.KeyLen("k") != 3 {
		t.Fatalf("expected per-key cap 3, got %d", s.KeyLen("k"))
	}

	c := &fakeConn{id: "c1", failAfter: -1}
	s.Drain("k", c)
	want := []any{2, 3, 4}
	for i, v := range want {
		if c.received[i] != v {
			t.Errorf("expected oldest-first eviction, got %v", c.received)
			break
		}
	}
}

func TestGlobalCapDropsNewMessages(t *testing.T) {
	s := newStore(50, 4, 2*time.Minute)
	s.Enqueue("a", 1)
	s.Enqueue("a", 2)
	s.Enqueue("b", 3)
	s.Enqueue("b", 4)
	// Global cap reached: the new message is dropped even though key "c" is
	// far under its own cap.
	s.Enqueue("c", 5)

	if s.Len() != 4 {
		t.Errorf("expected global count 4, got %d", s.Len())
	}
	if s.KeyLen("c") != 0 {
		t.Errorf("message over global cap should be dropped, key c has %d", s.KeyLen("c"))
	}
}

func TestDrainStopsOnSendFailureAndDeletes(t *testing.T) {
	s := newStore(50, 10000, 2*time.Minute)
	for i := 0; i < 3; i++ {
		s.Enqueue("k", i)
	}

	c := &fakeConn{id: "c1", failAfter: 1}
	sent, err := s.Drain("k", c)
	if err == nil {
		t.Fatal("expected send error")
	}
	if sent != 1 {
		t.Errorf("expected 1 sent before failure, got %d", sent)
	}

	// At-most-once: the entry is gone despite the partial send.
	if s.KeyLen("k") != 0 || s.Len() != 0 {
		t.Error("entry must be deleted unconditionally after drain")
	}
}

func TestExpiredEntryDrainIsNoop(t *testing.T) {
	s := newStore(50, 10000, 2*time.Minute)
	base := time.Now()
	now := base
	s.SetNow(func() time.Time { return now })

	s.Enqueue("k", "stale")
	now = base.Add(3 * time.Minute)

	c := &fakeConn{id: "c1", failAfter: -1}
	sent, err := s.Drain("k", c)
	if err != nil || sent != 0 {
		t.Errorf("expired drain should be a no-op, got sent=%d err=%v", sent, err)
	}
	if s.Len() != 0 {
		t.Error("expired entry should be deleted by drain")
	}
}

func TestSweepExpired(t *testing.T) {
	s := newStore(50, 10000, 2*time.Minute)
	base := time.Now()
	now := base
	s.SetNow(func() time.Time { return now })

	s.Enqueue("old", 1)
	now = base.Add(time.Minute)
	s.Enqueue("fresh", 2)
	now = base.Add(2*time.Minute + time.Second)

	if removed := s.SweepExpired(); removed != 1 {
		t.Errorf("expected 1 swept, got %d", removed)
	}
	if s.KeyLen("fresh") != 1 {
		t.Error("sweep must not remove unexpired entries")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 item after sweep, got %d", s.Len())
	}
}

func TestEnqueueReplacesStaleEntry(t *testing.T) {
	s := newStore(50, 10000, 2*time.Minute)
	base := time.Now()
	now := base
	s.SetNow(func() time.Time { return now })

	s.Enqueue("k", "old")
	now = base.Add(3 * time.Minute)
	s.Enqueue("k", "new")

	c := &fakeConn{id: "c1", failAfter: -1}
	now = base.Add(3*time.Minute + time.Second)
	sent, _ := s.Drain("k", c)
	if sent != 1 || c.received[0] != "new" {
		t.Errorf("stale entry should be replaced, got %v", c.received)
	}
}
