package backlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
)

// entry is the bounded FIFO queue of messages buffered for one subscription
// key while it has no live subscriber.
type entry struct {
	items     []any
	expiresAt time.Time
}

// Store buffers messages published before any subscriber exists, bounded per
// key and globally, and expired by TTL. Entries are deleted the instant they
// are drained or expire; there is no partially drained state.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	global  int

	perKeyLimit int
	globalLimit int
	ttl         time.Duration

	now func() time.Time

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewStore creates a backlog store with the given caps and TTL.
func NewStore(perKeyLimit, globalLimit int, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Store {
	return &Store{
		entries:     make(map[string]*entry),
		perKeyLimit: perKeyLimit,
		globalLimit: globalLimit,
		ttl:         ttl,
		now:         time.Now,
		log:         log.WithComponent("backlog"),
		metrics:     m,
	}
}

// Enqueue buffers msg for key. At the global cap the new message is dropped
// and logged; the publisher is never blocked. At the per-key cap the oldest
// item is evicted first.
func (s *Store) Enqueue(key string, msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.global >= s.globalLimit {
		s.log.Warn("global backlog cap reached, dropping message",
			slog.String("key", key),
			slog.Int("global_items", s.global))
		s.metrics.BacklogDropped.Inc()
		return
	}

	now := s.now()
	e, ok := s.entries[key]
	if ok && now.After(e.expiresAt) {
		// Stale leftover between sweeps. Treat as absent.
		s.global -= len(e.items)
		ok = false
	}
	if !ok {
		e = &entry{expiresAt: now.Add(s.ttl)}
		s.entries[key] = e
	}

	if len(e.items) >= s.perKeyLimit {
		e.items = e.items[1:]
		s.global--
	}
	e.items = append(e.items, msg)
	s.global++
	s.metrics.BacklogItems.Set(float64(s.global))
}

// Drain replays the buffered messages for key to conn in FIFO order and
// deletes the entry unconditionally: a partially sent backlog is not retried.
// Returns the number of messages sent and the first send error, if any. The
// caller is responsible for cleaning up the connection on error.
func (s *Store) Drain(key string, c subscription.Conn) (int, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return 0, nil
	}
	delete(s.entries, key)
	s.global -= len(e.items)
	s.metrics.BacklogItems.Set(float64(s.global))
	expired := s.now().After(e.expiresAt)
	s.mu.Unlock()

	if expired {
		return 0, nil
	}

	sent := 0
	for _, msg := range e.items {
		if err := c.Send(msg); err != nil {
			s.log.Warn("backlog replay aborted on send failure",
				slog.String("key", key),
				slog.String("connection_id", c.ID()),
				slog.Int("sent", sent),
				slog.Int("total", len(e.items)))
			return sent, err
		}
		sent++
	}

	if sent > 0 {
		s.log.Debug("backlog drained",
			slog.String("key", key),
			slog.Int("sent", sent))
	}
	return sent, nil
}

// SweepExpired deletes all expired entries, bounding memory under sustained
// publish-with-no-subscriber load. Returns the number of entries removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			s.global -= len(e.items)
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.BacklogItems.Set(float64(s.global))
		s.log.Debug("swept expired backlog entries", slog.Int("removed", removed))
	}
	return removed
}

// Len returns the number of buffered messages across all keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// KeyLen returns the number of buffered messages for one key.
func (s *Store) KeyLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return len(e.items)
	}
	return 0
}

// SetNow overrides the clock. Test hook.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
