package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces ticket keys in Redis. The HTTP API side writes tickets
// under the same prefix with a short TTL.
const keyPrefix = "ws_ticket:"

// ErrNotFound means the ticket does not exist, already expired, or was already
// redeemed. All three are indistinguishable by design.
var ErrNotFound = errors.New("ticket not found")

// Payload is the identity minted into a ticket at issue time.
type Payload struct {
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store redeems single-use connection tickets.
type Store interface {
	// Exchange atomically consumes the ticket and returns its payload.
	// A second exchange of the same id returns ErrNotFound.
	Exchange(ctx context.Context, id string) (*Payload, error)
}

// RedisStore implements Store on Redis. GETDEL makes redemption atomic:
// two racing upgrades with the same ticket cannot both be admitted.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Exchange implements Store.
func (s *RedisStore) Exchange(ctx context.Context, id string) (*Payload, error) {
	val, err := s.client.GetDel(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redeem ticket: %w", err)
	}

	var p Payload
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("decode ticket payload: %w", err)
	}
	return &p, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
