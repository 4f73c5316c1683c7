package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luminasearch/realtime-gateway/internal/ownership"
)

// Store reads search request ownership and state from Postgres. The gateway
// never writes these tables; the search backend owns them.
type Store struct {
	db *sql.DB
}

// New creates a store over an initialized connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetJob returns the owner of a search request, or (nil, nil) when the
// request has not been created yet.
func (s *Store) GetJob(ctx context.Context, requestID string) (*ownership.Owner, error) {
	var userID, sessionID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_user_id, owner_session_id FROM search_requests WHERE request_id = $1`,
		requestID,
	).Scan(&userID, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query search request: %w", err)
	}

	return &ownership.Owner{
		UserID:    userID.String,
		SessionID: sessionID.String,
	}, nil
}

// requestState mirrors one request_states row for the snapshot frame.
type requestState struct {
	AssistantStatus string          `json:"assistantStatus"`
	AssistantOutput json.RawMessage `json:"assistantOutput,omitempty"`
	Recommendations json.RawMessage `json:"recommendations,omitempty"`
}

// GetRequestState returns the accumulated state snapshot for a request, or
// (nil, nil) when none has been recorded.
func (s *Store) GetRequestState(ctx context.Context, requestID string) (json.RawMessage, error) {
	var state requestState
	var output, recs []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT assistant_status, assistant_output, recommendations FROM request_states WHERE request_id = $1`,
		requestID,
	).Scan(&state.AssistantStatus, &output, &recs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query request state: %w", err)
	}

	state.AssistantOutput = output
	state.Recommendations = recs

	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode request state: %w", err)
	}
	return encoded, nil
}
