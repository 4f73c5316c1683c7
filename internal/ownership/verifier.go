package ownership

import (
	"context"
	"log/slog"

	"github.com/luminasearch/realtime-gateway/internal/logger"
)

// Owner is the identity pair authorized to subscribe to a request id.
// A record with both fields empty carries no usable identity.
type Owner struct {
	UserID    string
	SessionID string
}

// JobStore resolves the owner of an in-flight search request. Implemented
// externally (Postgres in production). GetJob returns (nil, nil) when the
// request has not been created yet.
type JobStore interface {
	GetJob(ctx context.Context, requestID string) (*Owner, error)
}

// Decision is the outcome of an ownership check.
type Decision int

const (
	Allow Decision = iota
	Deny
	Pending
)

// Deny reasons, taxonomized for observability. Never sent to clients beyond
// a coarse code.
const (
	ReasonOwnerLookupFailed = "owner_lookup_failed"
	ReasonUserMismatch      = "user_mismatch"
	ReasonSessionMismatch   = "session_mismatch"
)

// Verdict pairs a decision with its deny reason.
type Verdict struct {
	Decision Decision
	Reason   string
}

// AnonymousSession is the session id of unauthenticated connections; it never
// matches an owner.
const AnonymousSession = "anonymous"

// Verifier gates subscribe requests on request ownership.
type Verifier struct {
	store JobStore
	log   *logger.Logger
}

// NewVerifier creates a verifier backed by the given job store.
func NewVerifier(store JobStore, log *logger.Logger) *Verifier {
	return &Verifier{
		store: store,
		log:   log.WithComponent("ownership"),
	}
}

// ResolveOwner looks up the owner of requestID. The second return value is
// false when the store failed; callers must treat that as DENY, never as
// PENDING, to fail closed.
func (v *Verifier) ResolveOwner(ctx context.Context, requestID string) (*Owner, bool) {
	owner, err := v.store.GetJob(ctx, requestID)
	if err != nil {
		v.log.Error("owner lookup failed",
			slog.String("request_id", logger.HashID(requestID)),
			slog.String("error", err.Error()))
		return nil, false
	}
	return owner, true
}

// Decide evaluates a subscribe against the request's owner record.
// PENDING when the request does not exist yet; ALLOW when the connection's
// authenticated identity matches the owner (user id match takes precedence
// over session id match when both are present); DENY otherwise.
func (v *Verifier) Decide(ctx context.Context, requestID, connSessionID, connUserID string) Verdict {
	owner, ok := v.ResolveOwner(ctx, requestID)
	if !ok {
		return Verdict{Decision: Deny, Reason: ReasonOwnerLookupFailed}
	}
	if owner == nil {
		return Verdict{Decision: Pending}
	}

	if owner.UserID != "" && connUserID != "" {
		if owner.UserID == connUserID {
			return Verdict{Decision: Allow}
		}
		return Verdict{Decision: Deny, Reason: ReasonUserMismatch}
	}

	if owner.SessionID != "" && connSessionID != "" && connSessionID != AnonymousSession {
		if owner.SessionID == connSessionID {
			return Verdict{Decision: Allow}
		}
	}

	// Covers session mismatch, anonymous connections, and owner records with
	// no usable identity.
	return Verdict{Decision: Deny, Reason: ReasonSessionMismatch}
}
