package verification

import (
	"context"
	"errors"
	"time"
)

// State-store sentinel errors.
var (
	// ErrStateNotFound: the key does not exist or its TTL has elapsed.
	ErrStateNotFound = errors.New("state: not found")
	// ErrSessionHeld: a non-expired request already holds the session key.
	ErrSessionHeld = errors.New("state: session already held")
)

// StateStore is the ephemeral side of the coordinator: per-key TTLs, atomic
// conditional writes, lazy expiry. Every method must be safe under arbitrary
// interleaving from independent processes; the two conditional operations
// (CreateRequest, MarkVerified) carry the coordinator's invariants.
type StateStore interface {
	// CreateRequest atomically claims the session key (create-if-absent,
	// keyed by req.SessionID) and writes the request metadata with a TTL
	// running to req.ExpiresAt. Returns ErrSessionHeld when a non-expired
	// request already owns the session.
	CreateRequest(ctx context.Context, req Request) error

	// GetRequest reads request metadata. Expired or missing keys yield
	// ErrStateNotFound; reads never mutate state.
	GetRequest(ctx context.Context, requestID string) (Request, error)

	// ActiveRequestID resolves the session key to the request currently
	// holding it, if any.
	ActiveRequestID(ctx context.Context, sessionID string) (string, error)

	// MarkVerified atomically adds the recipient to the verified set and
	// reports whether the add happened (false means the recipient was
	// already a member). This is the set-if-not-member primitive behind
	// exactly-once success accounting.
	MarkVerified(ctx context.Context, requestID, recipientID string) (bool, error)

	// VerifiedMembers returns the current verified set, which grows
	// monotonically until the request is deleted.
	VerifiedMembers(ctx context.Context, requestID string) ([]string, error)

	// PutReceipt stores the most recent attempt outcome for the recipient,
	// overwriting any previous receipt, with the given TTL.
	PutReceipt(ctx context.Context, rec Receipt, ttl time.Duration) error

	// Purge deletes the request metadata, verified set, all receipts and
	// the session key. Missing keys are not an error.
	Purge(ctx context.Context, req Request) error

	// ReleaseSession deletes a session key whose request metadata is
	// already gone. Defensive path used by session cleanup.
	ReleaseSession(ctx context.Context, sessionID string) error
}
