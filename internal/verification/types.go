// Package verification implements the face verification request coordinator:
// short-lived multi-recipient challenges with exactly-once success
// accounting, deadline expiry, cancellation and session-wide cleanup.
package verification

import (
	"errors"
	"time"
)

// Request is the ephemeral verification challenge. Metadata is immutable
// after creation; only the verified set, receipts and audit rows are
// mutated afterwards.
type Request struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	InitiatorID string    `json:"initiator_id"`
	ScopeRef    string    `json:"scope_ref,omitempty"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body,omitempty"`
	Threshold   float64   `json:"threshold"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Recipients  []string  `json:"recipients"`
}

// IsRecipient reports membership in the immutable recipient set.
func (r Request) IsRecipient(id string) bool {
	for _, rec := range r.Recipients {
		if rec == id {
			return true
		}
	}
	return false
}

// Expired reports whether the request is logically dead at the given
// instant, regardless of whether its keys still physically exist.
func (r Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Receipt records the most recent verification attempt by one recipient.
// It lives only until the parent request's TTL elapses.
type Receipt struct {
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id"`
	RecipientID string    `json:"recipient_id"`
	Matched     bool      `json:"matched"`
	Similarity  float64   `json:"similarity"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Error taxonomy. All are terminal for the calling request; the coordinator
// retries nothing.
var (
	// ErrNotFoundOrExpired: the request id resolves to nothing (404).
	ErrNotFoundOrExpired = errors.New("verification request not found or expired")
	// ErrExpired: the request existed but its deadline has passed (410).
	ErrExpired = errors.New("verification request expired")
	// ErrAlreadyActive: another non-expired request holds the session (409).
	ErrAlreadyActive = errors.New("an active verification request already exists for this session")
	// ErrNoRecipients: recipient resolution yielded an empty set (400).
	ErrNoRecipients = errors.New("no recipients resolved for verification request")
	// ErrNotARecipient: the identity is not in the recipient set (400).
	ErrNotARecipient = errors.New("identity is not a recipient of this request")
	// ErrAlreadyVerified: the recipient already completed successfully (409).
	ErrAlreadyVerified = errors.New("recipient has already verified")
)
