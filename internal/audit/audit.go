package audit

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of one (request, recipient) audit row.
// Rows are created as pending and transition to exactly one terminal state,
// except that a later successful match may override an earlier no-match
// (recipients are allowed to retry after a failed comparison).
type Status string

const (
	StatusPending          Status = "pending"
	StatusCompletedMatch   Status = "completed_match"
	StatusCompletedNoMatch Status = "completed_nomatch"
	StatusCancelled        Status = "cancelled"
)

// Record is the durable system of record for one recipient within one
// verification request. Rows outlive the ephemeral keys and are never
// deleted by the coordinator.
type Record struct {
	RequestID      string    `json:"request_id"`
	RecipientID    string    `json:"recipient_id"`
	InitiatorID    string    `json:"initiator_id"`
	SessionID      string    `json:"session_id"`
	ScopeRef       string    `json:"scope_ref,omitempty"`
	Threshold      float64   `json:"threshold"`
	ExpiresAt      time.Time `json:"expires_at"`
	NotificationID string    `json:"notification_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrNoRows indicates a lookup matched nothing.
var ErrNoRows = errors.New("audit: no rows")

// Repository persists audit rows. Implementations must be safe for
// concurrent use by independent request handlers.
type Repository interface {
	// CreateMany inserts one pending row per recipient.
	CreateMany(ctx context.Context, records []Record) error

	// MarkCompleted records a comparison outcome. A match transitions
	// pending or completed_nomatch rows to completed_match; a no-match
	// transitions only pending rows. Any other row is left untouched.
	MarkCompleted(ctx context.Context, requestID, recipientID string, matched bool) error

	// SetNotificationID stores the dispatch identifier returned by the
	// notification channel.
	SetNotificationID(ctx context.Context, requestID, recipientID, notificationID string) error

	// CancelByRequestID transitions every pending row of the request to
	// cancelled and reports how many rows changed.
	CancelByRequestID(ctx context.Context, requestID string) (int64, error)

	// CancelBySessionID transitions every pending row of the session to
	// cancelled and reports how many rows changed.
	CancelBySessionID(ctx context.Context, sessionID string) (int64, error)

	// FindActiveBySessionID returns all pending rows for the session.
	FindActiveBySessionID(ctx context.Context, sessionID string) ([]Record, error)

	// ListByRequestID returns all rows of a request regardless of status.
	ListByRequestID(ctx context.Context, requestID string) ([]Record, error)
}
