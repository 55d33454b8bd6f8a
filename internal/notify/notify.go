// Package notify carries best-effort push notifications out of the
// coordinator. Delivery is asynchronous and at-least-once; the coordinator's
// correctness never depends on a dispatch completing or succeeding.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"rollcall.org/internal/obs"
)

// Message is one outbound notification to a single recipient.
type Message struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Dispatcher pushes one message to one recipient. Implementations should be
// fast or enforce their own timeout; the queue applies a per-attempt deadline
// on top.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// LogDispatcher writes the message as a JSON log line. Used in development
// and tests, and as the fallback when no push channel is configured.
type LogDispatcher struct{}

var _ Dispatcher = LogDispatcher{}

func (LogDispatcher) Dispatch(ctx context.Context, msg Message) error {
	data, err := json.Marshal(map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"type":      "notification",
		"id":        msg.ID,
		"recipient": msg.RecipientID,
		"title":     msg.Title,
		"body":      msg.Body,
		"metadata":  msg.Metadata,
	})
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
