package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall.org/internal/obs"
)

// ErrQueueFull is returned when the outbound buffer is saturated. Callers
// treat it as a lost push, not a failed operation.
var ErrQueueFull = errors.New("notify: queue full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("notify: queue closed")

// Queue decouples dispatch from the request path: Enqueue returns
// immediately with a dispatch id, workers drain the buffer and retry failed
// deliveries with backoff. Messages are dropped only after maxAttempts.
type Queue struct {
	dispatcher Dispatcher

	buffer      int
	workers     int
	maxAttempts int
	backoff     time.Duration
	attemptTTL  time.Duration

	mu     sync.Mutex
	closed bool
	ch     chan Message
	wg     sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of drain goroutines.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithBuffer sets the outbound buffer size.
func WithBuffer(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.buffer = n
		}
	}
}

// WithMaxAttempts sets the delivery attempt limit per message.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between delivery attempts.
func WithBackoff(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// NewQueue creates and starts a queue draining into the dispatcher.
func NewQueue(d Dispatcher, opts ...QueueOption) *Queue {
	q := &Queue{
		dispatcher:  d,
		buffer:      1024,
		workers:     4,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		attemptTTL:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ch = make(chan Message, q.buffer)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.drain()
	}
	return q
}

// Enqueue buffers a message for delivery and returns its dispatch id.
// It never blocks: a saturated buffer drops the message.
func (q *Queue) Enqueue(msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		q.mu.Unlock()
		obs.CountNotification("queued")
		return msg.ID, nil
	default:
		q.mu.Unlock()
		obs.CountNotification("dropped")
		return "", ErrQueueFull
	}
}

// Close stops accepting messages, delivers what is buffered and waits for
// the workers to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for msg := range q.ch {
		q.deliver(msg)
	}
}

func (q *Queue) deliver(msg Message) {
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.attemptTTL)
		lastErr = q.dispatcher.Dispatch(ctx, msg)
		cancel()
		if lastErr == nil {
			obs.CountNotification("delivered")
			return
		}
		if attempt < q.maxAttempts {
			obs.CountNotification("retried")
			time.Sleep(q.backoff)
		}
	}
	obs.CountNotification("dropped")
	obs.LogRequest(map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     "error",
		"msg":       "notification_delivery_failed",
		"dispatch":  msg.ID,
		"recipient": msg.RecipientID,
		"error":     lastErr.Error(),
	})
}
