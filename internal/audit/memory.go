package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Repository with in-process concurrency safety.
// Used in tests and single-node development runs.
type InMemory struct {
	mu   sync.RWMutex
	rows map[string]*Record // requestID+"\x00"+recipientID
}

var _ Repository = (*InMemory)(nil)

// NewInMemory creates an empty repository.
func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[string]*Record)}
}

func key(requestID, recipientID string) string {
	return requestID + "\x00" + recipientID
}

func (m *InMemory) CreateMany(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, rec := range records {
		cp := rec
		if cp.Status == "" {
			cp.Status = StatusPending
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = cp.CreatedAt
		m.rows[key(cp.RequestID, cp.RecipientID)] = &cp
	}
	return nil
}

func (m *InMemory) MarkCompleted(ctx context.Context, requestID, recipientID string, matched bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key(requestID, recipientID)]
	if !ok {
		return ErrNoRows
	}
	switch {
	case matched && (row.Status == StatusPending || row.Status == StatusCompletedNoMatch):
		row.Status = StatusCompletedMatch
		row.UpdatedAt = time.Now().UTC()
	case !matched && row.Status == StatusPending:
		row.Status = StatusCompletedNoMatch
		row.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *InMemory) SetNotificationID(ctx context.Context, requestID, recipientID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key(requestID, recipientID)]
	if !ok {
		return ErrNoRows
	}
	row.NotificationID = notificationID
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMemory) CancelByRequestID(ctx context.Context, requestID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.RequestID == requestID && row.Status == StatusPending {
			row.Status = StatusCancelled
			row.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *InMemory) CancelBySessionID(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.SessionID == sessionID && row.Status == StatusPending {
			row.Status = StatusCancelled
			row.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *InMemory) FindActiveBySessionID(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, row := range m.rows {
		if row.SessionID == sessionID && row.Status == StatusPending {
			res = append(res, *row)
		}
	}
	sortRecords(res)
	return res, nil
}

func (m *InMemory) ListByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, row := range m.rows {
		if row.RequestID == requestID {
			res = append(res, *row)
		}
	}
	sortRecords(res)
	return res, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].RequestID != recs[j].RequestID {
			return recs[i].RequestID < recs[j].RequestID
		}
		return recs[i].RecipientID < recs[j].RecipientID
	})
}
