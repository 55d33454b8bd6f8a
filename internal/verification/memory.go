package verification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryState implements StateStore with in-process concurrency safety
// and lazy TTL expiry. Used in tests and single-node development runs.
// NOTE: multi-replica deployments need the Redis-backed store.
type InMemoryState struct {
	mu       sync.Mutex
	now      func() time.Time
	requests map[string]entry              // requestID -> metadata
	sessions map[string]sessionClaim       // sessionID -> active requestID
	verified map[string]map[string]struct{} // requestID -> recipient set
	receipts map[string]receiptEntry       // requestID+"\x00"+recipientID
}

type entry struct {
	req       Request
	expiresAt time.Time
}

type sessionClaim struct {
	requestID string
	expiresAt time.Time
}

type receiptEntry struct {
	rec       Receipt
	expiresAt time.Time
}

var _ StateStore = (*InMemoryState)(nil)

// NewInMemoryState creates an empty store on the wall clock.
func NewInMemoryState() *InMemoryState {
	return NewInMemoryStateWithClock(func() time.Time { return time.Now().UTC() })
}

// NewInMemoryStateWithClock creates a store on an injected clock so expiry
// can be exercised without sleeping. The coordinator and the store must
// share one clock source.
func NewInMemoryStateWithClock(now func() time.Time) *InMemoryState {
	return &InMemoryState{
		now:      now,
		requests: make(map[string]entry),
		sessions: make(map[string]sessionClaim),
		verified: make(map[string]map[string]struct{}),
		receipts: make(map[string]receiptEntry),
	}
}

func (s *InMemoryState) CreateRequest(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if claim, ok := s.sessions[req.SessionID]; ok && now.Before(claim.expiresAt) {
		return ErrSessionHeld
	}
	s.sessions[req.SessionID] = sessionClaim{requestID: req.ID, expiresAt: req.ExpiresAt}
	s.requests[req.ID] = entry{req: req, expiresAt: req.ExpiresAt}
	s.verified[req.ID] = make(map[string]struct{})
	return nil
}

func (s *InMemoryState) GetRequest(ctx context.Context, requestID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok || !s.now().Before(e.expiresAt) {
		return Request{}, ErrStateNotFound
	}
	return e.req, nil
}

func (s *InMemoryState) ActiveRequestID(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.sessions[sessionID]
	if !ok || !s.now().Before(claim.expiresAt) {
		return "", ErrStateNotFound
	}
	return claim.requestID, nil
}

func (s *InMemoryState) MarkVerified(ctx context.Context, requestID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok || !s.now().Before(e.expiresAt) {
		return false, ErrStateNotFound
	}
	set, ok := s.verified[requestID]
	if !ok {
		set = make(map[string]struct{})
		s.verified[requestID] = set
	}
	if _, exists := set[recipientID]; exists {
		return false, nil
	}
	set[recipientID] = struct{}{}
	return true, nil
}

func (s *InMemoryState) VerifiedMembers(ctx context.Context, requestID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[requestID]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrStateNotFound
	}
	set := s.verified[requestID]
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

func (s *InMemoryState) PutReceipt(ctx context.Context, rec Receipt, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[rec.RequestID+"\x00"+rec.RecipientID] = receiptEntry{
		rec:       rec,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetReceipt returns the most recent attempt outcome, if still alive.
func (s *InMemoryState) GetReceipt(ctx context.Context, requestID, recipientID string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.receipts[requestID+"\x00"+recipientID]
	if !ok || !s.now().Before(e.expiresAt) {
		return Receipt{}, ErrStateNotFound
	}
	return e.rec, nil
}

func (s *InMemoryState) Purge(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, req.ID)
	delete(s.verified, req.ID)
	for _, rec := range req.Recipients {
		delete(s.receipts, req.ID+"\x00"+rec)
	}
	if claim, ok := s.sessions[req.SessionID]; ok && claim.requestID == req.ID {
		delete(s.sessions, req.SessionID)
	}
	return nil
}

func (s *InMemoryState) ReleaseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
