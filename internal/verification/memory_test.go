package verification

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testRequest(clk *fakeClock, id, session string, ttl time.Duration, recipients ...string) Request {
	now := clk.Now()
	return Request{
		ID:         id,
		SessionID:  session,
		Threshold:  0.75,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Recipients: recipients,
	}
}

func TestStateSessionClaim(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, testRequest(clk, "vr_1", "s1", time.Minute, "u1")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.CreateRequest(ctx, testRequest(clk, "vr_2", "s1", time.Minute, "u1")); err != ErrSessionHeld {
		t.Fatalf("expected ErrSessionHeld, got %v", err)
	}
	// A different session is unaffected.
	if err := s.CreateRequest(ctx, testRequest(clk, "vr_3", "s2", time.Minute, "u1")); err != nil {
		t.Fatalf("CreateRequest other session: %v", err)
	}

	id, err := s.ActiveRequestID(ctx, "s1")
	if err != nil || id != "vr_1" {
		t.Fatalf("ActiveRequestID = %q, %v", id, err)
	}

	// Once the claim expires the session can be taken again.
	clk.Advance(61 * time.Second)
	if _, err := s.ActiveRequestID(ctx, "s1"); err != ErrStateNotFound {
		t.Fatalf("expected expired claim, got %v", err)
	}
	if err := s.CreateRequest(ctx, testRequest(clk, "vr_4", "s1", time.Minute, "u1")); err != nil {
		t.Fatalf("CreateRequest after expiry: %v", err)
	}
}

func TestStateLazyExpiry(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	req := testRequest(clk, "vr_1", "s1", time.Minute, "u1")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := s.GetRequest(ctx, "vr_1"); err != nil {
		t.Fatalf("GetRequest: %v", err)
	}

	clk.Advance(time.Minute + time.Millisecond)
	if _, err := s.GetRequest(ctx, "vr_1"); err != ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound after TTL, got %v", err)
	}
	if _, err := s.VerifiedMembers(ctx, "vr_1"); err != ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound for verified set, got %v", err)
	}
	if _, err := s.MarkVerified(ctx, "vr_1", "u1"); err != ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound for MarkVerified, got %v", err)
	}
}

func TestStateMarkVerifiedOnce(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, testRequest(clk, "vr_1", "s1", time.Hour, "u1", "u2")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	added, err := s.MarkVerified(ctx, "vr_1", "u1")
	if err != nil || !added {
		t.Fatalf("first MarkVerified = %v, %v", added, err)
	}
	added, err = s.MarkVerified(ctx, "vr_1", "u1")
	if err != nil || added {
		t.Fatalf("second MarkVerified = %v, %v", added, err)
	}

	members, err := s.VerifiedMembers(ctx, "vr_1")
	if err != nil {
		t.Fatalf("VerifiedMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("unexpected members: %v", members)
	}
}

func TestStateMarkVerifiedConcurrent(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	if err := s.CreateRequest(ctx, testRequest(clk, "vr_1", "s1", time.Hour, "u1")); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := s.MarkVerified(ctx, "vr_1", "u1")
			if err != nil {
				t.Errorf("MarkVerified: %v", err)
				return
			}
			if added {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestStatePurge(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	req := testRequest(clk, "vr_1", "s1", time.Hour, "u1", "u2")
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	_, _ = s.MarkVerified(ctx, "vr_1", "u1")
	_ = s.PutReceipt(ctx, Receipt{RequestID: "vr_1", RecipientID: "u1", Matched: true}, time.Hour)

	if err := s.Purge(ctx, req); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := s.GetRequest(ctx, "vr_1"); err != ErrStateNotFound {
		t.Fatalf("request survived purge: %v", err)
	}
	if _, err := s.GetReceipt(ctx, "vr_1", "u1"); err != ErrStateNotFound {
		t.Fatalf("receipt survived purge: %v", err)
	}
	if _, err := s.ActiveRequestID(ctx, "s1"); err != ErrStateNotFound {
		t.Fatalf("session claim survived purge: %v", err)
	}

	// Purge only releases the session if this request still owns it.
	req2 := testRequest(clk, "vr_2", "s1", time.Hour, "u1")
	if err := s.CreateRequest(ctx, req2); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := s.Purge(ctx, req); err != nil {
		t.Fatalf("Purge stale request: %v", err)
	}
	if id, err := s.ActiveRequestID(ctx, "s1"); err != nil || id != "vr_2" {
		t.Fatalf("session claim lost: %q, %v", id, err)
	}
}

func TestStateReceiptTTLFloor(t *testing.T) {
	clk := newFakeClock()
	s := NewInMemoryStateWithClock(clk.Now)
	ctx := context.Background()

	// A negative remaining TTL is floored to one second, never negative.
	rec := Receipt{RequestID: "vr_1", RecipientID: "u1", Matched: true, Similarity: 0.9}
	if err := s.PutReceipt(ctx, rec, -5*time.Second); err != nil {
		t.Fatalf("PutReceipt: %v", err)
	}
	got, err := s.GetReceipt(ctx, "vr_1", "u1")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if !got.Matched || got.Similarity != 0.9 {
		t.Fatalf("unexpected receipt: %+v", got)
	}

	clk.Advance(2 * time.Second)
	if _, err := s.GetReceipt(ctx, "vr_1", "u1"); err != ErrStateNotFound {
		t.Fatalf("expected receipt to expire, got %v", err)
	}
}
