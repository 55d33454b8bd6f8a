package audit

import (
	"context"
	"testing"
	"time"
)

func seedRows(t *testing.T, repo *InMemory) {
	t.Helper()
	err := repo.CreateMany(context.Background(), []Record{
		{RequestID: "vr_1", RecipientID: "u1", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)},
		{RequestID: "vr_1", RecipientID: "u2", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)},
		{RequestID: "vr_2", RecipientID: "u3", SessionID: "s2", ExpiresAt: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("CreateMany: %v", err)
	}
}

func TestMarkCompletedTransitions(t *testing.T) {
	repo := NewInMemory()
	seedRows(t, repo)
	ctx := context.Background()

	// pending -> completed_nomatch -> completed_match is allowed (retry after miss).
	if err := repo.MarkCompleted(ctx, "vr_1", "u1", false); err != nil {
		t.Fatalf("MarkCompleted nomatch: %v", err)
	}
	rows, _ := repo.ListByRequestID(ctx, "vr_1")
	if rows[0].Status != StatusCompletedNoMatch {
		t.Fatalf("expected completed_nomatch, got %s", rows[0].Status)
	}
	if err := repo.MarkCompleted(ctx, "vr_1", "u1", true); err != nil {
		t.Fatalf("MarkCompleted match: %v", err)
	}
	rows, _ = repo.ListByRequestID(ctx, "vr_1")
	if rows[0].Status != StatusCompletedMatch {
		t.Fatalf("expected completed_match, got %s", rows[0].Status)
	}

	// A no-match never downgrades a completed row.
	if err := repo.MarkCompleted(ctx, "vr_1", "u1", false); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	rows, _ = repo.ListByRequestID(ctx, "vr_1")
	if rows[0].Status != StatusCompletedMatch {
		t.Fatalf("terminal match was downgraded to %s", rows[0].Status)
	}

	if err := repo.MarkCompleted(ctx, "vr_9", "u1", true); err != ErrNoRows {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestCancelByRequestID(t *testing.T) {
	repo := NewInMemory()
	seedRows(t, repo)
	ctx := context.Background()

	_ = repo.MarkCompleted(ctx, "vr_1", "u1", true)
	n, err := repo.CancelByRequestID(ctx, "vr_1")
	if err != nil {
		t.Fatalf("CancelByRequestID: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled row, got %d", n)
	}
	rows, _ := repo.ListByRequestID(ctx, "vr_1")
	if rows[0].Status != StatusCompletedMatch || rows[1].Status != StatusCancelled {
		t.Fatalf("unexpected statuses: %s, %s", rows[0].Status, rows[1].Status)
	}

	// Second cancel is a no-op.
	n, _ = repo.CancelByRequestID(ctx, "vr_1")
	if n != 0 {
		t.Fatalf("expected idempotent cancel, got %d", n)
	}
}

func TestFindActiveBySessionID(t *testing.T) {
	repo := NewInMemory()
	seedRows(t, repo)
	ctx := context.Background()

	rows, err := repo.FindActiveBySessionID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindActiveBySessionID: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(rows))
	}

	if _, err := repo.CancelBySessionID(ctx, "s1"); err != nil {
		t.Fatalf("CancelBySessionID: %v", err)
	}
	rows, _ = repo.FindActiveBySessionID(ctx, "s1")
	if len(rows) != 0 {
		t.Fatalf("expected no pending rows after cancel, got %d", len(rows))
	}
}
